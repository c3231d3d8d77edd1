package core

import "errors"

// ErrDataPlaneNotProvisioned is returned when activation is attempted while the
// provision machine is not in Provisioned or the connection is terminated.
var ErrDataPlaneNotProvisioned = errors.New("data plane cannot activate unless provisioned")

// DataPlaneStatus is the observed state of the forwarding path.
type DataPlaneStatus struct {
	Active bool
	// Error is set when the data plane reported a fault.
	Error bool
}
