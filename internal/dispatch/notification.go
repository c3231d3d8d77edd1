package dispatch

import (
	"strings"
	"time"
)

// Operation names the protocol operation a notification belongs to.
type Operation string

const (
	OpReserve              Operation = "reserve"
	OpReserveCommit        Operation = "reserveCommit"
	OpReserveAbort         Operation = "reserveAbort"
	OpProvision            Operation = "provision"
	OpRelease              Operation = "release"
	OpTerminate            Operation = "terminate"
	OpReserveTimeout       Operation = "reserveTimeout"
	OpDataPlaneStateChange Operation = "dataPlaneStateChange"
	OpErrorEvent           Operation = "errorEvent"
)

// Outcome is the result carried by a notification. Unsolicited events such as
// reserveTimeout have no outcome.
type Outcome string

const (
	OutcomeConfirmed Outcome = "Confirmed"
	OutcomeFailed    Outcome = "Failed"
	OutcomeEvent     Outcome = ""
)

// Notification is the asynchronous message sent to a requester.
type Notification struct {
	CorrelationID string         `json:"correlationId"`
	ConnectionID  string         `json:"connectionId"`
	Operation     Operation      `json:"operation"`
	Outcome       Outcome        `json:"outcome,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Time          time.Time      `json:"time"`

	// DeliveryError is set on recorded notifications that could not be
	// delivered to the requester.
	DeliveryError string `json:"deliveryError,omitempty"`
}

// Method returns the requester callback name, e.g. ReserveCommitConfirmed.
func (n Notification) Method() string {
	op := string(n.Operation)
	if op == "" {
		return string(n.Outcome)
	}
	return strings.ToUpper(op[:1]) + op[1:] + string(n.Outcome)
}
