package core

import "fmt"

// States bundles the four machines of one connection. Methods return a new
// value; the receiver is never modified, so a rejected event leaves the
// caller's copy untouched.
type States struct {
	Reservation ReservationState
	Provision   ProvisionState
	Lifecycle   LifecycleState
	DataPlane   DataPlaneStatus
}

// InitialStates returns the states of a connection right after the creating
// reserve request was accepted.
func InitialStates() States {
	return States{
		Reservation: ReservationInitial,
		Provision:   provisionMachine.initial,
		Lifecycle:   lifecycleMachine.initial,
	}
}

// OnReservation fires ev on the reservation machine.
func (s States) OnReservation(ev Event) (States, error) {
	next, err := FireReservation(s.Reservation, ev)
	if err != nil {
		return s, err
	}
	s.Reservation = next
	return s, nil
}

// OnProvision fires ev on the provision machine. Leaving Provisioned drops
// the data plane in the same step.
func (s States) OnProvision(ev Event) (States, error) {
	next, err := FireProvision(s.Provision, ev)
	if err != nil {
		return s, err
	}
	s.Provision = next
	if next != Provisioned {
		s.DataPlane.Active = false
	}
	return s, nil
}

// OnLifecycle fires ev on the lifecycle machine. Terminating or Terminated
// drops the data plane in the same step.
func (s States) OnLifecycle(ev Event) (States, error) {
	next, err := FireLifecycle(s.Lifecycle, ev)
	if err != nil {
		return s, err
	}
	s.Lifecycle = next
	if next == Terminating || next == Terminated {
		s.DataPlane.Active = false
	}
	return s, nil
}

// ActivateDataPlane marks the data plane active. It is only allowed while
// provisioned and not terminated.
func (s States) ActivateDataPlane() (States, error) {
	if s.Provision != Provisioned || s.Lifecycle == Terminating || s.Lifecycle == Terminated {
		return s, fmt.Errorf("%w: provision=%s lifecycle=%s", ErrDataPlaneNotProvisioned, s.Provision, s.Lifecycle)
	}
	s.DataPlane.Active = true
	s.DataPlane.Error = false
	return s, nil
}

// DeactivateDataPlane marks the data plane inactive.
func (s States) DeactivateDataPlane() States {
	s.DataPlane.Active = false
	return s
}

// DataPlaneFault records a data-plane error; the path is no longer forwarding.
func (s States) DataPlaneFault() States {
	s.DataPlane.Active = false
	s.DataPlane.Error = true
	return s
}

// Terminated reports whether the lifecycle reached its absorbing state.
func (s States) Terminated() bool {
	return s.Lifecycle == Terminated
}

// Valid reports whether every machine sits in a defined state and the
// data-plane invariant holds.
func (s States) Valid() bool {
	if !s.Reservation.Valid() || !s.Provision.Valid() || !s.Lifecycle.Valid() {
		return false
	}
	if s.DataPlane.Active && (s.Provision != Provisioned || s.Lifecycle == Terminated) {
		return false
	}
	return true
}

func (s States) String() string {
	return fmt.Sprintf("reservation=%s provision=%s lifecycle=%s dataPlaneActive=%t",
		s.Reservation, s.Provision, s.Lifecycle, s.DataPlane.Active)
}
