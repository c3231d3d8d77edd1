package core

// ReservationState tracks the act of reserving resources.
type ReservationState string

const (
	ReserveStart      ReservationState = "ReserveStart"
	ReserveChecking   ReservationState = "ReserveChecking"
	ReserveHeld       ReservationState = "ReserveHeld"
	ReserveCommitting ReservationState = "ReserveCommitting"
	ReserveAborting   ReservationState = "ReserveAborting"
	ReserveTimeout    ReservationState = "ReserveTimeout"
)

// ReservationInitial is the state a freshly created connection enters: the
// creating reserve request goes straight to checking.
const ReservationInitial = ReserveChecking

var reservationMachine = &machine[ReservationState]{
	name:    "reservation",
	initial: ReserveStart,
	table: map[ReservationState]map[Event]ReservationState{
		ReserveStart: {
			EventReserve: ReserveChecking,
		},
		ReserveChecking: {
			EventConfirmed: ReserveHeld,
			EventFailed:    ReserveStart,
		},
		ReserveHeld: {
			EventCommit:  ReserveCommitting,
			EventAbort:   ReserveAborting,
			EventTimeout: ReserveTimeout,
		},
		ReserveCommitting: {
			EventConfirmed: ReserveStart,
			EventFailed:    ReserveHeld,
		},
		ReserveAborting: {
			EventConfirmed: ReserveStart,
		},
		ReserveTimeout: {
			EventAcknowledge: ReserveStart,
		},
	},
}

// FireReservation applies ev to the reservation machine.
func FireReservation(current ReservationState, ev Event) (ReservationState, error) {
	return reservationMachine.fire(current, ev)
}

// ReservationStates returns every defined reservation state.
func ReservationStates() []ReservationState { return reservationMachine.states() }

// Valid reports whether s is a defined reservation state.
func (s ReservationState) Valid() bool { return reservationMachine.valid(s) }
