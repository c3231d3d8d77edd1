package core

// LifecycleState tracks the overall life of a connection.
type LifecycleState string

const (
	Created       LifecycleState = "Created"
	Failed        LifecycleState = "Failed"
	PassedEndTime LifecycleState = "PassedEndTime"
	Terminating   LifecycleState = "Terminating"
	Terminated    LifecycleState = "Terminated"
)

// Terminated is absorbing: it has no outgoing edges.
var lifecycleMachine = &machine[LifecycleState]{
	name:    "lifecycle",
	initial: Created,
	table: map[LifecycleState]map[Event]LifecycleState{
		Created: {
			EventEndTimeReached: PassedEndTime,
			EventTerminate:      Terminating,
			EventError:          Failed,
		},
		PassedEndTime: {
			EventTerminate: Terminating,
			EventError:     Failed,
		},
		Failed: {
			EventTerminate: Terminating,
		},
		Terminating: {
			EventConfirmed: Terminated,
		},
	},
}

// FireLifecycle applies ev to the lifecycle machine.
func FireLifecycle(current LifecycleState, ev Event) (LifecycleState, error) {
	return lifecycleMachine.fire(current, ev)
}

// LifecycleStates returns every defined lifecycle state.
func LifecycleStates() []LifecycleState { return lifecycleMachine.states() }

// Valid reports whether s is a defined lifecycle state.
func (s LifecycleState) Valid() bool { return lifecycleMachine.valid(s) }
