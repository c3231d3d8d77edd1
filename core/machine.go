// Package core holds the four orthogonal state machines that describe a
// connection: Reservation, Provision, Lifecycle and Data-Plane.
//
// Each machine is a pure transition table. Nothing in this package touches
// storage; callers load a value, fire events on it and persist the result.
package core

import (
	"errors"
	"fmt"
)

// Event is an input to one of the state machines.
type Event string

const (
	EventReserve        Event = "reserve"
	EventConfirmed      Event = "confirmed"
	EventFailed         Event = "failed"
	EventCommit         Event = "commit"
	EventAbort          Event = "abort"
	EventTimeout        Event = "timeout"
	EventAcknowledge    Event = "acknowledge"
	EventProvision      Event = "provision"
	EventRelease        Event = "release"
	EventTerminate      Event = "terminate"
	EventEndTimeReached Event = "endTimeReached"
	EventError          Event = "error"
)

// ErrInvalidTransition is matched by every TransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError reports an undefined (state, event) pair.
type TransitionError struct {
	Machine string
	State   string
	Event   Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s machine: event %q not allowed in state %s", e.Machine, e.Event, e.State)
}

// Is lets errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// machine is a deterministic transition table over a string-backed state type.
type machine[S ~string] struct {
	name    string
	initial S
	table   map[S]map[Event]S
}

func (m *machine[S]) fire(current S, ev Event) (S, error) {
	if next, ok := m.table[current][ev]; ok {
		return next, nil
	}
	return current, &TransitionError{Machine: m.name, State: string(current), Event: ev}
}

// states lists every state that appears in the table, source or target.
func (m *machine[S]) states() []S {
	seen := map[S]bool{m.initial: true}
	out := []S{m.initial}
	for from, edges := range m.table {
		if !seen[from] {
			seen[from] = true
			out = append(out, from)
		}
		for _, to := range edges {
			if !seen[to] {
				seen[to] = true
				out = append(out, to)
			}
		}
	}
	return out
}

func (m *machine[S]) valid(s S) bool {
	for _, known := range m.states() {
		if known == s {
			return true
		}
	}
	return false
}
