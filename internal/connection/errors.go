package connection

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/model"
)

// Protocol-level rejection kinds. Every rejection returned by the Manager is
// an *Error whose Kind is one of these.
var (
	ErrConnectionNotFound          = errors.New("connection not found")
	ErrVersionConflict             = errors.New("version conflict")
	ErrInvalidOperationForState    = errors.New("invalid operation for state")
	ErrConnectionAlreadyTerminated = errors.New("connection already terminated")
	ErrValidation                  = model.ErrValidation
	ErrInternalStore               = errors.New("internal store error")
)

// Error is a rejected operation. It carries the authoritative version and
// states so the caller can decide whether to retry with a fresh version.
type Error struct {
	Kind         error
	ConnectionID string
	Version      int64
	// States is nil when no record exists.
	States *core.States
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.ConnectionID != "" {
		msg = fmt.Sprintf("%s: connection %s", msg, e.ConnectionID)
	}
	if e.States != nil {
		msg = fmt.Sprintf("%s (version %d, %s)", msg, e.Version, e.States)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether the same request may succeed if simply resent.
func (e *Error) Retryable() bool {
	return errors.Is(e.Kind, ErrInternalStore)
}

func newError(kind error, c *model.Connection, cause error) *Error {
	e := &Error{Kind: kind, Err: cause}
	if c != nil {
		states := c.States
		e.ConnectionID = c.ConnectionID
		e.Version = c.Version
		e.States = &states
	}
	return e
}

// errPrecondition marks a cross-machine precondition that is not a plain
// transition table rejection, e.g. provisioning an uncommitted reservation.
var errPrecondition = errors.New("precondition not met")
