package model

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/signalsfoundry/supa/core"
)

// DefaultProtocolVersion is recorded when a requester does not state one.
const DefaultProtocolVersion = "application/vnd.ogf.nsi.cs.v2.provider+soap"

// ErrValidation marks malformed request parameters.
var ErrValidation = errors.New("validation error")

// Endpoint is one side of the reserved segment.
type Endpoint struct {
	Domain      string
	NetworkType string
	Port        string
	VLAN        int
}

// SameResource reports whether both endpoints claim the same port and vlan.
func (e Endpoint) SameResource(o Endpoint) bool {
	return e.Domain == o.Domain && e.NetworkType == o.NetworkType && e.Port == o.Port && e.VLAN == o.VLAN
}

// SamePort reports whether both endpoints use the same port, regardless of
// vlan.
func (e Endpoint) SamePort(o Endpoint) bool {
	return e.Domain == o.Domain && e.NetworkType == o.NetworkType && e.Port == o.Port
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%s:%s?vlan=%d", e.Domain, e.NetworkType, e.Port, e.VLAN)
}

func (e Endpoint) validate(role string) error {
	var errs []error
	if strings.TrimSpace(e.Domain) == "" {
		errs = append(errs, fmt.Errorf("%w: %s domain is required", ErrValidation, role))
	}
	if strings.TrimSpace(e.NetworkType) == "" {
		errs = append(errs, fmt.Errorf("%w: %s network type is required", ErrValidation, role))
	}
	if strings.TrimSpace(e.Port) == "" {
		errs = append(errs, fmt.Errorf("%w: %s port is required", ErrValidation, role))
	}
	if e.VLAN < 1 || e.VLAN > 4094 {
		errs = append(errs, fmt.Errorf("%w: %s vlan %d outside 1-4094", ErrValidation, role, e.VLAN))
	}
	return errors.Join(errs...)
}

// Criteria are the traffic parameters of one reservation version.
type Criteria struct {
	StartTime   time.Time
	EndTime     time.Time
	Bandwidth   int64 // Mbit/s
	Symmetric   bool
	Source      Endpoint
	Destination Endpoint
}

// Validate checks the criteria are complete and well formed.
func (c Criteria) Validate() error {
	var errs []error
	if c.Bandwidth <= 0 {
		errs = append(errs, fmt.Errorf("%w: bandwidth must be positive, got %d", ErrValidation, c.Bandwidth))
	}
	if c.StartTime.IsZero() || c.EndTime.IsZero() {
		errs = append(errs, fmt.Errorf("%w: start and end time are required", ErrValidation))
	} else if !c.EndTime.After(c.StartTime) {
		errs = append(errs, fmt.Errorf("%w: end time %s must be after start time %s",
			ErrValidation, c.EndTime.UTC().Format(time.RFC3339), c.StartTime.UTC().Format(time.RFC3339)))
	}
	errs = append(errs, c.Source.validate("source"), c.Destination.validate("destination"))
	return errors.Join(errs...)
}

// Overlaps reports whether the two schedules share any instant.
func (c Criteria) Overlaps(o Criteria) bool {
	return c.StartTime.Before(o.EndTime) && o.StartTime.Before(c.EndTime)
}

// Active reports whether t falls inside [StartTime, EndTime).
func (c Criteria) Active(t time.Time) bool {
	return !t.Before(c.StartTime) && t.Before(c.EndTime)
}

// JobKind names a deferred event the scheduler can fire for a connection.
type JobKind string

const (
	JobReserveCheck   JobKind = "reserveCheck"
	JobReserveTimeout JobKind = "reserveTimeout"
	JobActivate       JobKind = "activate"
	JobEndTime        JobKind = "endTime"
)

// JobKinds lists every kind in a stable order.
func JobKinds() []JobKind {
	return []JobKind{JobReserveCheck, JobReserveTimeout, JobActivate, JobEndTime}
}

// Connection is the durable record of one reservable circuit segment.
type Connection struct {
	// ConnectionID is assigned by the store on creation and never changes.
	ConnectionID string
	// CorrelationID is the token of the request that last changed the record.
	CorrelationID string
	// GlobalReservationID is supplied by the requester on creation.
	GlobalReservationID string
	Description         string
	ProtocolVersion     string

	RequesterNSA string
	ProviderNSA  string
	// ReplyTo is the requester's callback address. Empty means the requester
	// polls for results.
	ReplyTo string

	// Criteria are the committed criteria, or the initially requested ones
	// before the first commit.
	Criteria Criteria
	// Held carries modified criteria between a modify and its commit or abort.
	Held *Criteria
	// Committed is set once any reservation version was committed.
	Committed bool
	// HoldExpiry is when the current hold times out; zero when nothing is held.
	HoldExpiry time.Time

	// Version increases by exactly one per persisted change.
	Version int64
	States  core.States
	// Generations tag scheduled jobs per kind; a fired job whose generation
	// differs from the record's is stale.
	Generations map[JobKind]int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	out := *c
	if c.Held != nil {
		held := *c.Held
		out.Held = &held
	}
	out.Generations = maps.Clone(c.Generations)
	if out.Generations == nil {
		out.Generations = make(map[JobKind]int64)
	}
	return &out
}

// Generation returns the current generation for kind.
func (c *Connection) Generation(kind JobKind) int64 {
	if c == nil || c.Generations == nil {
		return 0
	}
	return c.Generations[kind]
}

// BumpGeneration invalidates outstanding jobs of kind and returns the new
// generation.
func (c *Connection) BumpGeneration(kind JobKind) int64 {
	if c.Generations == nil {
		c.Generations = make(map[JobKind]int64)
	}
	c.Generations[kind]++
	return c.Generations[kind]
}

// PendingCriteria returns the criteria currently being reserved: the held
// modification if any, otherwise the base criteria.
func (c *Connection) PendingCriteria() Criteria {
	if c.Held != nil {
		return *c.Held
	}
	return c.Criteria
}
