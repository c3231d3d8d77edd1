package nbi

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/signalsfoundry/supa/internal/connection"
	"github.com/signalsfoundry/supa/internal/nsi"
	"github.com/signalsfoundry/supa/model"
)

// ErrInvalidHeader marks a request whose NSI header fields are unusable.
var ErrInvalidHeader = fmt.Errorf("%w: invalid header", model.ErrValidation)

// ValidateCorrelationID accepts an empty id (one is generated) or a
// urn:uuid: URN.
func ValidateCorrelationID(id string) error {
	if id == "" {
		return nil
	}
	raw, ok := strings.CutPrefix(id, "urn:uuid:")
	if !ok {
		return fmt.Errorf("%w: correlation id %q must be a urn:uuid", ErrInvalidHeader, id)
	}
	if _, err := uuid.Parse(raw); err != nil {
		return fmt.Errorf("%w: correlation id %q: %v", ErrInvalidHeader, id, err)
	}
	return nil
}

// ValidateReserve checks the header of a reserve request. Criteria are
// validated by the connection manager.
func ValidateReserve(req connection.ReserveRequest, providerNSA string) error {
	if err := ValidateCorrelationID(req.CorrelationID); err != nil {
		return err
	}
	if strings.TrimSpace(req.RequesterNSA) == "" {
		return fmt.Errorf("%w: requester NSA is required", ErrInvalidHeader)
	}
	if req.ProviderNSA != "" && providerNSA != "" && req.ProviderNSA != providerNSA {
		return fmt.Errorf("%w: request addressed to provider %q, this is %q", ErrInvalidHeader, req.ProviderNSA, providerNSA)
	}
	if req.ReplyTo != "" && nsi.Target(req.ReplyTo) == "" {
		return fmt.Errorf("%w: replyTo %q is not a usable address", ErrInvalidHeader, req.ReplyTo)
	}
	return nil
}

// ValidateVerb checks the header of a non-reserve verb.
func ValidateVerb(v nsi.VerbRequest) error {
	if v.Version < 0 {
		return fmt.Errorf("%w: version %d is negative", ErrInvalidHeader, v.Version)
	}
	return ValidateCorrelationID(v.CorrelationID)
}
