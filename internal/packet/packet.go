// Package packet implements the Prepare/Fulfill/Reject packet state
// machine's data model: the tagged packet variants, the closed ErrorCode
// set, and the cryptographic condition/fulfillment binding. Grounded on
// lnwire's tagged message types (message.go) and the preimage field
// carried by UpdateFulfillHTLC (update_fulfill_htlc.go).
package packet

import (
	"crypto/sha256"
	"errors"
	"time"

	"github.com/settlemesh/connector/internal/address"
)

// ConditionSize is the fixed length, in bytes, of an execution condition
// and of a fulfillment preimage.
const ConditionSize = 32

// Condition is the 32-byte SHA-256 image a Fulfill's preimage must match.
type Condition [ConditionSize]byte

// Fulfillment is the 32-byte preimage released to claim value.
type Fulfillment [ConditionSize]byte

// Hash returns SHA256(f), used to verify a Fulfill against its Prepare's
// Condition.
func (f Fulfillment) Hash() Condition {
	return sha256.Sum256(f[:])
}

// ErrorCode is a closed set of reject codes with three severity prefixes:
// F (final), T (temporary), R (relative).
type ErrorCode string

const (
	ErrBadRequest        ErrorCode = "F00"
	ErrUnreachable       ErrorCode = "F02"
	ErrInvalidAmount     ErrorCode = "F03"
	ErrUnexpectedPayment ErrorCode = "F06"
	ErrApplicationError  ErrorCode = "F99"
	ErrInternal          ErrorCode = "T00"
	ErrPeerUnreachable   ErrorCode = "T01"
	ErrInsufficientLiq   ErrorCode = "T04"
	ErrTransferTimedOut  ErrorCode = "R00"
)

// Type distinguishes the three packet shapes carried over the wire.
type Type uint8

const (
	TypePrepare Type = iota
	TypeFulfill
	TypeReject
)

// Prepare is the initiating leg of a packet round trip.
type Prepare struct {
	ID                 string
	Destination        address.Address
	Amount             uint64
	ExecutionCondition Condition
	ExpiresAt          time.Time
	Data               []byte
}

// Fulfill is the successful response to a Prepare.
type Fulfill struct {
	ID          string
	Fulfillment Fulfillment
	Data        []byte
}

// Reject is the failed response to a Prepare.
type Reject struct {
	ID          string
	Code        ErrorCode
	Message     string
	TriggeredBy address.Address
	Data        []byte
}

var (
	// ErrConditionMismatch is returned when a Fulfill's preimage does not
	// hash to the Prepare's execution condition.
	ErrConditionMismatch = errors.New("packet: fulfillment does not match execution condition")

	// ErrInvalidCondition signals a condition that is not exactly
	// ConditionSize bytes — callers constructing a Prepare must pass a
	// full 32-byte condition.
	ErrInvalidCondition = errors.New("packet: condition must be 32 bytes")
)

// NewPrepare constructs a Prepare, validating destination well-formedness is
// the caller's responsibility (address.Parse already enforces it via the
// Address type).
func NewPrepare(id string, dest address.Address, amount uint64, cond Condition, expiresAt time.Time, data []byte) *Prepare {
	return &Prepare{
		ID:                 id,
		Destination:        dest,
		Amount:             amount,
		ExecutionCondition: cond,
		ExpiresAt:          expiresAt,
		Data:               data,
	}
}

// Verify reports whether fulfillment is a valid release for p: it is valid
// iff SHA256(fulfillment) == p.ExecutionCondition.
func (p *Prepare) Verify(f Fulfillment) bool {
	return f.Hash() == p.ExecutionCondition
}

// NewFulfillFromPreimage builds a Fulfill for p given the correct preimage.
// It returns ErrConditionMismatch if the preimage does not verify.
func NewFulfillFromPreimage(p *Prepare, preimage Fulfillment, data []byte) (*Fulfill, error) {
	if !p.Verify(preimage) {
		return nil, ErrConditionMismatch
	}
	return &Fulfill{ID: p.ID, Fulfillment: preimage, Data: data}, nil
}

// NewReject builds a Reject for the packet identified by id. triggeredBy
// must be a well-formed address (the connector's own address, or the
// upstream's, per the propagation rules in the forwarding engine).
func NewReject(id string, code ErrorCode, message string, triggeredBy address.Address, data []byte) *Reject {
	return &Reject{
		ID:          id,
		Code:        code,
		Message:     message,
		TriggeredBy: triggeredBy,
		Data:        data,
	}
}
