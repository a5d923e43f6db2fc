// Package paymenthandler translates transport-level Prepare packets into
// business-level accept/reject decisions and back, keeping cryptographic
// proof material (the execution condition) and transport identity (the
// source peer) out of the business handler's view.
//
// Grounded on htlcswitch.Switch.handleLocalDispatch's translation between
// wire HTLC updates and the pending-payment completion channel.
package paymenthandler

import (
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/settlemesh/connector/internal/address"
	"github.com/settlemesh/connector/internal/logctx"
	"github.com/settlemesh/connector/internal/packet"
)

var log btclog.Logger = logctx.NewLogger("PHDL")

const maxResponseDataBytes = 32768

// Request is the business-facing view of an inbound Prepare: it
// deliberately omits the execution condition and source peer so a handler
// can neither forge a fulfillment proof nor make routing decisions.
type Request struct {
	PaymentID   string
	Destination address.Address
	Amount      uint64
	ExpiresAt   time.Time
	Data        []byte
}

// Response is what a handler returns for a Request.
type Response struct {
	Accept       bool
	RejectReason string
	Data         []byte
	Err          error // a non-nil Err overrides Accept entirely: T00 is returned
}

// Handler is the business callback signature.
type Handler func(Request) Response

var rejectCodeByReason = map[string]packet.ErrorCode{
	"insufficient_funds": packet.ErrInsufficientLiq,
	"expired":            packet.ErrTransferTimedOut,
	"invalid_request":    packet.ErrBadRequest,
	"invalid_amount":     packet.ErrInvalidAmount,
	"unexpected_payment": packet.ErrUnexpectedPayment,
	"application_error":  packet.ErrApplicationError,
	"internal_error":     packet.ErrInternal,
	"timeout":            packet.ErrInternal,
}

// Adapter wires a Handler to the packet layer.
type Adapter struct {
	handler Handler
	now     func() time.Time
}

// New constructs an Adapter around handler, using wall-clock time.
func New(handler Handler) *Adapter {
	return NewWithClock(handler, time.Now)
}

// NewWithClock constructs an Adapter with a custom clock, for tests.
func NewWithClock(handler Handler, now func() time.Time) *Adapter {
	return &Adapter{handler: handler, now: now}
}

// Handle translates p into a Request, invokes the business handler (unless
// p has already expired), and translates the outcome back into a Fulfill
// or Reject.
func (a *Adapter) Handle(p *packet.Prepare) (*packet.Fulfill, *packet.Reject) {
	if !p.ExpiresAt.After(a.now()) {
		return nil, packet.NewReject(p.ID, packet.ErrTransferTimedOut, "Payment has expired", "", nil)
	}

	resp := a.invoke(Request{
		PaymentID:   p.ID,
		Destination: p.Destination,
		Amount:      p.Amount,
		ExpiresAt:   p.ExpiresAt,
		Data:        p.Data,
	})

	if resp.Err != nil {
		return nil, packet.NewReject(p.ID, packet.ErrInternal, "Internal error processing payment", "", nil)
	}

	data, warn := sanitizeResponseData(resp.Data)
	if warn {
		log.Warnf("paymenthandler: response data for %s stripped (invalid base64url or too large)", p.ID)
	}

	if resp.Accept {
		sum := sha256.Sum256(p.Data)
		return &packet.Fulfill{ID: p.ID, Fulfillment: packet.Fulfillment(sum), Data: data}, nil
	}

	code, ok := rejectCodeByReason[resp.RejectReason]
	if !ok {
		code = packet.ErrApplicationError
	}
	return nil, packet.NewReject(p.ID, code, "Payment rejected", "", data)
}

// invoke calls the handler, converting a panic into an Err response so a
// misbehaving business handler can never take down the forwarding engine.
func (a *Adapter) invoke(req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Response{Err: &handlerPanicError{recovered: r}}
		}
	}()
	return a.handler(req)
}

type handlerPanicError struct{ recovered interface{} }

func (e *handlerPanicError) Error() string { return "payment handler panicked" }

// sanitizeResponseData validates that raw is base64url-decodable and
// decodes to at most maxResponseDataBytes; returns (data, true) with data
// stripped to nil when validation fails.
func sanitizeResponseData(raw []byte) ([]byte, bool) {
	if raw == nil {
		return nil, false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(string(raw))
	if err != nil || len(decoded) > maxResponseDataBytes {
		return nil, true
	}
	return raw, false
}
