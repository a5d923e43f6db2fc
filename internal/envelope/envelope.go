// Package envelope implements the security envelope around settlement-
// sensitive operations named in spec.md's overview: sliding-window rate
// limiting, suspicious-activity detection, and append-only audit logging,
// composed around a business-layer payment handler.
package envelope

import (
	"github.com/settlemesh/connector/internal/audit"
	"github.com/settlemesh/connector/internal/fraud"
	"github.com/settlemesh/connector/internal/paymenthandler"
	"github.com/settlemesh/connector/internal/ratelimit"
)

// Classifier derives the rate-limit operation name, the audit/fraud
// subject identifier, and the settlement token from an inbound Request.
// A nil Classifier selects DefaultClassifier; cmd/connectord passes nil,
// so every node in this repository uses DefaultClassifier.
type Classifier func(req paymenthandler.Request) (op, subjectID, token string)

// DefaultClassifier treats every local dispatch as a funding_request keyed
// by the destination address.
func DefaultClassifier(req paymenthandler.Request) (op, subjectID, token string) {
	return "funding_request", req.Destination.String(), "default"
}

// Envelope wraps a paymenthandler.Handler with the rate limiter, fraud
// detector, and audit logger, in that order: rate-limit exhaustion rejects
// before the handler or detector ever see the request; detection findings
// are recorded but never block dispatch, matching spec.md §4.7's "detect",
// not "prevent", framing.
type Envelope struct {
	limiter  *ratelimit.Limiter
	detector *fraud.Detector
	audit    *audit.Logger
	classify Classifier
	next     paymenthandler.Handler
}

// New constructs an Envelope. classify may be nil, in which case
// DefaultClassifier is used.
func New(limiter *ratelimit.Limiter, detector *fraud.Detector, auditor *audit.Logger, classify Classifier, next paymenthandler.Handler) *Envelope {
	if classify == nil {
		classify = DefaultClassifier
	}
	return &Envelope{limiter: limiter, detector: detector, audit: auditor, classify: classify, next: next}
}

// Handle implements paymenthandler.Handler.
func (e *Envelope) Handle(req paymenthandler.Request) paymenthandler.Response {
	op, subject, token := e.classify(req)

	if !e.limiter.CheckRateLimit(op, subject) {
		e.audit.Log(op, subject, map[string]interface{}{"paymentId": req.PaymentID}, "failure", "", "")
		return paymenthandler.Response{Accept: false, RejectReason: "rate_limit_exceeded"}
	}

	if op == "funding_request" {
		e.detector.RecordFundingRequest(subject)
		if finding := e.detector.DetectRapidFunding(subject); finding != nil {
			e.audit.Log("rapid_funding_detected", subject, map[string]interface{}{"detail": finding.Detail}, "flagged", "", "")
		}
	} else {
		amount := float64(req.Amount)
		if finding := e.detector.DetectUnusualTransaction(subject, token, amount); finding != nil {
			e.audit.Log("unusual_transaction_detected", subject, map[string]interface{}{"detail": finding.Detail}, "flagged", "", "")
		}
		e.detector.RecordTransaction(subject, token, amount)
	}

	resp := e.next(req)

	result := "success"
	if !resp.Accept {
		result = "failure"
	}
	e.audit.Log(op, subject, map[string]interface{}{"paymentId": req.PaymentID, "amount": req.Amount}, result, "", "")

	return resp
}
