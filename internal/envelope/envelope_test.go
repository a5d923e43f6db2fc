package envelope_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/settlemesh/connector/internal/audit"
	"github.com/settlemesh/connector/internal/envelope"
	"github.com/settlemesh/connector/internal/eventstore"
	"github.com/settlemesh/connector/internal/fraud"
	"github.com/settlemesh/connector/internal/paymenthandler"
	"github.com/settlemesh/connector/internal/ratelimit"
)

func newTestEnvelope(t *testing.T, next paymenthandler.Handler) (*envelope.Envelope, *audit.Logger) {
	t.Helper()
	store := eventstore.NewMemoryStore()
	auditor := audit.New(store)
	limiter := ratelimit.New()
	t.Cleanup(limiter.Close)
	detector := fraud.New()
	return envelope.New(limiter, detector, auditor, nil, next), auditor
}

func TestHandleAllowsUnderRateLimit(t *testing.T) {
	called := false
	env, _ := newTestEnvelope(t, func(paymenthandler.Request) paymenthandler.Response {
		called = true
		return paymenthandler.Response{Accept: true}
	})

	resp := env.Handle(paymenthandler.Request{PaymentID: "p1"})
	require.True(t, resp.Accept)
	require.True(t, called)
}

func TestHandleRejectsOverRateLimitWithoutCallingNext(t *testing.T) {
	called := 0
	env, auditor := newTestEnvelope(t, func(paymenthandler.Request) paymenthandler.Response {
		called++
		return paymenthandler.Response{Accept: true}
	})

	var last paymenthandler.Response
	for i := 0; i < 51; i++ {
		last = env.Handle(paymenthandler.Request{PaymentID: "p1"})
	}

	require.False(t, last.Accept)
	require.Equal(t, "rate_limit_exceeded", last.RejectReason)
	require.Equal(t, 50, called)

	entries, err := auditor.Query("", "", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	var sawFailure bool
	for _, e := range entries {
		if e.Operation == "funding_request" && e.Result == "failure" {
			sawFailure = true
		}
	}
	require.True(t, sawFailure)
}

func TestHandleAuditsEveryDispatch(t *testing.T) {
	env, auditor := newTestEnvelope(t, func(paymenthandler.Request) paymenthandler.Response {
		return paymenthandler.Response{Accept: true}
	})

	env.Handle(paymenthandler.Request{PaymentID: "p1"})

	entries, err := auditor.Query("", "", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "success", entries[0].Result)
}
