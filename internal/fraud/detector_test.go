package fraud_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/settlemesh/connector/internal/fraud"
)

func TestDetectRapidFundingBelowThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := fraud.NewWithClock(func() time.Time { return now })

	for i := 0; i < 4; i++ {
		d.RecordFundingRequest("agent-1")
	}
	require.Nil(t, d.DetectRapidFunding("agent-1"))
}

func TestDetectRapidFundingAtThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := fraud.NewWithClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		d.RecordFundingRequest("agent-1")
	}
	finding := d.DetectRapidFunding("agent-1")
	require.NotNil(t, finding)
	require.Equal(t, "rapid_funding", finding.Reason)
}

func TestDetectRapidFundingWindowExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := fraud.NewWithClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		d.RecordFundingRequest("agent-1")
	}
	now = now.Add(61 * time.Minute)
	require.Nil(t, d.DetectRapidFunding("agent-1"))
}

func TestDetectUnusualTransactionRequiresHistory(t *testing.T) {
	d := fraud.New()
	for i := 0; i < 9; i++ {
		d.RecordTransaction("agent-1", "USD", 100)
	}
	// Only 9 prior transactions recorded; threshold requires 10.
	require.Nil(t, d.DetectUnusualTransaction("agent-1", "USD", 100000))
}

func TestDetectUnusualTransactionFlagsNeverSeenToken(t *testing.T) {
	d := fraud.New()
	finding := d.DetectUnusualTransaction("agent-1", "USD", 100)
	require.NotNil(t, finding)
	require.Equal(t, "unusual_transaction_amount", finding.Reason)
}

func TestDetectUnusualTransactionFlagsOutlier(t *testing.T) {
	d := fraud.New()
	for i := 0; i < 20; i++ {
		d.RecordTransaction("agent-1", "USD", 100)
	}
	finding := d.DetectUnusualTransaction("agent-1", "USD", 100000)
	require.NotNil(t, finding)
	require.Equal(t, "unusual_transaction_amount", finding.Reason)
}

func TestDetectUnusualTransactionAllowsConsistentAmounts(t *testing.T) {
	d := fraud.New()
	// Alternating 95/105 gives mean 100 and stddev 5, so 105 is within 3σ.
	for i := 0; i < 20; i++ {
		d.RecordTransaction("agent-1", "USD", float64(95+10*(i%2)))
	}
	require.Nil(t, d.DetectUnusualTransaction("agent-1", "USD", 105))
}

func TestDetectUnusualTransactionIsolatedPerToken(t *testing.T) {
	d := fraud.New()
	for i := 0; i < 20; i++ {
		d.RecordTransaction("agent-1", "USD", 100)
	}
	// No EUR history yet for this agent, so the never-seen-token rule
	// flags it regardless of amount size.
	require.NotNil(t, d.DetectUnusualTransaction("agent-1", "EUR", 100000))
}
