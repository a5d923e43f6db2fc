// Package fraud implements the suspicious-activity heuristics layered on
// top of rate limiting: rapid repeated funding requests and transactions
// that deviate sharply from an agent's own history.
//
// Grounded on discovery/validation.go's verify-then-record shape and
// htlcswitch.Switch's circuitMap bookkeeping (switch.go), generalized to
// per-agent rolling statistics instead of per-circuit HTLC state.
package fraud

import (
	"math"
	"sync"
	"time"
)

const (
	defaultRapidFundingThreshold = 5
	rapidFundingWindow           = time.Hour

	minHistoryForUnusualCheck = 10
	defaultStddevMultiple     = 3.0
)

// Finding describes one suspicious-activity detection.
type Finding struct {
	AgentID string
	Reason  string
	Detail  string
}

type agentHistory struct {
	mu            sync.Mutex
	fundingEvents []time.Time
	transactions  map[string][]float64 // by token
}

// Detector tracks per-agent funding and transaction history in memory and
// flags activity crossing configurable thresholds.
type Detector struct {
	mu       sync.Mutex
	agents   map[string]*agentHistory
	now      func() time.Time
	rapidCap int
	stddevK  float64
}

// New constructs a Detector with default thresholds (5 funding requests/
// hour, 3 standard deviations for transaction-amount outliers).
func New() *Detector {
	return NewWithClock(time.Now)
}

// NewWithClock constructs a Detector driven by a custom clock, for tests.
func NewWithClock(now func() time.Time) *Detector {
	return &Detector{
		agents:   make(map[string]*agentHistory),
		now:      now,
		rapidCap: defaultRapidFundingThreshold,
		stddevK:  defaultStddevMultiple,
	}
}

func (d *Detector) historyFor(agentID string) *agentHistory {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.agents[agentID]
	if !ok {
		h = &agentHistory{transactions: make(map[string][]float64)}
		d.agents[agentID] = h
	}
	return h
}

// RecordFundingRequest appends a funding-request timestamp for agentID.
func (d *Detector) RecordFundingRequest(agentID string) {
	h := d.historyFor(agentID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fundingEvents = append(h.fundingEvents, d.now())
}

// DetectRapidFunding reports whether agentID has issued at or above the
// rapid-funding threshold within the trailing hour, after pruning stale
// entries.
func (d *Detector) DetectRapidFunding(agentID string) *Finding {
	h := d.historyFor(agentID)
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := d.now().Add(-rapidFundingWindow)
	pruned := h.fundingEvents[:0:0]
	for _, t := range h.fundingEvents {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	h.fundingEvents = pruned

	if len(pruned) < d.rapidCap {
		return nil
	}
	return &Finding{
		AgentID: agentID,
		Reason:  "rapid_funding",
		Detail:  "funding requests exceeded threshold within the trailing hour",
	}
}

// RecordTransaction appends a settled transaction amount to agentID's
// per-token history.
func (d *Detector) RecordTransaction(agentID, token string, amount float64) {
	h := d.historyFor(agentID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transactions[token] = append(h.transactions[token], amount)
}

// DetectUnusualTransaction compares amount against agentID's own history for
// token. A token never seen before for this agent is itself flagged as
// unusual; 1-9 prior transactions are too little history to judge and are
// never flagged; at minHistoryForUnusualCheck or more, amount is flagged
// when it deviates more than stddevK standard deviations from the mean.
func (d *Detector) DetectUnusualTransaction(agentID, token string, amount float64) *Finding {
	h := d.historyFor(agentID)
	h.mu.Lock()
	history := append([]float64(nil), h.transactions[token]...)
	h.mu.Unlock()

	if len(history) == 0 {
		return &Finding{
			AgentID: agentID,
			Reason:  "unusual_transaction_amount",
			Detail:  "agent has no prior transaction history for this token",
		}
	}
	if len(history) < minHistoryForUnusualCheck {
		return nil
	}

	mean, stddev := meanStddev(history)
	if math.Abs(amount-mean) <= d.stddevK*stddev {
		return nil
	}

	return &Finding{
		AgentID: agentID,
		Reason:  "unusual_transaction_amount",
		Detail:  "transaction amount deviates sharply from the agent's own history",
	}
}

func meanStddev(values []float64) (mean, stddev float64) {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
