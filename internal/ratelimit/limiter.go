// Package ratelimit implements the sliding-window operation rate limiter.
//
// Grounded on htlcswitch.Switch's pendingMutex-guarded map discipline
// (switch.go) and its periodic logTicker task, generalized to a 10-minute
// empty-key sweep.
package ratelimit

import (
	"sync"
	"time"
)

// defaultLimits gives per-operation hourly caps; operations absent from
// this table fall back to defaultLimit.
var defaultLimits = map[string]int{
	"wallet_creation": 100,
	"funding_request": 50,
}

const defaultLimit = 100

const window = time.Hour

type key struct {
	op string
	id string
}

// Limiter is a sliding-window counter keyed by (operation, identifier).
type Limiter struct {
	mu      sync.RWMutex
	windows map[key][]time.Time
	limits  map[string]int
	now     func() time.Time

	stop chan struct{}
}

// New constructs a Limiter using wall-clock time and starts its background
// cleanup ticker (every 10 minutes, per SPEC_FULL §4.6).
func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock constructs a Limiter driven by a custom clock function, for
// deterministic tests.
func NewWithClock(now func() time.Time) *Limiter {
	l := &Limiter{
		windows: make(map[key][]time.Time),
		limits:  defaultLimits,
		now:     now,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Close stops the background cleanup ticker.
func (l *Limiter) Close() { close(l.stop) }

func (l *Limiter) limitFor(op string) int {
	if n, ok := l.limits[op]; ok {
		return n
	}
	return defaultLimit
}

// CheckRateLimit prunes instants older than now-1h for (op, id); if the
// remaining count is already at or above the operation's limit it returns
// false without recording this attempt, otherwise it records now and
// returns true.
func (l *Limiter) CheckRateLimit(op, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{op, id}
	now := l.now()
	pruned := pruneBefore(l.windows[k], now.Add(-window))

	if len(pruned) >= l.limitFor(op) {
		l.windows[k] = pruned
		return false
	}

	l.windows[k] = append(pruned, now)
	return true
}

// RecordOperation appends now to the window for (op, id) without checking
// the limit.
func (l *Limiter) RecordOperation(op, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{op, id}
	now := l.now()
	l.windows[k] = append(pruneBefore(l.windows[k], now.Add(-window)), now)
}

// GetOperationCount returns the current window size for (op, id).
func (l *Limiter) GetOperationCount(op, id string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	k := key{op, id}
	return len(pruneBefore(l.windows[k], l.now().Add(-window)))
}

func pruneBefore(instants []time.Time, cutoff time.Time) []time.Time {
	out := instants[:0:0]
	for _, t := range instants {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweepEmptyKeys()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweepEmptyKeys() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	for k, instants := range l.windows {
		pruned := pruneBefore(instants, cutoff)
		if len(pruned) == 0 {
			delete(l.windows, k)
		} else {
			l.windows[k] = pruned
		}
	}
}
