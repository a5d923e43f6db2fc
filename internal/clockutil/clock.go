// Package clockutil provides the connector's monotonic time source and
// packet ID generation, grounded on the Clock abstraction the teacher's
// clock submodule stubs out for its own HTLC deadline bookkeeping.
package clockutil

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock access so expiry comparisons and deadline
// monitors can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// TestClock is a manually-advanced Clock for deterministic tests, mirroring
// the fixture clocks used throughout the teacher's test suites.
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewTestClock returns a TestClock pinned at the given instant.
func NewTestClock(now time.Time) *TestClock {
	return &TestClock{now: now}
}

// Now returns the clock's current pinned instant.
func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the clock at t.
func (c *TestClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// NewPacketID returns a random 128-bit packet identifier, base64url-encoded
// without padding as required for wire transport.
func NewPacketID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}
