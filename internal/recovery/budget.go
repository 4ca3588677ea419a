package recovery

import (
	"sync"
	"time"

	"github.com/user/vpn-guard/internal/tunnel"
)

// DefaultMaxFailures caps consecutive failures before a connection is made.
const DefaultMaxFailures = 3

// Budget counts consecutive pre-connect failures for the reconnect loop.
type Budget struct {
	mu       sync.Mutex
	max      int
	failures int
}

// NewBudget returns a budget allowing max consecutive pre-connect failures.
func NewBudget(max int) *Budget {
	if max <= 0 {
		max = DefaultMaxFailures
	}
	return &Budget{max: max}
}

// Record accounts for a finished run and reports whether a reconnect may
// follow. Auth failures and manual stops are never retried. An exit after
// the session connected resets the count.
func (b *Budget) Record(o tunnel.Outcome) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !o.Retryable() {
		return false
	}
	if !o.BeforeConnect() {
		b.failures = 0
		return true
	}
	b.failures++
	return b.failures < b.max
}

// Reset clears the count; called when a session reaches Connected.
func (b *Budget) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Failures returns the current consecutive failure count.
func (b *Budget) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Backoff returns the delay before reconnect attempt n (1-based), doubling
// from initial and capped at max.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
