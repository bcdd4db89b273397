package transport

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultBaseDelay is the first reconnect delay after a success.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the reconnect delay.
	DefaultMaxDelay = 2 * time.Minute
)

// Backoff yields reconnect delays of base, 2*base, 4*base ... capped at maxDelay.
// Reset returns the next delay to base.
type Backoff struct {
	mu       sync.Mutex
	eb       *backoff.ExponentialBackOff
	attempts int
}

// NewBackoff builds a deterministic (unjittered) exponential backoff.
func NewBackoff(base, maxDelay time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay < base {
		maxDelay = base
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = maxDelay
	eb.Reset()
	return &Backoff{eb: eb}
}

// Next returns the delay before the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	return b.eb.NextBackOff()
}

// Reset is called after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.eb.Reset()
}

// Attempts reports consecutive failures since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
