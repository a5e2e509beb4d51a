// Package health tracks per-agent failure streaks and derives backoff windows
// and dead-agent classification from them.
package health

import (
	"math"
	"time"
)

// MaxBackoff is the largest window Compute returns.
const MaxBackoff = time.Duration(math.MaxInt64)

const (
	DefaultBackoffBase = 15 * time.Second
	DefaultBackoffCap  = 960 * time.Second
	DefaultMaxRetries  = 10
)

// Backoff is exponential with a cap: min(Cap, Base * 2^(n-1)), zero for n <= 0.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
}

// Compute never decreases as consecutiveFailures grows. A non-positive Cap
// means uncapped, saturating at MaxBackoff.
func (b Backoff) Compute(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < consecutiveFailures; i++ {
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
		if d > MaxBackoff/2 {
			d = MaxBackoff
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}
