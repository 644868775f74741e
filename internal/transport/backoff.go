package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(base·2ⁿ + U[0, jitter·base), max).
// With jitter in [0, 1] successive delays never decrease until the ceiling.
type Backoff struct {
	base        time.Duration
	max         time.Duration
	jitter      float64
	maxAttempts int
	rand        func() float64
	attempt     int
}

// NewBackoff creates a backoff schedule. jitter is clamped to [0, 1];
// maxAttempts of 0 means unlimited. A nil rnd uses math/rand.
func NewBackoff(base, ceiling time.Duration, jitter float64, maxAttempts int, rnd func() float64) *Backoff {
	if ceiling < base {
		ceiling = base
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Backoff{
		base:        base,
		max:         ceiling,
		jitter:      math.Min(math.Max(jitter, 0), 1),
		maxAttempts: maxAttempts,
		rand:        rnd,
	}
}

// Next returns the delay before the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := Delay(b.base, b.max, b.jitter, b.attempt, b.rand())
	b.attempt++
	return d
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Exhausted reports whether the attempt budget is spent.
func (b *Backoff) Exhausted() bool {
	return b.maxAttempts > 0 && b.attempt >= b.maxAttempts
}

// Reset restarts the schedule after a successful handshake.
func (b *Backoff) Reset() { b.attempt = 0 }

// Delay is the pure form of the schedule. r is a sample from [0, 1).
func Delay(base, ceiling time.Duration, jitter float64, attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	f := float64(base)*math.Pow(2, float64(attempt)) + r*jitter*float64(base)
	if f >= float64(ceiling) || math.IsInf(f, 0) {
		return ceiling
	}
	return time.Duration(f)
}
