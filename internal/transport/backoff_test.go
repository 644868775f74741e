package transport

import (
	"testing"
	"time"
)

func TestDelayDoubles(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{60, time.Second},
		{5000, time.Second},
	}
	for _, tt := range tests {
		if got := Delay(base, time.Second, 0, tt.attempt, 0); got != tt.want {
			t.Errorf("Delay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	base := time.Second
	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		got := Delay(base, time.Hour, 0.5, 2, r)
		lo, hi := 4*time.Second, 4*time.Second+base/2
		if got < lo || got > hi {
			t.Errorf("Delay(r=%v) = %v, want within [%v, %v]", r, got, lo, hi)
		}
	}
}

// TestBackoffMonotonic checks that delays never decrease and never exceed
// the ceiling, whatever the random samples are.
func TestBackoffMonotonic(t *testing.T) {
	samples := []float64{0.999, 0, 0.5, 0.999, 0, 0.1, 0.9, 0, 0.999, 0.3, 0, 0.7}
	for _, jitter := range []float64{0, 0.5, 1, 3, -1} {
		i := 0
		rnd := func() float64 {
			v := samples[i%len(samples)]
			i++
			return v
		}
		b := NewBackoff(250*time.Millisecond, 20*time.Second, jitter, 0, rnd)
		var prev time.Duration
		for n := range 40 {
			d := b.Next()
			if d < prev {
				t.Fatalf("jitter=%v attempt %d: delay %v < previous %v", jitter, n, d, prev)
			}
			if d > 20*time.Second {
				t.Fatalf("jitter=%v attempt %d: delay %v above ceiling", jitter, n, d)
			}
			prev = d
		}
		if prev != 20*time.Second {
			t.Errorf("jitter=%v: final delay %v, want ceiling", jitter, prev)
		}
	}
}

func TestBackoffResetAndExhaust(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 0, 3, func() float64 { return 0 })
	for range 3 {
		if b.Exhausted() {
			t.Fatal("exhausted too early")
		}
		b.Next()
	}
	if !b.Exhausted() {
		t.Error("expected exhausted after 3 attempts")
	}

	b.Reset()
	if b.Exhausted() || b.Attempt() != 0 {
		t.Errorf("after Reset: exhausted=%v attempt=%d", b.Exhausted(), b.Attempt())
	}
	if d := b.Next(); d != time.Second {
		t.Errorf("first delay after reset = %v, want 1s", d)
	}
}

func TestBackoffUnlimited(t *testing.T) {
	b := NewBackoff(time.Millisecond, time.Millisecond, 0, 0, nil)
	for range 1000 {
		b.Next()
	}
	if b.Exhausted() {
		t.Error("maxAttempts=0 should never exhaust")
	}
}
