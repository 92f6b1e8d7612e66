package client

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes reconnect delays: exponential growth from Base by
// Factor per attempt, capped at Max, with a random jitter fraction added so
// a fleet of clients does not reconnect in lockstep.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction of the delay, 0 disables
}

// DefaultBackoff is the policy used when the caller does not supply one.
var DefaultBackoff = BackoffPolicy{
	Base:   500 * time.Millisecond,
	Max:    30 * time.Second,
	Factor: 2,
	Jitter: 0.2,
}

// Delay returns the wait before reconnect attempt n (first attempt is 1).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64)
}

// delayWithRand is Delay with an injectable random source for tests.
func (p BackoffPolicy) delayWithRand(attempt int, randFloat func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if max := float64(p.Max); d > max {
		d = max
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * randFloat()
		if max := float64(p.Max); d > max {
			d = max
		}
	}
	return time.Duration(d)
}
