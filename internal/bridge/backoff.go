package bridge

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackOff builds the deterministic reconnect delay sequence
// min(initial * factor^(n-1), max).
func newBackOff(p RetryPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// BackoffDelays returns the first n delays produced by policy p.
func BackoffDelays(p RetryPolicy, n int) []time.Duration {
	b := newBackOff(p)
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}
