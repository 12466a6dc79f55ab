package connection

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"ingestd/internal/types"
)

// NewBackOff builds the reconnect schedule: attempt n waits
// min(InitialDelay * BackoffMultiplier^n, MaxDelay) with no jitter, and the
// schedule stops after MaxRetries delays.
func NewBackOff(p types.ReconnectPolicy) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialDelay.Duration
	exp.Multiplier = p.BackoffMultiplier
	exp.MaxInterval = p.MaxDelay.Duration
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(max(0, p.Retries())))
}

// ReconnectDelays lists every delay the policy will produce.
func ReconnectDelays(p types.ReconnectPolicy) []time.Duration {
	b := NewBackOff(p)
	var delays []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return delays
		}
		delays = append(delays, d)
	}
}
