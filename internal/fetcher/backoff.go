package fetcher

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// rateLimitBackOff waits base*2^i plus jitter before retry i (0-indexed).
// The number of retries is bounded by the caller with backoff.WithMaxRetries.
type rateLimitBackOff struct {
	base    time.Duration
	jitter  func() time.Duration
	attempt int
}

var _ backoff.BackOff = (*rateLimitBackOff)(nil)

func (b *rateLimitBackOff) NextBackOff() time.Duration {
	if b.attempt >= 30 {
		return backoff.Stop
	}
	d := b.base * time.Duration(1<<uint(b.attempt))
	if b.jitter != nil {
		d += b.jitter()
	}
	b.attempt++
	return d
}

func (b *rateLimitBackOff) Reset() { b.attempt = 0 }

// UniformJitter returns a jitter source drawing uniformly from [0, max).
func UniformJitter(max time.Duration) func() time.Duration {
	if max <= 0 {
		return NoJitter
	}
	return func() time.Duration {
		return time.Duration(rand.Int64N(int64(max)))
	}
}

// NoJitter always returns zero.
func NoJitter() time.Duration { return 0 }

// BackoffSchedule lists the waits a run would take for maxAttempts total
// calls that are all rate limited.
func BackoffSchedule(base time.Duration, maxAttempts int, jitter func() time.Duration) []time.Duration {
	b := &rateLimitBackOff{base: base, jitter: jitter}
	var out []time.Duration
	for i := 0; i < maxAttempts-1; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}
