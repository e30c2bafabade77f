// Package pacing provides the fixed delays inserted between Coinalyze calls.
package pacing

import (
	"context"
	"sync"
	"time"
)

// Pacer suspends the caller for d or until ctx is done.
type Pacer interface {
	Pause(ctx context.Context, d time.Duration) error
}

// SleepPacer waits on a timer.
type SleepPacer struct{}

func (SleepPacer) Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recorder records requested pauses without sleeping.
type Recorder struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (r *Recorder) Pause(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.pauses = append(r.pauses, d)
	r.mu.Unlock()
	return ctx.Err()
}

// Pauses returns a copy of the recorded pauses in call order.
func (r *Recorder) Pauses() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.pauses))
	copy(out, r.pauses)
	return out
}

// Total is the sum of all recorded pauses.
func (r *Recorder) Total() time.Duration {
	var total time.Duration
	for _, d := range r.Pauses() {
		total += d
	}
	return total
}
