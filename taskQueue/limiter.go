// Package taskqueue bounds how many heavy jobs run at once.
package taskqueue

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"mediaforge/metrics"
)

// Limiter hands out a fixed number of slots. Waiters are served in FIFO
// order and give up when their context ends.
type Limiter struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64
	waiting  atomic.Int64
}

func NewLimiter(size int) *Limiter {
	if size < 1 {
		size = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.waiting.Add(1)
	metrics.TranscodeSlotsWaiting.Inc()
	err := l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	metrics.TranscodeSlotsWaiting.Dec()
	if err != nil {
		return err
	}
	l.inFlight.Add(1)
	return nil
}

// TryAcquire takes a slot only if one is free right now.
func (l *Limiter) TryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.inFlight.Add(1)
	return true
}

// Release returns a slot taken by Acquire or TryAcquire.
func (l *Limiter) Release() {
	l.inFlight.Add(-1)
	l.sem.Release(1)
}

func (l *Limiter) Size() int { return int(l.size) }

func (l *Limiter) InFlight() int { return int(l.inFlight.Load()) }

func (l *Limiter) Waiting() int { return int(l.waiting.Load()) }
