package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Semaphore bounds the number of concurrently admitted executions and keeps
// an observable count of free permits.
type Semaphore struct {
	sem       *semaphore.Weighted
	size      int64
	available atomic.Int64
}

// NewSemaphore returns a semaphore with n permits.
func NewSemaphore(n int64) *Semaphore {
	s := &Semaphore{sem: semaphore.NewWeighted(n), size: n}
	s.available.Store(n)
	return s
}

// Size returns the total number of permits.
func (s *Semaphore) Size() int64 { return s.size }

// Available returns the number of free permits.
func (s *Semaphore) Available() int64 { return s.available.Load() }

// Acquire blocks until a permit is free or ctx is done. The returned permit
// releases at most once.
func (s *Semaphore) Acquire(ctx context.Context) (*Permit, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for an execution permit: %w", ErrInterrupted, err)
	}
	s.available.Dec()
	return &Permit{sem: s}, nil
}

// Permit is one admission slot. Both the completion path and the failed
// start path call Release; only the first call returns the slot.
type Permit struct {
	sem      *Semaphore
	released atomic.Bool
}

// Release returns the permit. It reports whether this call released it.
func (p *Permit) Release() bool {
	if !p.released.CompareAndSwap(false, true) {
		return false
	}
	p.sem.available.Inc()
	p.sem.sem.Release(1)
	return true
}
