package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Result identifies the execution a future belongs to.
type Result struct {
	ExecutionID ulid.ULID
}

// Future is resolved exactly once with a Result or an error.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(r Result, err error) {
	f.once.Do(func() {
		f.result, f.err = r, err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future is resolved or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("saga: wait interrupted: %w", ctx.Err())
	}
}

// Control gives access to both futures of a started execution.
type Control struct {
	ExecutionID ulid.ULID
	// Handoff resolves once the start entry is durably written. For a
	// recovered execution it resolves immediately.
	Handoff *Future
	// Completion resolves once the end entry is written or the execution
	// aborted.
	Completion *Future
}
