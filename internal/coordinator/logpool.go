package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog"
)

// SagaLogPool is the saga log port the coordinator depends on.
// *sagalog.Pool satisfies it.
type SagaLogPool interface {
	InstanceID() string
	IDFor(instanceID, logName string) sagalog.ID
	Connect(ctx context.Context, id sagalog.ID) (sagalog.Log, error)
	Release(id sagalog.ID)
	InstanceLocalIDs(ctx context.Context) ([]sagalog.ID, error)
	ClusterWideIDs(ctx context.Context) ([]sagalog.ID, error)
	TryTakeOwnership(ctx context.Context, id sagalog.ID) (bool, error)
	ReleaseOwnership(ctx context.Context, id sagalog.ID) error
	KeepAlive(ctx context.Context) error
}

// LogPool leases the fixed set of local saga log partitions to executions.
//
// A partition is either free (in the queue) or leased. While leased it may be
// bound to one execution id; binding an already bound partition is an
// invariant violation and never overwrites the existing binding.
type LogPool struct {
	pool SagaLogPool
	ids  []sagalog.ID
	free chan sagalog.ID

	mu         sync.Mutex
	leased     map[sagalog.ID]bool
	logs       map[sagalog.ID]sagalog.Log
	executions map[sagalog.ID]ulid.ULID
}

// NewLogPool creates n partitions named "00", "01", ... on the local instance
// and marks them all free.
func NewLogPool(pool SagaLogPool, n int) (*LogPool, error) {
	if n < 1 {
		return nil, fmt.Errorf("coordinator: number of saga logs must be at least 1, got %d", n)
	}
	p := &LogPool{
		pool:       pool,
		ids:        make([]sagalog.ID, 0, n),
		free:       make(chan sagalog.ID, n),
		leased:     map[sagalog.ID]bool{},
		logs:       map[sagalog.ID]sagalog.Log{},
		executions: map[sagalog.ID]ulid.ULID{},
	}
	for i := 0; i < n; i++ {
		id := pool.IDFor(pool.InstanceID(), fmt.Sprintf("%02d", i))
		p.ids = append(p.ids, id)
		p.free <- id
	}
	return p, nil
}

// IDs returns every partition managed by the pool.
func (p *LogPool) IDs() []sagalog.ID {
	out := make([]sagalog.ID, len(p.ids))
	copy(out, p.ids)
	return out
}

// Size returns the number of partitions.
func (p *LogPool) Size() int { return len(p.ids) }

// Available returns the number of free partitions.
func (p *LogPool) Available() int { return len(p.free) }

// Owns reports whether id is one of the pool's partitions.
func (p *LogPool) Owns(id sagalog.ID) bool {
	for _, own := range p.ids {
		if own == id {
			return true
		}
	}
	return false
}

// Acquire blocks until a partition is free or ctx is done.
func (p *LogPool) Acquire(ctx context.Context) (sagalog.ID, error) {
	select {
	case id := <-p.free:
		p.lease(id)
		return id, nil
	case <-ctx.Done():
		return sagalog.ID{}, fmt.Errorf("%w: waiting for a saga log: %w", ErrInterrupted, ctx.Err())
	}
}

// TryAcquire takes a free partition without blocking.
func (p *LogPool) TryAcquire() (sagalog.ID, bool) {
	select {
	case id := <-p.free:
		p.lease(id)
		return id, true
	default:
		return sagalog.ID{}, false
	}
}

// Drain takes every partition that is currently free.
func (p *LogPool) Drain() []sagalog.ID {
	var out []sagalog.ID
	for {
		id, ok := p.TryAcquire()
		if !ok {
			return out
		}
		out = append(out, id)
	}
}

func (p *LogPool) lease(id sagalog.ID) {
	p.mu.Lock()
	p.leased[id] = true
	p.mu.Unlock()
}

// Bind connects to a leased partition and associates it with executionID.
func (p *LogPool) Bind(ctx context.Context, id sagalog.ID, executionID ulid.ULID) (sagalog.Log, error) {
	log, err := p.pool.Connect(ctx, id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.leased[id] {
		return nil, fmt.Errorf("%w: saga log %s is bound without being leased", ErrInvariantViolation, id)
	}
	if other, ok := p.executions[id]; ok {
		return nil, fmt.Errorf("%w: saga log %s is already bound to execution %s", ErrInvariantViolation, id, other)
	}
	if _, ok := p.logs[id]; ok {
		return nil, fmt.Errorf("%w: saga log %s is already connected", ErrInvariantViolation, id)
	}
	p.executions[id] = executionID
	p.logs[id] = log
	return log, nil
}

// Unbind removes the execution binding of id.
func (p *LogPool) Unbind(id sagalog.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.executions, id)
	delete(p.logs, id)
}

// Release unbinds id, drops the pool connection and returns the partition to
// the free queue.
func (p *LogPool) Release(id sagalog.ID) error {
	p.mu.Lock()
	if !p.leased[id] {
		p.mu.Unlock()
		return fmt.Errorf("%w: saga log %s released twice", ErrInvariantViolation, id)
	}
	delete(p.leased, id)
	delete(p.executions, id)
	delete(p.logs, id)
	p.mu.Unlock()

	p.pool.Release(id)
	p.free <- id
	return nil
}

// Binding returns the execution currently bound to id.
func (p *LogPool) Binding(id sagalog.ID) (ulid.ULID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	x, ok := p.executions[id]
	return x, ok
}
