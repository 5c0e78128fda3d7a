package sagalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotOwned is returned when releasing ownership of a partition this pool
// does not own.
var ErrNotOwned = errors.New("sagalog: partition not owned")

// Log is one partition of the saga log. Implementations must be safe for
// concurrent use: the nodes of one execution append in parallel.
type Log interface {
	ID() ID

	// Append durably writes entry. Each call appends; entries are never
	// updated in place.
	Append(ctx context.Context, entry Entry) error

	// ReadIncomplete returns the entries of every execution that has a start
	// entry and no end entry, in log order.
	ReadIncomplete(ctx context.Context) ([]Entry, error)

	// ReadAll returns every entry in log order.
	ReadAll(ctx context.Context) ([]Entry, error)

	// Truncate removes every entry of the partition.
	Truncate(ctx context.Context) error

	// TruncateExecution removes the entries of a single execution.
	TruncateExecution(ctx context.Context, executionID ulid.ULID) error
}

// Store is the storage port behind a Pool. The coordinator depends on this
// abstraction, not on SQLite directly, so the implementation can be swapped
// for an in-memory one in tests.
type Store interface {
	// Open returns the partition with the given id, creating it if needed.
	Open(ctx context.Context, id ID) (Log, error)
	// IDs lists every partition known to the store, across all instances.
	IDs(ctx context.Context) ([]ID, error)
	// Remove deletes a partition and its entries.
	Remove(ctx context.Context, id ID) error
}

// Ownership arbitrates keys between the instances of a cluster. A key held by
// an owner expires after ttl unless it is acquired again by the same owner.
type Ownership interface {
	// TryAcquire takes key for owner, or extends the lease when owner already
	// holds it. It reports false when another owner holds the key.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release gives key up if owner holds it.
	Release(ctx context.Context, key, owner string) error
	// Held reports whether any owner currently holds key.
	Held(ctx context.Context, key string) (bool, error)
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLeaseTTL sets how long instance and partition leases live without
// renewal.
func WithLeaseTTL(ttl time.Duration) PoolOption {
	return func(p *Pool) { p.leaseTTL = ttl }
}

// WithLogger sets the logger used by the pool.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// WithOwnerToken overrides the token identifying this process as an owner.
// It defaults to the instance id.
func WithOwnerToken(token string) PoolOption {
	return func(p *Pool) { p.owner = token }
}

// Pool hands out connections to the partitions of one instance and arbitrates
// access to the partitions of other instances.
//
// The partitions of this instance are implicitly owned while the instance is
// alive, which is advertised by an instance lease renewed by KeepAlive. The
// partitions of an instance whose lease expired can be taken over one by one
// with TryTakeOwnership.
type Pool struct {
	store      Store
	ownership  Ownership
	instanceID string
	owner      string
	leaseTTL   time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	connected map[ID]Log
	owned     map[ID]bool
}

// NewPool returns a pool for instanceID. A nil ownership arbiter falls back to
// an in-process one, which is only correct for a single instance.
func NewPool(store Store, ownership Ownership, instanceID string, opts ...PoolOption) *Pool {
	if ownership == nil {
		ownership = NewLocalOwnership()
	}
	p := &Pool{
		store:      store,
		ownership:  ownership,
		instanceID: instanceID,
		owner:      instanceID,
		leaseTTL:   30 * time.Second,
		logger:     slog.Default(),
		connected:  map[ID]Log{},
		owned:      map[ID]bool{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// InstanceID returns the id of the instance this pool belongs to.
func (p *Pool) InstanceID() string { return p.instanceID }

// IDFor builds the partition id of logName on instanceID.
func (p *Pool) IDFor(instanceID, logName string) ID {
	return ID{InstanceID: instanceID, LogName: logName}
}

// Connect returns the partition with the given id. Connections are cached
// until Release.
func (p *Pool) Connect(ctx context.Context, id ID) (Log, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.connected[id]; ok {
		return l, nil
	}
	l, err := p.store.Open(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sagalog: connect %s: %w", id, err)
	}
	p.connected[id] = l
	return l, nil
}

// Release drops the cached connection to id.
func (p *Pool) Release(id ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.connected, id)
}

// InstanceLocalIDs lists the stored partitions that belong to this instance.
func (p *Pool) InstanceLocalIDs(ctx context.Context) ([]ID, error) {
	all, err := p.ClusterWideIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []ID
	for _, id := range all {
		if id.InstanceID == p.instanceID {
			out = append(out, id)
		}
	}
	return out, nil
}

// ClusterWideIDs lists every stored partition.
func (p *Pool) ClusterWideIDs(ctx context.Context) ([]ID, error) {
	ids, err := p.store.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("sagalog: list partitions: %w", err)
	}
	return ids, nil
}

// KeepAlive advertises this instance as alive until ctx is done. It renews
// the instance lease at a third of the lease TTL and releases it on return.
func (p *Pool) KeepAlive(ctx context.Context) error {
	key := instanceKey(p.instanceID)
	if _, err := p.ownership.TryAcquire(ctx, key, p.owner, p.leaseTTL); err != nil {
		return fmt.Errorf("sagalog: acquire instance lease: %w", err)
	}
	ticker := time.NewTicker(p.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			if err := p.ownership.Release(releaseCtx, key, p.owner); err != nil {
				p.logger.Warn("failed to release instance lease", "instance_id", p.instanceID, "error", err)
			}
			return nil
		case <-ticker.C:
			ok, err := p.ownership.TryAcquire(ctx, key, p.owner, p.leaseTTL)
			if err != nil {
				p.logger.Warn("failed to renew instance lease", "instance_id", p.instanceID, "error", err)
				continue
			}
			if !ok {
				p.logger.Error("instance lease held by another owner", "instance_id", p.instanceID)
			}
		}
	}
}

// LeaseInstance takes the instance lease under this pool's owner token, so
// that the partitions of the instance can be written while it is stopped. It
// reports false while another owner, usually the running instance, holds it.
func (p *Pool) LeaseInstance(ctx context.Context) (bool, error) {
	ok, err := p.ownership.TryAcquire(ctx, instanceKey(p.instanceID), p.owner, p.leaseTTL)
	if err != nil {
		return false, fmt.Errorf("sagalog: lease instance %s: %w", p.instanceID, err)
	}
	return ok, nil
}

// ReleaseInstance gives up an instance lease taken by LeaseInstance.
func (p *Pool) ReleaseInstance(ctx context.Context) error {
	if err := p.ownership.Release(ctx, instanceKey(p.instanceID), p.owner); err != nil {
		return fmt.Errorf("sagalog: release instance %s: %w", p.instanceID, err)
	}
	return nil
}

// TryTakeOwnership takes over a partition of another instance. It reports
// false when that instance is still alive or another instance already owns
// the partition. Partitions of this instance are always owned.
func (p *Pool) TryTakeOwnership(ctx context.Context, id ID) (bool, error) {
	if id.InstanceID == p.instanceID {
		return true, nil
	}
	alive, err := p.ownership.Held(ctx, instanceKey(id.InstanceID))
	if err != nil {
		return false, fmt.Errorf("sagalog: check instance %s: %w", id.InstanceID, err)
	}
	if alive {
		return false, nil
	}
	ok, err := p.ownership.TryAcquire(ctx, partitionKey(id), p.owner, p.leaseTTL)
	if err != nil {
		return false, fmt.Errorf("sagalog: take ownership of %s: %w", id, err)
	}
	if ok {
		p.mu.Lock()
		p.owned[id] = true
		p.mu.Unlock()
	}
	return ok, nil
}

// ReleaseOwnership gives up a partition taken with TryTakeOwnership.
func (p *Pool) ReleaseOwnership(ctx context.Context, id ID) error {
	if id.InstanceID == p.instanceID {
		return nil
	}
	p.mu.Lock()
	owned := p.owned[id]
	delete(p.owned, id)
	p.mu.Unlock()
	if !owned {
		return fmt.Errorf("%w: %s", ErrNotOwned, id)
	}
	if err := p.ownership.Release(ctx, partitionKey(id), p.owner); err != nil {
		return fmt.Errorf("sagalog: release ownership of %s: %w", id, err)
	}
	return nil
}

// Remove deletes a partition from the store.
func (p *Pool) Remove(ctx context.Context, id ID) error {
	p.Release(id)
	if err := p.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("sagalog: remove %s: %w", id, err)
	}
	return nil
}

func instanceKey(instanceID string) string {
	return "instance:" + instanceID
}

func partitionKey(id ID) string {
	return "partition:" + id.InstanceID + ":" + id.LogName
}
