package sagalog

import (
	"context"
	"sync"
	"time"
)

// LocalOwnership is an in-process Ownership arbiter. It is only meaningful
// when every instance shares the process, as in tests and single-node setups.
type LocalOwnership struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

type lease struct {
	owner   string
	expires time.Time
}

// NewLocalOwnership returns an empty arbiter.
func NewLocalOwnership() *LocalOwnership {
	return &LocalOwnership{leases: map[string]lease{}, now: time.Now}
}

// TryAcquire implements Ownership.
func (o *LocalOwnership) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	if l, ok := o.leases[key]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	o.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Release implements Ownership.
func (o *LocalOwnership) Release(_ context.Context, key, owner string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.leases[key]; ok && l.owner == owner {
		delete(o.leases, key)
	}
	return nil
}

// Held implements Ownership.
func (o *LocalOwnership) Held(_ context.Context, key string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.leases[key]
	return ok && o.now().Before(l.expires), nil
}
