// Package memory provides an in-memory implementation of sagalog.Store.
//
// It is not durable. It is used in tests and in single-process setups where
// losing in-flight sagas on restart is acceptable. A Store can be shared by
// several pools to simulate the instances of a cluster.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog"
)

// Store keeps every partition in memory.
type Store struct {
	mu   sync.Mutex
	logs map[sagalog.ID]*Log
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{logs: map[sagalog.ID]*Log{}}
}

// Open implements sagalog.Store.
func (s *Store) Open(_ context.Context, id sagalog.ID) (sagalog.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		l = &Log{id: id}
		s.logs[id] = l
	}
	return l, nil
}

// IDs implements sagalog.Store.
func (s *Store) IDs(_ context.Context) ([]sagalog.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sagalog.ID, 0, len(s.logs))
	for id := range s.logs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Remove implements sagalog.Store.
func (s *Store) Remove(_ context.Context, id sagalog.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, id)
	return nil
}

// Log is an in-memory partition.
type Log struct {
	id      sagalog.ID
	mu      sync.RWMutex
	entries []sagalog.Entry
}

// ID implements sagalog.Log.
func (l *Log) ID() sagalog.ID { return l.id }

// Append implements sagalog.Log.
func (l *Log) Append(_ context.Context, entry sagalog.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

// ReadIncomplete implements sagalog.Log.
func (l *Log) ReadIncomplete(ctx context.Context) ([]sagalog.Entry, error) {
	all, err := l.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return sagalog.Incomplete(all), nil
}

// ReadAll implements sagalog.Log.
func (l *Log) ReadAll(_ context.Context) ([]sagalog.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]sagalog.Entry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

// Truncate implements sagalog.Log.
func (l *Log) Truncate(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	return nil
}

// TruncateExecution implements sagalog.Log.
func (l *Log) TruncateExecution(_ context.Context, executionID ulid.ULID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.ExecutionID != executionID {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	return nil
}
