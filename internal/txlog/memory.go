package txlog

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
)

type memoryTopic struct {
	records []Record
	seen    map[ulid.ULID]bool
}

// MemoryLog keeps topics in memory.
type MemoryLog struct {
	mu     sync.RWMutex
	topics map[string]*memoryTopic
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{topics: map[string]*memoryTopic{}}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, topic string, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.topics[topic]
	if !ok {
		t = &memoryTopic{seen: map[ulid.ULID]bool{}}
		l.topics[topic] = t
	}
	if t.seen[rec.ULID] {
		return nil
	}
	t.seen[rec.ULID] = true
	t.records = append(t.records, rec)
	return nil
}

// Last implements Log.
func (l *MemoryLog) Last(_ context.Context, topic string) (Record, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.topics[topic]
	if !ok || len(t.records) == 0 {
		return Record{}, false, nil
	}
	return t.records[len(t.records)-1], true, nil
}

// Records returns a copy of every record of topic in append order.
func (l *MemoryLog) Records(topic string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.topics[topic]
	if !ok {
		return nil
	}
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}
