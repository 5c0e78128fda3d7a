package docstore

import (
	"context"
	"sync"
)

type docID struct {
	namespace, entity, id string
}

// MemoryStore keeps every document version in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[docID]map[int64]Document
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: map[docID]map[int64]Document{}}
}

// CreateOrOverwrite implements Store.
func (s *MemoryStore) CreateOrOverwrite(_ context.Context, doc Document) error {
	doc.Deleted = false
	s.put(doc)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.put(Document{Key: key, Deleted: true})
	return nil
}

func (s *MemoryStore) put(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := docID{doc.Key.Namespace, doc.Key.Entity, doc.Key.ID}
	if s.versions[id] == nil {
		s.versions[id] = map[int64]Document{}
	}
	s.versions[id][doc.Key.Version.UnixMilli()] = doc
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, namespace, entity, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		newest Document
		found  bool
		at     int64
	)
	for v, doc := range s.versions[docID{namespace, entity, id}] {
		if !found || v > at {
			newest, at, found = doc, v, true
		}
	}
	if !found || newest.Deleted {
		return Document{}, ErrNotFound
	}
	return newest, nil
}
