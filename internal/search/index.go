// Package search is the secondary index kept in step with the document
// store by the saga index steps.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/descoped/linked-data-store-core/internal/docstore"
)

// Index is a searchable view over the newest document versions.
type Index interface {
	CreateOrOverwrite(ctx context.Context, doc docstore.Document) error
	Delete(ctx context.Context, key docstore.Key) error
	// Search returns the keys of documents with a string value containing
	// query, ignoring case.
	Search(ctx context.Context, query string) ([]docstore.Key, error)
}

type entry struct {
	key     docstore.Key
	leaves  []string
	deleted bool
}

// MemoryIndex holds the string leaves of the newest version of every indexed
// document. Deletes leave a versioned tombstone, and writes or deletes older
// than the stored version are ignored, so replays in any order converge with
// the document store.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: map[string]entry{}}
}

func indexID(k docstore.Key) string {
	return k.Namespace + "/" + k.Entity + "/" + k.ID
}

// CreateOrOverwrite implements Index.
func (x *MemoryIndex) CreateOrOverwrite(_ context.Context, doc docstore.Document) error {
	var value any
	if len(doc.Data) > 0 {
		if err := json.Unmarshal(doc.Data, &value); err != nil {
			return fmt.Errorf("search: index %s: %w", doc.Key, err)
		}
	}
	var leaves []string
	collectStrings(value, &leaves)

	x.apply(entry{key: doc.Key, leaves: leaves})
	return nil
}

// Delete implements Index.
func (x *MemoryIndex) Delete(_ context.Context, key docstore.Key) error {
	x.apply(entry{key: key, deleted: true})
	return nil
}

func (x *MemoryIndex) apply(e entry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	id := indexID(e.key)
	if cur, ok := x.entries[id]; ok && e.key.Version.UnixMilli() < cur.key.Version.UnixMilli() {
		return
	}
	x.entries[id] = e
}

// Search implements Index. Results are ordered by namespace, entity and id.
func (x *MemoryIndex) Search(_ context.Context, query string) ([]docstore.Key, error) {
	q := strings.ToLower(query)
	x.mu.RLock()
	var out []docstore.Key
	for _, e := range x.entries {
		if e.deleted {
			continue
		}
		for _, leaf := range e.leaves {
			if strings.Contains(strings.ToLower(leaf), q) {
				out = append(out, e.key)
				break
			}
		}
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return indexID(out[i]) < indexID(out[j]) })
	return out, nil
}

func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case []any:
		for _, item := range t {
			collectStrings(item, out)
		}
	case map[string]any:
		for _, item := range t {
			collectStrings(item, out)
		}
	}
}
