package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/descoped/linked-data-store-core/internal/pkg/cache"
)

// CachedStore is a read-through cache in front of a Store. Get caches the
// newest version for ttl; writes and deletes drop the cached entry after the
// underlying store accepted them.
type CachedStore struct {
	store  Store
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore wraps store with c.
func NewCachedStore(store Store, c cache.Cache, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{store: store, cache: c, ttl: ttl, logger: logger}
}

func (s *CachedStore) cacheKey(namespace, entity, id string) string {
	return s.cache.GenerateKey("document", namespace+"/"+entity+"/"+id)
}

// CreateOrOverwrite implements Store.
func (s *CachedStore) CreateOrOverwrite(ctx context.Context, doc Document) error {
	if err := s.store.CreateOrOverwrite(ctx, doc); err != nil {
		return err
	}
	return s.invalidate(ctx, doc.Key)
}

// Delete implements Store.
func (s *CachedStore) Delete(ctx context.Context, key Key) error {
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	return s.invalidate(ctx, key)
}

// A failed invalidation fails the write so the saga step is retried.
func (s *CachedStore) invalidate(ctx context.Context, key Key) error {
	if err := s.cache.Delete(ctx, s.cacheKey(key.Namespace, key.Entity, key.ID)); err != nil {
		return fmt.Errorf("docstore: invalidate cached %s: %w", key, err)
	}
	return nil
}

// Get implements Store. Cache failures fall back to the store.
func (s *CachedStore) Get(ctx context.Context, namespace, entity, id string) (Document, error) {
	k := s.cacheKey(namespace, entity, id)
	raw, err := s.cache.Get(ctx, k)
	switch {
	case err != nil:
		s.logger.WarnContext(ctx, "document cache read failed", "key", k, "error", err)
	case raw != "":
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err == nil {
			return doc, nil
		}
		s.logger.WarnContext(ctx, "dropping undecodable cached document", "key", k)
	}

	doc, err := s.store.Get(ctx, namespace, entity, id)
	if err != nil {
		return Document{}, err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return doc, nil
	}
	if err := s.cache.Set(ctx, k, string(b), s.ttl); err != nil {
		s.logger.WarnContext(ctx, "document cache write failed", "key", k, "error", err)
	}
	return doc, nil
}
