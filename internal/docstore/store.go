// Package docstore is the persistent document store the saga persistence
// steps write to.
//
// Documents are versioned: a write at a version overwrites that version only,
// and a delete records a tombstone at its version. Get returns the newest
// version, so replaying an older write after a newer delete leaves the
// document deleted.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the document does not exist or its
// newest version is a tombstone.
var ErrNotFound = errors.New("docstore: document not found")

// Key identifies one version of a document.
type Key struct {
	Namespace string    `json:"namespace"`
	Entity    string    `json:"entity"`
	ID        string    `json:"id"`
	Version   time.Time `json:"version"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s@%d", k.Namespace, k.Entity, k.ID, k.Version.UnixMilli())
}

// Document is a versioned JSON document.
type Document struct {
	Key     Key             `json:"key"`
	Data    json.RawMessage `json:"data,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// Store persists documents. Implementations must be idempotent: writing the
// same version twice leaves the same state as writing it once.
type Store interface {
	CreateOrOverwrite(ctx context.Context, doc Document) error
	// Delete records a tombstone at key.Version.
	Delete(ctx context.Context, key Key) error
	// Get returns the newest version of the document.
	Get(ctx context.Context, namespace, entity, id string) (Document, error)
}
