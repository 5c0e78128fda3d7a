// Package txlog is the append-only transaction log every accepted write is
// published to. One topic exists per source system; writes without a source
// go to the default topic.
package txlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/descoped/linked-data-store-core/internal/saga"
)

// Meta describes the write a record carries.
type Meta struct {
	Method    string `json:"method"`
	Schema    string `json:"schema,omitempty"`
	Namespace string `json:"namespace"`
	Entity    string `json:"entity"`
	ID        string `json:"id"`
	Version   string `json:"version"`
	Source    string `json:"source,omitempty"`
	SourceID  string `json:"sourceId,omitempty"`
}

// Record is one transaction log entry. ULID is the saga execution id, so
// replaying an execution publishes the same record again.
type Record struct {
	ULID     ulid.ULID       `json:"ulid"`
	Position string          `json:"position"`
	Meta     Meta            `json:"meta"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Log publishes records. Appending a record whose ULID is already present in
// the topic is a no-op.
type Log interface {
	Append(ctx context.Context, topic string, rec Record) error
	// Last returns the newest record of topic.
	Last(ctx context.Context, topic string) (Record, bool, error)
}

// RecordFromInput converts a saga input to its transaction log record.
func RecordFromInput(in saga.Input) Record {
	return Record{
		ULID:     in.ExecutionID,
		Position: in.PositionKey(),
		Meta: Meta{
			Method:    in.Method,
			Schema:    in.Schema,
			Namespace: in.Namespace,
			Entity:    in.Entity,
			ID:        in.ResourceID,
			Version:   in.Version.UTC().Format(time.RFC3339Nano),
			Source:    in.Source,
			SourceID:  in.SourceID,
		},
		Data: in.Data,
	}
}

// Input converts the record back to the saga input it was built from.
func (r Record) Input() (saga.Input, error) {
	version, err := time.Parse(time.RFC3339Nano, r.Meta.Version)
	if err != nil {
		return saga.Input{}, fmt.Errorf("txlog: record %s: version: %w", r.ULID, err)
	}
	return saga.Input{
		ExecutionID: r.ULID,
		Method:      r.Meta.Method,
		Schema:      r.Meta.Schema,
		Namespace:   r.Meta.Namespace,
		Entity:      r.Meta.Entity,
		ResourceID:  r.Meta.ID,
		Version:     version,
		Source:      r.Meta.Source,
		SourceID:    r.Meta.SourceID,
		Data:        r.Data,
	}, nil
}
