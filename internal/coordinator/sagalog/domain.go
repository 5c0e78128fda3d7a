// Package sagalog defines the write-ahead log that saga executions record
// their progress in.
//
// A saga log is split into partitions. Each partition holds the entries of at
// most one running execution at a time, which keeps recovery simple: on
// restart every partition is read, executions that have a start entry but no
// end entry are replayed, and the partition is truncated.
//
// The log serves two purposes:
//
//  1. Recovery: the start entry carries the full saga input, so an execution
//     can be rebuilt from the log alone.
//
//  2. Observability: every entry carries the trace_id of the span that wrote
//     it, so a log row can be correlated with the distributed trace.
package sagalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// StartNodeID marks the entry that carries the saga input.
	StartNodeID = "S"
	// EndNodeID marks the entry written when an execution completed.
	EndNodeID = "E"
	// DeadLogName is the local name of the partition that receives
	// executions recovery gave up on.
	DeadLogName = "dead"
)

// ID identifies a log partition. LogName is unique within an instance.
type ID struct {
	InstanceID string
	LogName    string
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%s", id.InstanceID, id.LogName)
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id == ID{} }

// Entry is a single record of a saga log partition.
type Entry struct {
	// ExecutionID groups the entries of one saga execution.
	ExecutionID ulid.ULID

	// NodeID is the saga node this entry was written for, "S" or "E" for the
	// start and end markers.
	NodeID string

	// SagaName is used to look the saga definition up again on recovery.
	SagaName string

	// PositionKey is entity/resourceId/versionEpochMillis of the write.
	PositionKey string

	// Payload is the saga input on the start entry and the node output on
	// the others. It may be empty.
	Payload json.RawMessage

	// TraceID and SpanID are the W3C identifiers of the span that was active
	// when the entry was written. Empty when tracing is disabled.
	TraceID string
	SpanID  string

	CreatedAt time.Time
}

// IsStart reports whether e is a start entry.
func (e Entry) IsStart() bool { return e.NodeID == StartNodeID }

// IsEnd reports whether e is an end entry.
func (e Entry) IsEnd() bool { return e.NodeID == EndNodeID }

// Incomplete returns, in their original order, the entries of every execution
// that has a start entry and no end entry.
func Incomplete(entries []Entry) []Entry {
	started := map[ulid.ULID]bool{}
	ended := map[ulid.ULID]bool{}
	for _, e := range entries {
		switch {
		case e.IsStart():
			started[e.ExecutionID] = true
		case e.IsEnd():
			ended[e.ExecutionID] = true
		}
	}
	var out []Entry
	for _, e := range entries {
		if started[e.ExecutionID] && !ended[e.ExecutionID] {
			out = append(out, e)
		}
	}
	return out
}

// Execution is the set of entries one execution left in a partition.
type Execution struct {
	ID ulid.ULID
	// ByNode groups the entries by node id, in log order.
	ByNode map[string][]Entry
	// Entries holds every entry in log order.
	Entries []Entry
}

// Start returns the first start entry, if any.
func (x Execution) Start() (Entry, bool) {
	starts := x.ByNode[StartNodeID]
	if len(starts) == 0 {
		return Entry{}, false
	}
	return starts[0], true
}

// GroupByExecution groups entries by execution id then by node id, keeping
// the order in which executions first appear.
func GroupByExecution(entries []Entry) []Execution {
	index := map[ulid.ULID]int{}
	var out []Execution
	for _, e := range entries {
		i, ok := index[e.ExecutionID]
		if !ok {
			i = len(out)
			index[e.ExecutionID] = i
			out = append(out, Execution{ID: e.ExecutionID, ByNode: map[string][]Entry{}})
		}
		out[i].Entries = append(out[i].Entries, e)
		out[i].ByNode[e.NodeID] = append(out[i].ByNode[e.NodeID], e)
	}
	return out
}
