package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sagalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	log, err := s.Open(ctx, sagalog.ID{InstanceID: "node-1", LogName: "00"})
	require.NoError(t, err)

	id := ulid.Make()
	created := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	in := sagalog.Entry{
		ExecutionID: id,
		NodeID:      sagalog.StartNodeID,
		SagaName:    "Create or update managed resource",
		PositionKey: "Person/42/1709296200123",
		Payload:     json.RawMessage(`{"entity":"Person"}`),
		TraceID:     "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:      "00f067aa0ba902b7",
		CreatedAt:   created,
	}
	require.NoError(t, log.Append(ctx, in))
	require.NoError(t, log.Append(ctx, sagalog.Entry{ExecutionID: id, NodeID: "txlog", SagaName: in.SagaName}))

	all, err := log.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	got := all[0]
	assert.Equal(t, id, got.ExecutionID)
	assert.Equal(t, in.NodeID, got.NodeID)
	assert.Equal(t, in.SagaName, got.SagaName)
	assert.Equal(t, in.PositionKey, got.PositionKey)
	assert.JSONEq(t, string(in.Payload), string(got.Payload))
	assert.Equal(t, in.TraceID, got.TraceID)
	assert.Equal(t, in.SpanID, got.SpanID)
	assert.True(t, created.Equal(got.CreatedAt))

	assert.Nil(t, all[1].Payload, "empty payload is stored as NULL")
	assert.False(t, all[1].CreatedAt.IsZero())
}

func TestReadIncomplete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	log, err := s.Open(ctx, sagalog.ID{InstanceID: "node-1", LogName: "00"})
	require.NoError(t, err)
	other, err := s.Open(ctx, sagalog.ID{InstanceID: "node-1", LogName: "01"})
	require.NoError(t, err)

	done, open, orphan := ulid.Make(), ulid.Make(), ulid.Make()
	appendAll(t, log,
		sagalog.Entry{ExecutionID: done, NodeID: sagalog.StartNodeID},
		sagalog.Entry{ExecutionID: open, NodeID: sagalog.StartNodeID},
		sagalog.Entry{ExecutionID: orphan, NodeID: "txlog"},
		sagalog.Entry{ExecutionID: done, NodeID: sagalog.EndNodeID},
		sagalog.Entry{ExecutionID: open, NodeID: "txlog"},
	)
	// An end entry in another partition does not complete the execution.
	appendAll(t, other, sagalog.Entry{ExecutionID: open, NodeID: sagalog.EndNodeID})

	incomplete, err := log.ReadIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 2)
	assert.Equal(t, sagalog.StartNodeID, incomplete[0].NodeID)
	assert.Equal(t, "txlog", incomplete[1].NodeID)
	for _, e := range incomplete {
		assert.Equal(t, open, e.ExecutionID)
	}
}

func TestTruncate(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	log, err := s.Open(ctx, sagalog.ID{InstanceID: "node-1", LogName: "00"})
	require.NoError(t, err)
	other, err := s.Open(ctx, sagalog.ID{InstanceID: "node-2", LogName: "00"})
	require.NoError(t, err)

	first, second := ulid.Make(), ulid.Make()
	appendAll(t, log,
		sagalog.Entry{ExecutionID: first, NodeID: sagalog.StartNodeID},
		sagalog.Entry{ExecutionID: second, NodeID: sagalog.StartNodeID},
	)
	appendAll(t, other, sagalog.Entry{ExecutionID: first, NodeID: sagalog.StartNodeID})

	require.NoError(t, log.TruncateExecution(ctx, first))
	all, err := log.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, second, all[0].ExecutionID)

	require.NoError(t, log.Truncate(ctx))
	all, err = log.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	all, err = other.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "other partitions are untouched")
}

func TestStoreIDsAndRemove(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for _, id := range []sagalog.ID{{InstanceID: "b", LogName: "00"}, {InstanceID: "a", LogName: "01"}, {InstanceID: "a", LogName: "00"}} {
		_, err := s.Open(ctx, id)
		require.NoError(t, err)
	}
	// Opening twice registers the partition once.
	log, err := s.Open(ctx, sagalog.ID{InstanceID: "a", LogName: "00"})
	require.NoError(t, err)
	appendAll(t, log, sagalog.Entry{ExecutionID: ulid.Make(), NodeID: sagalog.StartNodeID})

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []sagalog.ID{{InstanceID: "a", LogName: "00"}, {InstanceID: "a", LogName: "01"}, {InstanceID: "b", LogName: "00"}}, ids)

	require.NoError(t, s.Remove(ctx, sagalog.ID{InstanceID: "a", LogName: "00"}))
	ids, err = s.IDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	// Entries were removed with their partition.
	log, err = s.Open(ctx, sagalog.ID{InstanceID: "a", LogName: "00"})
	require.NoError(t, err)
	all, err := log.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sagalog.db")
	id := sagalog.ID{InstanceID: "node-1", LogName: "03"}
	execution := ulid.Make()

	s, err := Open(path)
	require.NoError(t, err)
	log, err := s.Open(ctx, id)
	require.NoError(t, err)
	appendAll(t, log, sagalog.Entry{ExecutionID: execution, NodeID: sagalog.StartNodeID, SagaName: "s"})
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	log, err = s.Open(ctx, id)
	require.NoError(t, err)
	incomplete, err := log.ReadIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, execution, incomplete[0].ExecutionID)
}

func TestConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	log, err := s.Open(ctx, sagalog.ID{InstanceID: "node-1", LogName: "00"})
	require.NoError(t, err)

	id := ulid.Make()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, log.Append(ctx, sagalog.Entry{ExecutionID: id, NodeID: "n"}))
		}()
	}
	wg.Wait()

	all, err := log.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func appendAll(t *testing.T, log sagalog.Log, entries ...sagalog.Entry) {
	t.Helper()
	for _, e := range entries {
		require.NoError(t, log.Append(context.Background(), e))
	}
}
