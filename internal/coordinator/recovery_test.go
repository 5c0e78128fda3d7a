package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog"
	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog/memory"
	"github.com/descoped/linked-data-store-core/internal/saga"
	"github.com/descoped/linked-data-store-core/internal/workpool"
)

// writeStart leaves an interrupted execution of sagaName in the partition
// logName of instanceID.
func writeStart(t *testing.T, store *memory.Store, instanceID, logName, sagaName string) ulid.ULID {
	t.Helper()
	ctx := context.Background()
	in := newInput()
	in.ExecutionID = ulid.Make()
	payload, err := in.Encode()
	require.NoError(t, err)

	log, err := store.Open(ctx, sagalog.ID{InstanceID: instanceID, LogName: logName})
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, sagalog.NewEntry(ctx, in.ExecutionID, sagaName, saga.StartID, in.PositionKey(), payload)))
	require.NoError(t, log.Append(ctx, sagalog.NewEntry(ctx, in.ExecutionID, sagaName, "a", in.PositionKey(), nil)))
	return in.ExecutionID
}

func partition(t *testing.T, store *memory.Store, instanceID, logName string) []sagalog.Entry {
	t.Helper()
	log, err := store.Open(context.Background(), sagalog.ID{InstanceID: instanceID, LogName: logName})
	require.NoError(t, err)
	all, err := log.ReadAll(context.Background())
	require.NoError(t, err)
	return all
}

func TestRecoverLocalReplaysIncompleteExecutions(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.close(t)

	writeStart(t, f.store, "node-a", "00", testSaga)
	writeStart(t, f.store, "node-a", "02", testSaga)
	writeStart(t, f.store, "node-a", "02", testSaga)

	require.NoError(t, f.coord.Recovery().RecoverLocal(context.Background()))

	assert.EqualValues(t, 3, f.coord.Recovery().Recovered())
	assert.EqualValues(t, 6, f.step.calls.Load(), "replays start from the first node")
	assert.Empty(t, f.allEntries(t))
	assert.Equal(t, 3, f.coord.Logs().Available())
}

func TestRecoverLocalSkipsLeasedPartitions(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, withLogs(2))
	defer f.close(t)

	id, ok := f.coord.Logs().TryAcquire()
	require.True(t, ok)
	writeStart(t, f.store, id.InstanceID, id.LogName, testSaga)

	require.NoError(t, f.coord.Recovery().RecoverLocal(context.Background()))
	assert.Zero(t, f.coord.Recovery().Recovered())
	assert.Len(t, partition(t, f.store, id.InstanceID, id.LogName), 2)

	require.NoError(t, f.coord.Logs().Release(id))
	require.NoError(t, f.coord.Recovery().RecoverLocal(context.Background()))
	assert.EqualValues(t, 1, f.coord.Recovery().Recovered())
}

func TestRecoveryAfterAbortedExecution(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.close(t)

	future, err := f.handoff(context.Background(), true, saga.Command{Kind: saga.FailAfter, NodeID: "a"})
	require.NoError(t, err)
	require.ErrorIs(t, waitFor(t, future), saga.ErrAborted)
	require.Len(t, sagalog.Incomplete(f.allEntries(t)), 2)

	require.NoError(t, f.coord.Recovery().RecoverLocal(context.Background()))
	assert.EqualValues(t, 1, f.coord.Recovery().Recovered())
	assert.Empty(t, f.allEntries(t))
}

func TestFailedRecoveryKeepsPartition(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.close(t)
	f.step.fail.Store(true)

	failing := writeStart(t, f.store, "node-a", "01", testSaga)
	writeStart(t, f.store, "node-a", "01", "unregistered saga")

	err := f.coord.Recovery().RecoverLocal(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, saga.ErrAborted)
	assert.ErrorIs(t, err, ErrUnknownSaga)

	assert.Equal(t, 1, f.coord.Recovery().Attempts(failing))
	assert.Zero(t, f.coord.Recovery().Recovered())
	// Nothing was resolved, so nothing was truncated.
	assert.Len(t, sagalog.Incomplete(partition(t, f.store, "node-a", "01")), 4)
	assert.Equal(t, 3, f.coord.Logs().Available())
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, withConfig(func(c *Config) { c.MaxRecoveryAttempts = 2 }))
	defer f.close(t)
	f.step.fail.Store(true)
	ctx := context.Background()
	recovery := f.coord.Recovery()

	x := writeStart(t, f.store, "node-a", "00", testSaga)

	require.Error(t, recovery.RecoverLocal(ctx))
	assert.Equal(t, 1, recovery.Attempts(x))
	assert.NotEmpty(t, partition(t, f.store, "node-a", "00"))

	require.NoError(t, recovery.RecoverLocal(ctx), "a dead-lettered execution counts as resolved")
	assert.EqualValues(t, 1, recovery.DeadLettered())
	assert.Zero(t, recovery.Attempts(x))
	assert.Empty(t, partition(t, f.store, "node-a", "00"))

	assert.Equal(t, sagalog.ID{InstanceID: "node-a", LogName: sagalog.DeadLogName}, recovery.DeadLogID())
	dead, err := recovery.DeadExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, x, dead[0].ID)
	start, ok := dead[0].Start()
	require.True(t, ok)
	assert.Equal(t, testSaga, start.SagaName)

	// Dead executions are not replayed.
	require.NoError(t, recovery.RecoverLocal(ctx))
	assert.Zero(t, recovery.Recovered())

	// Requeue moves them back for the next pass.
	f.step.fail.Store(false)
	n, err := recovery.RequeueDead(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	dead, err = recovery.DeadExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
	assert.Equal(t, 3, f.coord.Logs().Available())

	require.NoError(t, recovery.RecoverLocal(ctx))
	assert.EqualValues(t, 1, recovery.Recovered())
	assert.Empty(t, f.allEntries(t))

	n, err = recovery.RequeueDead(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverClusterWideTakesOverDeadInstance(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	store := memory.NewStore()
	ownership := sagalog.NewLocalOwnership()

	f := newFixtureOn(t, store, ownership, "node-b")
	defer f.close(t)

	writeStart(t, store, "node-a", "00", testSaga)
	writeStart(t, store, "node-a", "01", testSaga)

	// node-a is alive: its partitions are left alone.
	ok, err := ownership.TryAcquire(ctx, "instance:node-a", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.coord.Recovery().RecoverClusterWide(ctx))
	assert.Zero(t, f.coord.Recovery().Recovered())

	// node-a died.
	require.NoError(t, ownership.Release(ctx, "instance:node-a", "node-a"))
	require.NoError(t, f.coord.Recovery().RecoverClusterWide(ctx))
	assert.EqualValues(t, 2, f.coord.Recovery().Recovered())
	assert.Empty(t, partition(t, store, "node-a", "00"))
	assert.Empty(t, partition(t, store, "node-a", "01"))

	held, err := ownership.Held(ctx, "partition:node-a:00")
	require.NoError(t, err)
	assert.False(t, held, "ownership is released after recovery")
}

func TestRecoverClusterWideSkipsPartitionOwnedByAnotherSurvivor(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	store := memory.NewStore()
	ownership := sagalog.NewLocalOwnership()

	f := newFixtureOn(t, store, ownership, "node-b")
	defer f.close(t)
	writeStart(t, store, "node-a", "00", testSaga)

	ok, err := ownership.TryAcquire(ctx, "partition:node-a:00", "node-c", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.coord.Recovery().RecoverClusterWide(ctx))
	assert.Zero(t, f.coord.Recovery().Recovered())
	assert.Len(t, partition(t, store, "node-a", "00"), 2)
}

func TestRecoveryTriggerRunsPeriodically(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.close(t)

	writeStart(t, f.store, "node-a", "01", testSaga)

	trigger := NewRecoveryTrigger(f.coord.Recovery(), 10*time.Millisecond, 10*time.Millisecond, nil)
	trigger.Start(context.Background())
	trigger.Start(context.Background())
	defer trigger.Stop()

	require.Eventually(t, func() bool {
		return f.coord.Recovery().Recovered() == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.allEntries(t)) == 0 }, 5*time.Second, 5*time.Millisecond)

	// Later passes pick up new interrupted executions.
	writeStart(t, f.store, "node-a", "02", testSaga)
	require.Eventually(t, func() bool {
		return f.coord.Recovery().Recovered() == 2
	}, 5*time.Second, 5*time.Millisecond)
}

type refusingExecutor struct{}

func (refusingExecutor) Submit(func()) error { return workpool.ErrRejected }

type goExecutor struct{}

func (goExecutor) Submit(task func()) error {
	go task()
	return nil
}

func TestRecoveryThrottlesReplaysThroughPermits(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, withConfig(func(c *Config) { c.MaxRecoveryAttempts = 1 }))
	defer f.close(t)
	f.coord.Watchdog().Start(context.Background())
	defer f.coord.Watchdog().Stop()

	// More interrupted executions than the pool can hold at once.
	for i := 0; i < 20; i++ {
		writeStart(t, f.store, "node-a", "00", testSaga)
	}

	require.NoError(t, f.coord.Recovery().RecoverLocal(context.Background()))
	assert.EqualValues(t, 20, f.coord.Recovery().Recovered())
	assert.Zero(t, f.coord.Recovery().DeadLettered())
	assert.EqualValues(t, 40, f.step.calls.Load())
	assert.Empty(t, f.allEntries(t))
	assert.Equal(t, f.coord.MaxConcurrentExecutions(), f.coord.AvailablePermits())
}

func TestRefusedReplayIsNotAnAttempt(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.close(t)
	ctx := context.Background()

	first := writeStart(t, f.store, "node-a", "00", testSaga)
	writeStart(t, f.store, "node-a", "00", testSaga)

	logs, err := NewLogPool(f.sagaLogs, 1)
	require.NoError(t, err)
	refused := NewRecovery(logs, f.sagaLogs, saga.NewEngine(refusingExecutor{}, nil), f.repo, nil, 1, nil)

	require.NoError(t, refused.RecoverLocal(ctx))
	require.NoError(t, refused.RecoverLocal(ctx))
	assert.Zero(t, refused.Attempts(first))
	assert.Zero(t, refused.DeadLettered())
	assert.Zero(t, refused.Recovered())
	assert.Zero(t, f.step.calls.Load())
	assert.Len(t, partition(t, f.store, "node-a", "00"), 4, "postponed executions stay in their partition")

	// A later pass with room on the pool replays them.
	recovery := NewRecovery(logs, f.sagaLogs, saga.NewEngine(goExecutor{}, nil), f.repo, nil, 1, nil)
	require.NoError(t, recovery.RecoverLocal(ctx))
	assert.EqualValues(t, 2, recovery.Recovered())
	assert.Empty(t, partition(t, f.store, "node-a", "00"))
}
