package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog"
	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog/memory"
)

// goExecutor runs every task on its own goroutine.
type goExecutor struct{}

func (goExecutor) Submit(task func()) error {
	go task()
	return nil
}

// firstOnlyExecutor accepts the first task and rejects the rest.
type firstOnlyExecutor struct {
	accepted atomic.Bool
	rejected atomic.Int32
}

func (e *firstOnlyExecutor) Submit(task func()) error {
	if e.accepted.CompareAndSwap(false, true) {
		go task()
		return nil
	}
	e.rejected.Inc()
	return errors.New("rejected")
}

type rejectingExecutor struct{}

func (rejectingExecutor) Submit(func()) error { return errors.New("rejected") }

// failingLog fails every Append for the listed nodes.
type failingLog struct {
	sagalog.Log
	nodes map[string]bool
}

func (l *failingLog) Append(ctx context.Context, e sagalog.Entry) error {
	if l.nodes[e.NodeID] {
		return errors.New("disk full")
	}
	return l.Log.Append(ctx, e)
}

type recorder struct {
	mu    sync.Mutex
	calls []string
	deps  map[string]map[string]json.RawMessage
	input map[string]json.RawMessage
}

func newRecorder() *recorder {
	return &recorder{deps: map[string]map[string]json.RawMessage{}, input: map[string]json.RawMessage{}}
}

func (r *recorder) adapter(name string, fail error) Adapter {
	return AdapterFunc{
		AdapterName: name,
		Fn: func(_ context.Context, node *Node, input json.RawMessage, deps map[string]json.RawMessage) (json.RawMessage, error) {
			r.mu.Lock()
			r.calls = append(r.calls, node.ID)
			r.deps[node.ID] = deps
			r.input[node.ID] = input
			r.mu.Unlock()
			if fail != nil {
				return nil, fail
			}
			return json.RawMessage(`"` + node.ID + `-out"`), nil
		},
	}
}

func (r *recorder) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func openLog(t *testing.T) sagalog.Log {
	t.Helper()
	log, err := memory.NewStore().Open(context.Background(), sagalog.ID{InstanceID: "test", LogName: "00"})
	require.NoError(t, err)
	return log
}

func nodeIDs(t *testing.T, log sagalog.Log) []string {
	t.Helper()
	entries, err := log.ReadAll(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.NodeID)
	}
	return out
}

func diamond(t *testing.T) *Definition {
	t.Helper()
	def, err := New("diamond").
		Start("a").
		Node("a", "A", "b", "c").
		Node("b", "B", "d").
		Node("c", "C", "d").
		Node("d", "D").
		Build()
	require.NoError(t, err)
	return def
}

func wait(t *testing.T, f *Future) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestExecuteRunsNodesInDependencyOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newRecorder()
	reg := NewRegistry(rec.adapter("A", nil), rec.adapter("B", nil), rec.adapter("C", nil), rec.adapter("D", nil))
	log := openLog(t)
	input := json.RawMessage(`{"k":"v"}`)

	var completed atomic.Bool
	ctrl, err := NewEngine(goExecutor{}, nil).Execute(context.Background(), ExecutionRequest{
		Definition:  diamond(t),
		Registry:    reg,
		Log:         log,
		Input:       input,
		PositionKey: "e/1/0",
		OnComplete: func(Result, error) {
			completed.Store(true)
		},
	})
	require.NoError(t, err)
	assert.NotEqual(t, ulid.ULID{}, ctrl.ExecutionID)

	res, err := wait(t, ctrl.Handoff)
	require.NoError(t, err)
	assert.Equal(t, ctrl.ExecutionID, res.ExecutionID)

	res, err = wait(t, ctrl.Completion)
	require.NoError(t, err)
	assert.Equal(t, ctrl.ExecutionID, res.ExecutionID)
	assert.True(t, completed.Load(), "OnComplete runs before the completion future resolves")

	calls := rec.called()
	require.Len(t, calls, 4)
	assert.Equal(t, "a", calls[0])
	assert.Equal(t, "d", calls[3])

	assert.Equal(t, map[string]json.RawMessage{StartID: input}, rec.deps["a"])
	assert.Equal(t, map[string]json.RawMessage{
		"b": json.RawMessage(`"b-out"`),
		"c": json.RawMessage(`"c-out"`),
	}, rec.deps["d"])
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.JSONEq(t, string(input), string(rec.input[id]))
	}

	ids := nodeIDs(t, log)
	require.Len(t, ids, 6)
	assert.Equal(t, StartID, ids[0])
	assert.Equal(t, "a", ids[1])
	assert.ElementsMatch(t, []string{"b", "c"}, ids[2:4])
	assert.Equal(t, "d", ids[4])
	assert.Equal(t, EndID, ids[5])

	entries, err := log.ReadAll(context.Background())
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, ctrl.ExecutionID, e.ExecutionID)
		assert.Equal(t, "diamond", e.SagaName)
		assert.Equal(t, "e/1/0", e.PositionKey)
	}
	assert.JSONEq(t, string(input), string(entries[0].Payload))
}

func TestExecuteKeepsGivenExecutionID(t *testing.T) {
	defer goleak.VerifyNone(t)

	id := ulid.Make()
	rec := newRecorder()
	def, err := New("one").Start("a").Node("a", "A").Build()
	require.NoError(t, err)

	ctrl, err := NewEngine(goExecutor{}, nil).Execute(context.Background(), ExecutionRequest{
		ExecutionID: id,
		Definition:  def,
		Registry:    NewRegistry(rec.adapter("A", nil)),
		Log:         openLog(t),
	})
	require.NoError(t, err)
	assert.Equal(t, id, ctrl.ExecutionID)
	_, err = wait(t, ctrl.Completion)
	require.NoError(t, err)
}

func TestExecuteAbortStopsRemainingNodes(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newRecorder()
	cause := errors.New("persistence unavailable")
	reg := NewRegistry(rec.adapter("A", nil), rec.adapter("B", cause), rec.adapter("C", nil), rec.adapter("D", nil))
	def, err := New("chain").Start("a").Node("a", "A", "b").Node("b", "B", "d").Node("d", "D").Build()
	require.NoError(t, err)
	log := openLog(t)

	var gotErr error
	ctrl, err := NewEngine(goExecutor{}, nil).Execute(context.Background(), ExecutionRequest{
		Definition: def,
		Registry:   reg,
		Log:        log,
		OnComplete: func(_ Result, err error) { gotErr = err },
	})
	require.NoError(t, err)

	_, err = wait(t, ctrl.Handoff)
	require.NoError(t, err, "the start entry was written")

	_, err = wait(t, ctrl.Completion)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, gotErr, ErrAborted)

	assert.Equal(t, []string{"a", "b"}, rec.called())
	assert.Equal(t, []string{StartID, "a"}, nodeIDs(t, log))

	incomplete, err := log.ReadIncomplete(context.Background())
	require.NoError(t, err)
	assert.Len(t, incomplete, 2)
}

func TestExecuteRecoveryDoesNotRewriteStartEntry(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newRecorder()
	def, err := New("one").Start("a").Node("a", "A").Build()
	require.NoError(t, err)
	log := openLog(t)
	id := ulid.Make()
	input := json.RawMessage(`{"n":1}`)
	require.NoError(t, log.Append(context.Background(), sagalog.NewEntry(context.Background(), id, "one", StartID, "p", input)))

	ctrl, err := NewEngine(goExecutor{}, nil).Execute(context.Background(), ExecutionRequest{
		ExecutionID: id,
		Definition:  def,
		Registry:    NewRegistry(rec.adapter("A", nil)),
		Log:         log,
		Input:       input,
		PositionKey: "p",
		Recovery:    true,
	})
	require.NoError(t, err)
	_, err = wait(t, ctrl.Completion)
	require.NoError(t, err)

	assert.Equal(t, []string{StartID, "a", EndID}, nodeIDs(t, log))
	incomplete, err := log.ReadIncomplete(context.Background())
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func TestExecuteCommands(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		calls   []string
		entries []string
	}{
		{"fail before first node", Command{FailBefore, "a"}, nil, []string{StartID}},
		{"fail after first node", Command{FailAfter, "a"}, []string{"a"}, []string{StartID, "a"}},
		{"fail before end", Command{FailBefore, EndID}, []string{"a", "b"}, []string{StartID, "a", "b"}},
		{"fail after end", Command{FailAfter, EndID}, []string{"a", "b"}, []string{StartID, "a", "b", EndID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			rec := newRecorder()
			def, err := New("chain").Start("a").Node("a", "A", "b").Node("b", "B").Build()
			require.NoError(t, err)
			log := openLog(t)

			ctrl, err := NewEngine(goExecutor{}, nil).Execute(context.Background(), ExecutionRequest{
				Definition: def,
				Registry:   NewRegistry(rec.adapter("A", nil), rec.adapter("B", nil)),
				Log:        log,
				Commands:   []Command{tt.cmd},
			})
			require.NoError(t, err)

			_, err = wait(t, ctrl.Completion)
			assert.ErrorIs(t, err, ErrAborted)
			assert.ErrorIs(t, err, ErrCommandFailure)
			assert.Equal(t, tt.calls, rec.called())
			assert.Equal(t, tt.entries, nodeIDs(t, log))
		})
	}
}

func TestExecuteRecoversAdapterPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	def, err := New("panic").Start("a").Node("a", "A").Build()
	require.NoError(t, err)
	reg := NewRegistry(AdapterFunc{
		AdapterName: "A",
		Fn: func(context.Context, *Node, json.RawMessage, map[string]json.RawMessage) (json.RawMessage, error) {
			panic("adapter bug")
		},
	})

	ctrl, err := NewEngine(goExecutor{}, nil).Execute(context.Background(), ExecutionRequest{
		Definition: def,
		Registry:   reg,
		Log:        openLog(t),
	})
	require.NoError(t, err)
	_, err = wait(t, ctrl.Completion)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Contains(t, err.Error(), "adapter bug")
}

func TestExecuteRunsRejectedNodesOnTraversal(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newRecorder()
	reg := NewRegistry(rec.adapter("A", nil), rec.adapter("B", nil), rec.adapter("C", nil), rec.adapter("D", nil))
	exec := &firstOnlyExecutor{}
	log := openLog(t)

	ctrl, err := NewEngine(exec, nil).Execute(context.Background(), ExecutionRequest{
		Definition: diamond(t),
		Registry:   reg,
		Log:        log,
	})
	require.NoError(t, err)
	_, err = wait(t, ctrl.Completion)
	require.NoError(t, err)

	assert.Len(t, rec.called(), 4)
	assert.EqualValues(t, 4, exec.rejected.Load())
	assert.Equal(t, EndID, nodeIDs(t, log)[5])
}

func TestExecuteFailsWhenStartEntryCannotBeWritten(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newRecorder()
	def, err := New("one").Start("a").Node("a", "A").Build()
	require.NoError(t, err)
	log := &failingLog{Log: openLog(t), nodes: map[string]bool{StartID: true}}

	ctrl, err := NewEngine(goExecutor{}, nil).Execute(context.Background(), ExecutionRequest{
		Definition: def,
		Registry:   NewRegistry(rec.adapter("A", nil)),
		Log:        log,
	})
	require.NoError(t, err)

	_, err = wait(t, ctrl.Handoff)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	_, err = wait(t, ctrl.Completion)
	require.Error(t, err)
	assert.Empty(t, rec.called())
}

func TestExecuteRejectsInvalidRequests(t *testing.T) {
	def, err := New("one").Start("a").Node("a", "A").Build()
	require.NoError(t, err)
	engine := NewEngine(goExecutor{}, nil)

	_, err = engine.Execute(context.Background(), ExecutionRequest{Registry: NewRegistry(), Log: openLog(t)})
	assert.Error(t, err)

	_, err = engine.Execute(context.Background(), ExecutionRequest{Definition: def, Log: openLog(t)})
	assert.Error(t, err)

	_, err = engine.Execute(context.Background(), ExecutionRequest{Definition: def, Registry: NewRegistry(noop("A"))})
	assert.Error(t, err)

	_, err = engine.Execute(context.Background(), ExecutionRequest{Definition: def, Registry: NewRegistry(), Log: openLog(t)})
	assert.ErrorIs(t, err, ErrUnknownAdapter)

	_, err = NewEngine(rejectingExecutor{}, nil).Execute(context.Background(), ExecutionRequest{
		Definition: def,
		Registry:   NewRegistry(noop("A")),
		Log:        openLog(t),
	})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestFutureWaitInterrupted(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	f.complete(Result{}, nil)
	f.complete(Result{}, errors.New("ignored"))
	_, err = f.Wait(context.Background())
	assert.NoError(t, err)
}
