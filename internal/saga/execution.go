package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog"
)

// Executor runs tasks on a worker pool. *workpool.Pool satisfies it.
type Executor interface {
	Submit(task func()) error
}

// ExecutionRequest describes one run of a saga.
type ExecutionRequest struct {
	ExecutionID ulid.ULID
	Definition  *Definition
	Registry    *Registry
	Log         sagalog.Log
	// Input is the encoded saga input, recorded in the start entry.
	Input       json.RawMessage
	PositionKey string
	// Recovery replays an execution whose start entry is already in Log;
	// no new start entry is written.
	Recovery bool
	Commands []Command
	// OnComplete runs once when the execution ends, before the completion
	// future resolves. err is nil on success.
	OnComplete func(Result, error)
}

// Engine traverses saga definitions on a worker pool.
//
// Each execution occupies one worker for its whole traversal, which submits
// the nodes to the same pool as their dependencies complete and waits for
// them. Sizing the pool is therefore the caller's concern; see the
// coordinator watchdog.
type Engine struct {
	pool   Executor
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEngine returns an engine running on pool.
func NewEngine(pool Executor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("github.com/descoped/linked-data-store-core/internal/saga"),
	}
}

// Execute starts the execution described by req and returns its futures. An
// error means nothing was started and OnComplete will not run.
func (e *Engine) Execute(ctx context.Context, req ExecutionRequest) (*Control, error) {
	switch {
	case req.Definition == nil:
		return nil, errors.New("saga: execute: definition is required")
	case req.Registry == nil:
		return nil, errors.New("saga: execute: adapter registry is required")
	case req.Log == nil:
		return nil, errors.New("saga: execute: log is required")
	}
	if err := req.Registry.Verify(req.Definition); err != nil {
		return nil, err
	}
	if req.ExecutionID == (ulid.ULID{}) {
		req.ExecutionID = ulid.Make()
	}

	x := &execution{
		engine: e,
		req:    req,
		ctrl: &Control{
			ExecutionID: req.ExecutionID,
			Handoff:     newFuture(),
			Completion:  newFuture(),
		},
	}

	// The execution outlives the caller: an async handoff returns as soon as
	// the start entry is written. Tracing values are kept.
	runCtx := context.WithoutCancel(ctx)
	if err := e.pool.Submit(func() { x.traverse(runCtx) }); err != nil {
		return nil, fmt.Errorf("%w: %s of %q: %w", ErrNotStarted, req.ExecutionID, req.Definition.Name(), err)
	}
	return x.ctrl, nil
}

type execution struct {
	engine *Engine
	req    ExecutionRequest
	ctrl   *Control
}

type nodeResult struct {
	id  string
	out json.RawMessage
	err error
}

func (x *execution) traverse(ctx context.Context) {
	ctx, span := x.engine.tracer.Start(ctx, "saga "+x.req.Definition.Name(),
		trace.WithAttributes(
			attribute.String("saga.execution_id", x.req.ExecutionID.String()),
			attribute.String("saga.log", x.req.Log.ID().String()),
			attribute.Bool("saga.recovery", x.req.Recovery),
		))
	defer span.End()

	err := x.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.engine.logger.WarnContext(ctx, "saga execution aborted",
			"saga", x.req.Definition.Name(),
			"execution_id", x.req.ExecutionID.String(),
			"error", err)
	}

	res := Result{ExecutionID: x.req.ExecutionID}
	x.ctrl.Handoff.complete(res, err)
	if x.req.OnComplete != nil {
		x.req.OnComplete(res, err)
	}
	x.ctrl.Completion.complete(res, err)
}

func (x *execution) run(ctx context.Context) error {
	def := x.req.Definition
	res := Result{ExecutionID: x.req.ExecutionID}

	if !x.req.Recovery {
		if err := x.append(ctx, StartID, x.req.Input); err != nil {
			return err
		}
	}
	x.ctrl.Handoff.complete(res, nil)

	pending := make(map[string]int, len(def.nodes))
	for id, n := range def.nodes {
		pending[id] = len(n.Incoming)
	}
	outputs := map[string]json.RawMessage{StartID: x.req.Input}
	results := make(chan nodeResult, len(def.nodes))

	var (
		inflight int
		firstErr error
		endReady bool
	)

	schedule := func(id string) {
		if id == EndID {
			endReady = true
			return
		}
		node := def.nodes[id]
		deps := make(map[string]json.RawMessage, len(node.Incoming))
		for _, in := range node.Incoming {
			deps[in] = outputs[in]
		}
		inflight++
		task := func() {
			var r nodeResult
			defer func() {
				if p := recover(); p != nil {
					r = nodeResult{id: id, err: fmt.Errorf("saga: node %q panicked: %v", id, p)}
				}
				results <- r
			}()
			out, err := x.runNode(ctx, node, deps)
			r = nodeResult{id: id, out: out, err: err}
		}
		if err := x.engine.pool.Submit(task); err != nil {
			// Saturated pool: the traversal runs the node itself.
			x.engine.logger.DebugContext(ctx, "running saga node on traversal worker",
				"node", id, "execution_id", x.req.ExecutionID.String(), "error", err)
			task()
		}
	}

	release := func(id string) {
		for _, to := range def.nodes[id].Outgoing {
			pending[to]--
			if pending[to] == 0 && firstErr == nil {
				schedule(to)
			}
		}
	}

	release(StartID)
	for inflight > 0 {
		r := <-results
		inflight--
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		outputs[r.id] = r.out
		release(r.id)
	}
	if firstErr != nil {
		return Abort(firstErr)
	}
	if !endReady {
		return fmt.Errorf("saga: %q: end node never became ready", def.Name())
	}

	if err := fire(x.req.Commands, FailBefore, EndID); err != nil {
		return Abort(err)
	}
	if err := x.append(ctx, EndID, nil); err != nil {
		return err
	}
	if err := fire(x.req.Commands, FailAfter, EndID); err != nil {
		return Abort(err)
	}
	return nil
}

func (x *execution) runNode(ctx context.Context, node *Node, deps map[string]json.RawMessage) (json.RawMessage, error) {
	ctx, span := x.engine.tracer.Start(ctx, "saga node "+node.ID,
		trace.WithAttributes(
			attribute.String("saga.node", node.ID),
			attribute.String("saga.adapter", node.AdapterName),
		))
	defer span.End()

	out, err := x.executeNode(ctx, node, deps)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (x *execution) executeNode(ctx context.Context, node *Node, deps map[string]json.RawMessage) (json.RawMessage, error) {
	if err := fire(x.req.Commands, FailBefore, node.ID); err != nil {
		return nil, err
	}
	adapter, err := x.req.Registry.Get(node.AdapterName)
	if err != nil {
		return nil, err
	}
	out, err := adapter.Execute(ctx, node, x.req.Input, deps)
	if err != nil {
		return nil, fmt.Errorf("saga: node %q (%s): %w", node.ID, node.AdapterName, err)
	}
	if err := x.append(ctx, node.ID, out); err != nil {
		return nil, err
	}
	if err := fire(x.req.Commands, FailAfter, node.ID); err != nil {
		return nil, err
	}
	return out, nil
}

func (x *execution) append(ctx context.Context, nodeID string, payload json.RawMessage) error {
	entry := sagalog.NewEntry(ctx, x.req.ExecutionID, x.req.Definition.Name(), nodeID, x.req.PositionKey, payload)
	if err := x.req.Log.Append(ctx, entry); err != nil {
		return fmt.Errorf("saga: log %s of %s: %w", nodeID, x.req.ExecutionID, err)
	}
	return nil
}
