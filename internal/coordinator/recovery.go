package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog"
	"github.com/descoped/linked-data-store-core/internal/saga"
)

// Recovery replays executions that left a start entry and no end entry in a
// saga log. Every replay starts from the start node with the recorded input
// and the original execution id; adapters are idempotent, so steps that
// already ran are simply overwritten.
//
// An execution that fails MaxRecoveryAttempts replays in a row is copied to
// the dead saga log of this instance and removed from its partition. Replays
// are admitted through the same permits as new executions; one the thread
// pool refuses to start is left in its partition for the next pass and does
// not count as an attempt.
type Recovery struct {
	logs        *LogPool
	sagaLogs    SagaLogPool
	engine      *saga.Engine
	repo        Repository
	permits     *Semaphore
	maxAttempts int
	logger      *slog.Logger
	dead        sagalog.ID

	mu       sync.Mutex
	attempts map[ulid.ULID]int

	recovered    atomic.Int64
	deadLettered atomic.Int64
}

// NewRecovery returns a recovery driver over the local partitions of logs.
// A nil permits admits replays without a bound.
func NewRecovery(logs *LogPool, sagaLogs SagaLogPool, engine *saga.Engine, repo Repository, permits *Semaphore, maxAttempts int, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		logs:        logs,
		sagaLogs:    sagaLogs,
		engine:      engine,
		repo:        repo,
		permits:     permits,
		maxAttempts: maxAttempts,
		logger:      logger,
		dead:        sagaLogs.IDFor(sagaLogs.InstanceID(), sagalog.DeadLogName),
		attempts:    map[ulid.ULID]int{},
	}
}

// DeadLogID returns the id of the dead saga log of this instance.
func (r *Recovery) DeadLogID() sagalog.ID { return r.dead }

// Recovered returns the number of executions replayed to completion.
func (r *Recovery) Recovered() int64 { return r.recovered.Load() }

// DeadLettered returns the number of executions moved to the dead saga log.
func (r *Recovery) DeadLettered() int64 { return r.deadLettered.Load() }

// Attempts returns the number of failed replays recorded for executionID.
func (r *Recovery) Attempts(executionID ulid.ULID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[executionID]
}

// RecoverLocal recovers every local partition that is currently free. The
// partitions are unavailable to new executions until their recovery ends.
func (r *Recovery) RecoverLocal(ctx context.Context) error {
	ids := r.logs.Drain()
	if len(ids) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			defer func() {
				if err := r.logs.Release(id); err != nil {
					r.logger.ErrorContext(ctx, "failed to release recovered saga log", "partition", id.String(), "error", err)
				}
			}()
			log, err := r.sagaLogs.Connect(ctx, id)
			if err == nil {
				err = r.recoverPartition(ctx, log)
			}
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("saga log %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// RecoverClusterWide recovers the free local partitions, then every partition
// of other instances whose ownership can be taken over.
func (r *Recovery) RecoverClusterWide(ctx context.Context) error {
	var result *multierror.Error
	if err := r.RecoverLocal(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	ids, err := r.sagaLogs.ClusterWideIDs(ctx)
	if err != nil {
		return multierror.Append(result, err).ErrorOrNil()
	}
	for _, id := range ids {
		if id.InstanceID == r.sagaLogs.InstanceID() || id.LogName == sagalog.DeadLogName {
			continue
		}
		if err := r.recoverForeign(ctx, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("saga log %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

func (r *Recovery) recoverForeign(ctx context.Context, id sagalog.ID) error {
	ok, err := r.sagaLogs.TryTakeOwnership(ctx, id)
	if err != nil || !ok {
		return err
	}
	defer func() {
		r.sagaLogs.Release(id)
		if err := r.sagaLogs.ReleaseOwnership(context.WithoutCancel(ctx), id); err != nil {
			r.logger.WarnContext(ctx, "failed to release saga log ownership", "partition", id.String(), "error", err)
		}
	}()

	log, err := r.sagaLogs.Connect(ctx, id)
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "recovering saga log of another instance", "partition", id.String())
	return r.recoverPartition(ctx, log)
}

type replay struct {
	execution sagalog.Execution
	ctrl      *saga.Control
	err       error
}

// recoverPartition replays every incomplete execution of log and truncates
// log when all of them were resolved.
func (r *Recovery) recoverPartition(ctx context.Context, log sagalog.Log) error {
	entries, err := log.ReadIncomplete(ctx)
	if err != nil {
		return err
	}

	executions := sagalog.GroupByExecution(entries)
	replays := make([]*replay, 0, len(executions))
	for _, x := range executions {
		ctrl, err := r.start(ctx, log, x)
		if errors.Is(err, ErrInterrupted) {
			return fmt.Errorf("recovery of %s: %w", log.ID(), err)
		}
		replays = append(replays, &replay{execution: x, ctrl: ctrl, err: err})
	}

	var result *multierror.Error
	resolved := true
	for _, rp := range replays {
		if rp.ctrl != nil {
			_, rp.err = rp.ctrl.Completion.Wait(ctx)
			if ctx.Err() != nil {
				return fmt.Errorf("%w: recovery of %s: %w", ErrInterrupted, log.ID(), ctx.Err())
			}
		}
		if errors.Is(rp.err, saga.ErrNotStarted) {
			resolved = false
			r.logger.InfoContext(ctx, "saga recovery postponed",
				"execution_id", rp.execution.ID.String(), "partition", log.ID().String(), "error", rp.err)
			continue
		}
		if rp.err == nil {
			r.succeeded(ctx, log, rp.execution)
			continue
		}
		dead, err := r.failed(ctx, log, rp.execution, rp.err)
		if err != nil {
			result = multierror.Append(result, err)
		}
		if !dead {
			resolved = false
			result = multierror.Append(result, fmt.Errorf("execution %s: %w", rp.execution.ID, rp.err))
		}
	}

	if resolved {
		if err := log.Truncate(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (r *Recovery) start(ctx context.Context, log sagalog.Log, x sagalog.Execution) (*saga.Control, error) {
	start, ok := x.Start()
	if !ok {
		return nil, fmt.Errorf("%w: execution %s has no start entry", ErrInvariantViolation, x.ID)
	}
	def, err := r.repo.Get(start.SagaName)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrUnknownSaga, start.SagaName, err)
	}

	var permit *Permit
	if r.permits != nil {
		if permit, err = r.permits.Acquire(ctx); err != nil {
			return nil, err
		}
	}
	ctrl, err := r.engine.Execute(ctx, saga.ExecutionRequest{
		ExecutionID: x.ID,
		Definition:  def,
		Registry:    r.repo.Registry(),
		Log:         log,
		Input:       start.Payload,
		PositionKey: start.PositionKey,
		Recovery:    true,
		OnComplete: func(saga.Result, error) {
			if permit != nil {
				permit.Release()
			}
		},
	})
	if err != nil {
		if permit != nil {
			permit.Release()
		}
		return nil, err
	}
	r.logger.InfoContext(ctx, "started recovery of saga",
		"execution_id", x.ID.String(), "saga", def.Name(), "partition", log.ID().String())
	return ctrl, nil
}

func (r *Recovery) succeeded(ctx context.Context, log sagalog.Log, x sagalog.Execution) {
	r.mu.Lock()
	delete(r.attempts, x.ID)
	r.mu.Unlock()
	r.recovered.Inc()
	// A partition that is not truncated must not replay it again.
	if err := log.TruncateExecution(ctx, x.ID); err != nil {
		r.logger.WarnContext(ctx, "failed to truncate recovered execution",
			"execution_id", x.ID.String(), "error", err)
	}
}

// failed records a failed replay. It reports whether the execution was moved
// to the dead saga log.
func (r *Recovery) failed(ctx context.Context, log sagalog.Log, x sagalog.Execution, cause error) (bool, error) {
	r.mu.Lock()
	r.attempts[x.ID]++
	n := r.attempts[x.ID]
	r.mu.Unlock()

	r.logger.WarnContext(ctx, "saga recovery failed",
		"execution_id", x.ID.String(), "attempt", n, "partition", log.ID().String(), "error", cause)

	if r.maxAttempts <= 0 || n < r.maxAttempts {
		return false, nil
	}
	if err := r.deadLetter(ctx, log, x); err != nil {
		return false, err
	}

	r.mu.Lock()
	delete(r.attempts, x.ID)
	r.mu.Unlock()
	r.deadLettered.Inc()
	r.logger.ErrorContext(ctx, "saga moved to dead saga log",
		"execution_id", x.ID.String(), "attempts", n, "dead_log", r.dead.String(), "error", cause)
	return true, nil
}

func (r *Recovery) deadLetter(ctx context.Context, log sagalog.Log, x sagalog.Execution) error {
	dead, err := r.sagaLogs.Connect(ctx, r.dead)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", x.ID, err)
	}
	for _, e := range x.Entries {
		if err := dead.Append(ctx, e); err != nil {
			return fmt.Errorf("dead-letter %s: %w", x.ID, err)
		}
	}
	if err := log.TruncateExecution(ctx, x.ID); err != nil {
		return fmt.Errorf("dead-letter %s: %w", x.ID, err)
	}
	return nil
}

// DeadExecutions returns the executions held by the dead saga log.
func (r *Recovery) DeadExecutions(ctx context.Context) ([]sagalog.Execution, error) {
	dead, err := r.sagaLogs.Connect(ctx, r.dead)
	if err != nil {
		return nil, err
	}
	entries, err := dead.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return sagalog.GroupByExecution(entries), nil
}

// RequeueDead moves every execution of the dead saga log back to a local
// partition, where the next recovery pass replays it. It returns the number
// of executions moved.
func (r *Recovery) RequeueDead(ctx context.Context) (int, error) {
	executions, err := r.DeadExecutions(ctx)
	if err != nil || len(executions) == 0 {
		return 0, err
	}
	dead, err := r.sagaLogs.Connect(ctx, r.dead)
	if err != nil {
		return 0, err
	}

	id, err := r.logs.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := r.logs.Release(id); err != nil {
			r.logger.ErrorContext(ctx, "failed to release saga log", "partition", id.String(), "error", err)
		}
	}()
	target, err := r.sagaLogs.Connect(ctx, id)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, x := range executions {
		if _, ok := x.Start(); !ok {
			return moved, fmt.Errorf("%w: dead execution %s has no start entry", ErrInvariantViolation, x.ID)
		}
		for _, e := range x.Entries {
			if err := target.Append(ctx, e); err != nil {
				return moved, err
			}
		}
		if err := dead.TruncateExecution(ctx, x.ID); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
