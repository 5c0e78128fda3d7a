// Package coordinator admits saga executions under bounded concurrency,
// watches the worker pool for starvation and recovers executions that were
// interrupted by a crash or an aborted step.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/atomic"

	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog"
	"github.com/descoped/linked-data-store-core/internal/saga"
)

var (
	// ErrInvariantViolation reports corrupted coordinator state, e.g. a saga
	// log bound to two executions. It is never silently corrected.
	ErrInvariantViolation = errors.New("coordinator: invariant violation")
	// ErrInterrupted is returned when a blocking wait was cancelled.
	ErrInterrupted = errors.New("coordinator: interrupted")
	// ErrUnknownSaga is returned when recovery meets a saga name that is not
	// registered.
	ErrUnknownSaga = errors.New("coordinator: unknown saga")
)

// ThreadPool is the worker pool executions run on. *workpool.Pool satisfies
// it.
type ThreadPool interface {
	Submit(task func()) error
	ActiveCount() int
	PoolSize() int
	MaxSize() int
	QueueCapacity() int
	QueueRemainingCapacity() int
	CompletedTaskCount() int64
}

// Repository resolves saga names found in the log back to definitions.
type Repository interface {
	Get(name string) (*saga.Definition, error)
	Registry() *saga.Registry
}

// Config tunes the coordinator.
type Config struct {
	NumberOfLogs int
	// TruncateOnComplete removes the entries of an execution from its saga
	// log as soon as it completed successfully.
	TruncateOnComplete bool

	RecoveryEnabled      bool
	RecoveryInitialDelay time.Duration
	RecoveryInterval     time.Duration
	// MaxRecoveryAttempts is the number of failed replays after which an
	// execution is moved to the dead saga log. Zero disables dead-lettering.
	MaxRecoveryAttempts int

	WatchdogEnabled  bool
	WatchdogInterval time.Duration
}

// Coordinator hands write requests off to saga executions.
type Coordinator struct {
	cfg      Config
	logger   *slog.Logger
	sagaLogs SagaLogPool
	logs     *LogPool
	pool     ThreadPool
	engine   *saga.Engine
	repo     Repository
	permits  *Semaphore

	watchdog *Watchdog
	recovery *Recovery
	trigger  *RecoveryTrigger

	active atomic.Int64

	mu        sync.Mutex
	cancel    context.CancelFunc
	keepAlive chan struct{}
}

// New wires a coordinator. The number of concurrently admitted executions is
// (pool.MaxSize() + pool.QueueCapacity()) / 2: every execution may occupy two
// workers, one for its traversal and one for its current node.
func New(cfg Config, sagaLogs SagaLogPool, pool ThreadPool, repo Repository, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logs, err := NewLogPool(sagaLogs, cfg.NumberOfLogs)
	if err != nil {
		return nil, err
	}
	maxConcurrent := (pool.MaxSize() + pool.QueueCapacity()) / 2
	if maxConcurrent < 1 {
		return nil, fmt.Errorf("coordinator: thread pool (max %d, queue %d) admits no execution", pool.MaxSize(), pool.QueueCapacity())
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = time.Second
	}

	engine := saga.NewEngine(pool, logger)
	c := &Coordinator{
		cfg:      cfg,
		logger:   logger,
		sagaLogs: sagaLogs,
		logs:     logs,
		pool:     pool,
		engine:   engine,
		repo:     repo,
		permits:  NewSemaphore(int64(maxConcurrent)),
	}
	c.watchdog = NewWatchdog(pool, cfg.WatchdogInterval, logger)
	c.recovery = NewRecovery(logs, sagaLogs, engine, repo, c.permits, cfg.MaxRecoveryAttempts, logger)
	c.trigger = NewRecoveryTrigger(c.recovery, cfg.RecoveryInitialDelay, cfg.RecoveryInterval, logger)
	return c, nil
}

// Handoff starts an execution of def for in.
//
// It blocks until a saga log is free and an admission permit is available;
// this is the backpressure of the write path. When synchronous it returns the
// completion future, otherwise the future that resolves once the start entry
// is durably written. An error means nothing was started.
func (c *Coordinator) Handoff(ctx context.Context, synchronous bool, registry *saga.Registry, def *saga.Definition, in saga.Input, cmds ...saga.Command) (*saga.Future, error) {
	if in.ExecutionID == (ulid.ULID{}) {
		in.ExecutionID = ulid.Make()
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator: invalid saga input: %w", err)
	}
	payload, err := in.Encode()
	if err != nil {
		return nil, err
	}

	id, err := c.logs.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	log, err := c.logs.Bind(ctx, id, in.ExecutionID)
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			// The partition belongs to someone else; leave it alone.
			c.logger.ErrorContext(ctx, "saga log binding failed", "partition", id.String(), "error", err)
			return nil, err
		}
		c.releaseLog(ctx, id)
		return nil, fmt.Errorf("coordinator: connect saga log %s: %w", id, err)
	}

	permit, err := c.permits.Acquire(ctx)
	if err != nil {
		c.releaseLog(ctx, id)
		return nil, err
	}

	c.active.Inc()
	release := func() {
		permit.Release()
		c.releaseLog(ctx, id)
		c.active.Dec()
	}

	ctrl, err := c.engine.Execute(ctx, saga.ExecutionRequest{
		ExecutionID: in.ExecutionID,
		Definition:  def,
		Registry:    registry,
		Log:         log,
		Input:       payload,
		PositionKey: in.PositionKey(),
		Commands:    cmds,
		OnComplete: func(res saga.Result, err error) {
			if err == nil && c.cfg.TruncateOnComplete {
				if terr := log.TruncateExecution(context.WithoutCancel(ctx), res.ExecutionID); terr != nil {
					c.logger.WarnContext(ctx, "failed to truncate completed execution",
						"execution_id", res.ExecutionID.String(), "partition", id.String(), "error", terr)
				}
			}
			release()
		},
	})
	if err != nil {
		release()
		return nil, err
	}

	if synchronous {
		return ctrl.Completion, nil
	}
	return ctrl.Handoff, nil
}

func (c *Coordinator) releaseLog(ctx context.Context, id sagalog.ID) {
	if err := c.logs.Release(id); err != nil {
		c.logger.ErrorContext(ctx, "failed to release saga log", "partition", id.String(), "error", err)
	}
}

// Start runs the startup recovery pass and starts the background watchdog,
// recovery trigger and instance lease.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("coordinator: already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.keepAlive = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.keepAlive)
		if err := c.sagaLogs.KeepAlive(runCtx); err != nil {
			c.logger.Error("saga log instance lease failed", "error", err)
		}
	}()

	// Replays run on the same pool, so the watchdog must already be running.
	if c.cfg.WatchdogEnabled {
		c.watchdog.Start(runCtx)
	}
	if c.cfg.RecoveryEnabled {
		if err := c.recovery.RecoverLocal(ctx); err != nil {
			c.logger.ErrorContext(ctx, "startup saga recovery incomplete", "error", err)
		}
		if c.cfg.RecoveryInterval > 0 {
			c.trigger.Start(runCtx)
		}
	}
	return nil
}

// Shutdown stops the background loops started by Start.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	cancel, keepAlive := c.cancel, c.keepAlive
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	c.trigger.Stop()
	c.watchdog.Stop()
	cancel()

	select {
	case <-keepAlive:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator: shutdown: %w", ctx.Err())
	}
}

// Recovery returns the recovery driver.
func (c *Coordinator) Recovery() *Recovery { return c.recovery }

// Watchdog returns the thread-pool watchdog.
func (c *Coordinator) Watchdog() *Watchdog { return c.watchdog }

// Logs returns the saga log partition pool.
func (c *Coordinator) Logs() *LogPool { return c.logs }

// AvailablePermits returns the number of free admission permits.
func (c *Coordinator) AvailablePermits() int64 { return c.permits.Available() }

// MaxConcurrentExecutions returns the total number of admission permits.
func (c *Coordinator) MaxConcurrentExecutions() int64 { return c.permits.Size() }

// ActiveExecutions returns the number of admitted executions that have not
// completed yet.
func (c *Coordinator) ActiveExecutions() int64 { return c.active.Load() }

// Stats is a snapshot of the coordinator for health endpoints.
type Stats struct {
	ActiveExecutions        int64 `json:"activeExecutions"`
	AvailablePermits        int64 `json:"availablePermits"`
	MaxConcurrentExecutions int64 `json:"maxConcurrentExecutions"`
	SagaLogs                int   `json:"sagaLogs"`
	AvailableSagaLogs       int   `json:"availableSagaLogs"`
	DeadlockResolutions     int64 `json:"deadlockResolutions"`
	RecoveredExecutions     int64 `json:"recoveredExecutions"`
	DeadLetteredExecutions  int64 `json:"deadLetteredExecutions"`
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		ActiveExecutions:        c.ActiveExecutions(),
		AvailablePermits:        c.AvailablePermits(),
		MaxConcurrentExecutions: c.MaxConcurrentExecutions(),
		SagaLogs:                c.logs.Size(),
		AvailableSagaLogs:       c.logs.Available(),
		DeadlockResolutions:     c.watchdog.ResolutionAttempts(),
		RecoveredExecutions:     c.recovery.Recovered(),
		DeadLetteredExecutions:  c.recovery.DeadLettered(),
	}
}
