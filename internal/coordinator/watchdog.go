package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Watchdog periodically checks the worker pool for a possible deadlock: every
// worker busy in a saga traversal while the nodes those traversals wait for
// sit in a queue that is not full, so the pool never grows.
//
// When it sees one, it submits no-op tasks to overflow the queue, which makes
// the pool start extra workers that then drain the queued nodes.
type Watchdog struct {
	pool     ThreadPool
	interval time.Duration
	logger   *slog.Logger

	attempts atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   <-chan struct{}
}

// NewWatchdog returns a stopped watchdog checking pool every interval.
func NewWatchdog(pool ThreadPool, interval time.Duration, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{pool: pool, interval: interval, logger: logger}
}

// ResolutionAttempts returns how many times the watchdog flooded the pool.
func (w *Watchdog) ResolutionAttempts() int64 { return w.attempts.Load() }

// Start launches the check loop. It runs until Stop is called or ctx is done.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	prevActive, prevCompleted := -1, int64(-1)
	w.done = schedulePeriodically(ctx, w.interval, w.interval, func(context.Context) {
		prevActive, prevCompleted = w.check(prevActive, prevCompleted)
	})
}

// Stop ends the check loop and waits for it to return.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// check runs one detection round and returns the counters the next round
// compares against.
func (w *Watchdog) check(prevActive int, prevCompleted int64) (int, int64) {
	active := w.pool.ActiveCount()
	poolSize := w.pool.PoolSize()
	maxSize := w.pool.MaxSize()
	completed := w.pool.CompletedTaskCount()

	if possibleDeadlock(active, poolSize, maxSize, completed, prevActive, prevCompleted) {
		n := (maxSize-poolSize)/2 + w.pool.QueueRemainingCapacity()
		w.logger.Info("submitting empty tasks to resolve a possible saga deadlock",
			"tasks", n, "active", active, "pool_size", poolSize, "max_pool_size", maxSize)
		for i := 0; i < n; i++ {
			if err := w.pool.Submit(func() {}); err != nil {
				w.logger.Warn("empty task rejected", "submitted", i, "error", err)
				break
			}
		}
		w.attempts.Inc()
	}

	return w.pool.ActiveCount(), w.pool.CompletedTaskCount()
}

// possibleDeadlock holds when every worker is busy, the pool could still grow
// and nothing changed since the previous round.
func possibleDeadlock(active, poolSize, maxSize int, completed int64, prevActive int, prevCompleted int64) bool {
	return active > 0 &&
		active == poolSize &&
		poolSize < maxSize &&
		active == prevActive &&
		completed == prevCompleted
}
