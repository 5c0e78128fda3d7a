package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RecoveryTrigger runs cluster-wide recovery after an initial delay and then
// at a fixed interval.
type RecoveryTrigger struct {
	recovery     *Recovery
	initialDelay time.Duration
	interval     time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   <-chan struct{}
}

// NewRecoveryTrigger returns a stopped trigger.
func NewRecoveryTrigger(recovery *Recovery, initialDelay, interval time.Duration, logger *slog.Logger) *RecoveryTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryTrigger{
		recovery:     recovery,
		initialDelay: initialDelay,
		interval:     interval,
		logger:       logger,
	}
}

// Start launches the trigger loop. Calling Start on a running trigger is a
// no-op.
func (t *RecoveryTrigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = schedulePeriodically(ctx, t.initialDelay, t.interval, t.run)
}

// Stop ends the loop and waits for a running recovery pass to return.
func (t *RecoveryTrigger) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *RecoveryTrigger) run(ctx context.Context) {
	start := time.Now()
	if err := t.recovery.RecoverClusterWide(ctx); err != nil {
		t.logger.WarnContext(ctx, "saga recovery pass incomplete", "error", err, "elapsed", time.Since(start))
		return
	}
	t.logger.DebugContext(ctx, "saga recovery pass done", "elapsed", time.Since(start))
}
