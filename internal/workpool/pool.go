// Package workpool provides a bounded worker pool with the growth policy the
// saga engine and its watchdog rely on.
//
// The pool keeps up to CoreSize workers. Once they exist, tasks are queued in
// a bounded FIFO queue, and a worker beyond CoreSize is only started when the
// queue is full. With MaxSize workers and a full queue, Submit rejects the
// task. Workers above CoreSize exit after staying idle for KeepAlive.
//
// A consequence is that a pool whose core workers all block on tasks still in
// the queue never grows by itself. The saga watchdog detects that state and
// floods the queue with no-op tasks to force growth.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

var (
	// ErrRejected is returned when the pool is at MaxSize and its queue is full.
	ErrRejected = errors.New("workpool: task rejected")
	// ErrShutdown is returned when submitting to a pool that is shutting down.
	ErrShutdown = errors.New("workpool: pool is shut down")
)

// Config sizes a Pool.
type Config struct {
	Name          string
	CoreSize      int
	MaxSize       int
	QueueCapacity int
	KeepAlive     time.Duration
}

// Pool executes submitted tasks on a bounded set of goroutines.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	queue chan func()

	mu      sync.Mutex
	workers int
	closed  bool
	wg      sync.WaitGroup

	active    atomic.Int32
	completed atomic.Int64
	rejected  atomic.Int64
}

// New validates cfg and returns an idle pool. Workers are started on demand.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	switch {
	case cfg.CoreSize < 0:
		return nil, fmt.Errorf("workpool: core size %d must not be negative", cfg.CoreSize)
	case cfg.MaxSize < 1 || cfg.MaxSize < cfg.CoreSize:
		return nil, fmt.Errorf("workpool: max size %d must be at least 1 and at least core size %d", cfg.MaxSize, cfg.CoreSize)
	case cfg.QueueCapacity < 0:
		return nil, fmt.Errorf("workpool: queue capacity %d must not be negative", cfg.QueueCapacity)
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = time.Minute
	}
	if cfg.Name == "" {
		cfg.Name = "workpool"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:    cfg,
		logger: logger.With("pool", cfg.Name),
		queue:  make(chan func(), cfg.QueueCapacity),
	}, nil
}

// Submit schedules task. It never blocks.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return errors.New("workpool: nil task")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrShutdown
	}
	if p.workers < p.cfg.CoreSize {
		p.startWorker(task)
		return nil
	}
	select {
	case p.queue <- task:
		return nil
	default:
	}
	if p.workers < p.cfg.MaxSize {
		p.startWorker(task)
		return nil
	}
	p.rejected.Inc()
	return ErrRejected
}

// startWorker must be called with p.mu held.
func (p *Pool) startWorker(first func()) {
	p.workers++
	p.wg.Add(1)
	go p.work(first)
}

func (p *Pool) work(task func()) {
	defer p.wg.Done()

	idle := time.NewTimer(p.cfg.KeepAlive)
	defer idle.Stop()

	for {
		if task != nil {
			p.run(task)
			task = nil
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.cfg.KeepAlive)

		select {
		case t, ok := <-p.queue:
			if !ok {
				p.exit()
				return
			}
			task = t
		case <-idle.C:
			if p.retire() {
				return
			}
		}
	}
}

// retire ends an idle worker when the pool is above its core size.
func (p *Pool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers > p.cfg.CoreSize && len(p.queue) == 0 {
		p.workers--
		return true
	}
	return false
}

func (p *Pool) exit() {
	p.mu.Lock()
	p.workers--
	p.mu.Unlock()
}

func (p *Pool) run(task func()) {
	p.active.Inc()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "panic", r)
		}
		p.active.Dec()
		p.completed.Inc()
	}()
	task()
}

// Shutdown stops accepting tasks, lets the workers drain the queue and waits
// for them to exit or for ctx to be done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workpool: shutdown: %w", ctx.Err())
	}
}

// ActiveCount returns the number of workers currently running a task.
func (p *Pool) ActiveCount() int { return int(p.active.Load()) }

// PoolSize returns the number of live workers.
func (p *Pool) PoolSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// CoreSize returns the configured core size.
func (p *Pool) CoreSize() int { return p.cfg.CoreSize }

// MaxSize returns the configured maximum number of workers.
func (p *Pool) MaxSize() int { return p.cfg.MaxSize }

// QueueCapacity returns the configured queue capacity.
func (p *Pool) QueueCapacity() int { return p.cfg.QueueCapacity }

// QueueRemainingCapacity returns how many tasks can be queued before the pool
// starts growing beyond its core size.
func (p *Pool) QueueRemainingCapacity() int { return cap(p.queue) - len(p.queue) }

// CompletedTaskCount returns the number of tasks that finished, including
// those that panicked.
func (p *Pool) CompletedTaskCount() int64 { return p.completed.Load() }

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Name           string `json:"name"`
	Active         int    `json:"active"`
	PoolSize       int    `json:"poolSize"`
	CoreSize       int    `json:"coreSize"`
	MaxSize        int    `json:"maxSize"`
	Queued         int    `json:"queued"`
	QueueRemaining int    `json:"queueRemaining"`
	Completed      int64  `json:"completed"`
	Rejected       int64  `json:"rejected"`
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:           p.cfg.Name,
		Active:         p.ActiveCount(),
		PoolSize:       p.PoolSize(),
		CoreSize:       p.cfg.CoreSize,
		MaxSize:        p.cfg.MaxSize,
		Queued:         len(p.queue),
		QueueRemaining: p.QueueRemainingCapacity(),
		Completed:      p.CompletedTaskCount(),
		Rejected:       p.rejected.Load(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("%s[active=%d pool=%d core=%d max=%d queued=%d remaining=%d completed=%d rejected=%d]",
		s.Name, s.Active, s.PoolSize, s.CoreSize, s.MaxSize, s.Queued, s.QueueRemaining, s.Completed, s.Rejected)
}
