// Package server wires the configured stores, the saga coordinator and the
// HTTP adapter into a runnable linked data store.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/descoped/linked-data-store-core/internal/config"
	"github.com/descoped/linked-data-store-core/internal/coordinator"
	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog"
	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog/memory"
	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog/redislock"
	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog/sqlite"
	"github.com/descoped/linked-data-store-core/internal/docstore"
	"github.com/descoped/linked-data-store-core/internal/pkg/cache"
	"github.com/descoped/linked-data-store-core/internal/repository"
	"github.com/descoped/linked-data-store-core/internal/search"
	"github.com/descoped/linked-data-store-core/internal/server/httpx"
	"github.com/descoped/linked-data-store-core/internal/txlog"
	"github.com/descoped/linked-data-store-core/internal/workpool"
)

// Server is a wired linked data store.
type Server struct {
	cfg    config.Config
	logger *slog.Logger

	Coordinator *coordinator.Coordinator
	Repository  *repository.Repository
	Documents   docstore.Store
	TxLog       txlog.Log
	Index       search.Index
	Handler     http.Handler

	pool    *workpool.Pool
	closers []io.Closer
}

// New opens every configured store and wires the coordinator. Nothing runs
// until Start.
func New(cfg config.Config, logger *slog.Logger) (s *Server, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	s = &Server{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	logStore, err := s.openSagaLogStore()
	if err != nil {
		return nil, err
	}
	var ownership sagalog.Ownership
	if addr := cfg.Ownership.RedisAddr; addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		s.closers = append(s.closers, client)
		ownership = redislock.New(cache.NewRedisCacheFromClient(client, "lds"))
	}
	sagaLogs := sagalog.NewPool(logStore, ownership, cfg.SagaLog.InstanceID,
		sagalog.WithLeaseTTL(cfg.Ownership.Lease),
		sagalog.WithLogger(logger))

	tp := cfg.Saga.ThreadPool
	s.pool, err = workpool.New(workpool.Config{
		Name:          "saga",
		CoreSize:      tp.Core,
		MaxSize:       tp.Max,
		QueueCapacity: tp.QueueCapacity,
		KeepAlive:     tp.KeepAlive,
	}, logger)
	if err != nil {
		return nil, err
	}

	if s.Documents, err = s.openDocumentStore(); err != nil {
		return nil, err
	}
	s.TxLog = s.openTxLog()

	opts := []repository.Option{repository.WithDefaultTopic(cfg.TxLog.Topic)}
	if cfg.Search.Enabled {
		index := search.NewMemoryIndex()
		s.Index = index
		opts = append(opts, repository.WithIndex(index))
	}
	if s.Repository, err = repository.New(s.Documents, s.TxLog, opts...); err != nil {
		return nil, err
	}

	s.Coordinator, err = coordinator.New(coordinator.Config{
		NumberOfLogs:         cfg.Saga.NumberOfLogs,
		TruncateOnComplete:   cfg.Saga.TruncateOnComplete,
		RecoveryEnabled:      cfg.Saga.Recovery.Enabled,
		RecoveryInitialDelay: cfg.Saga.Recovery.InitialDelay,
		RecoveryInterval:     cfg.Saga.Recovery.Interval,
		MaxRecoveryAttempts:  cfg.Saga.Recovery.MaxAttempts,
		WatchdogEnabled:      cfg.Saga.Watchdog.Enabled,
		WatchdogInterval:     cfg.Saga.Watchdog.Interval,
	}, sagaLogs, s.pool, s.Repository, logger)
	if err != nil {
		return nil, err
	}

	s.Handler = httpx.NewRouter(httpx.NewHandler(s.Coordinator, s.Repository, s.Documents, s.TxLog, httpx.Options{
		SyncDefault:     cfg.Saga.SyncDefault,
		CommandsEnabled: cfg.Saga.Commands.Enabled,
		DefaultTopic:    cfg.TxLog.Topic,
		HandoffTimeout:  cfg.Saga.HandoffTimeout,
	}))
	return s, nil
}

func (s *Server) openSagaLogStore() (sagalog.Store, error) {
	switch s.cfg.SagaLog.Provider {
	case config.ProviderMemory:
		return memory.NewStore(), nil
	case config.ProviderSQLite:
		store, err := sqlite.Open(s.cfg.SagaLog.Path)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store)
		return store, nil
	}
	return nil, fmt.Errorf("server: unknown saga log provider %q", s.cfg.SagaLog.Provider)
}

func (s *Server) openDocumentStore() (docstore.Store, error) {
	var store docstore.Store
	switch s.cfg.Persistence.Provider {
	case config.ProviderMemory:
		store = docstore.NewMemoryStore()
	case config.ProviderSQLite:
		db, err := docstore.OpenSQLite(s.cfg.Persistence.Path)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db)
		store = db
	default:
		return nil, fmt.Errorf("server: unknown persistence provider %q", s.cfg.Persistence.Provider)
	}

	if addr := s.cfg.Persistence.CacheRedisAddr; addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		s.closers = append(s.closers, client)
		store = docstore.NewCachedStore(store, cache.NewRedisCacheFromClient(client, "lds"), s.cfg.Persistence.CacheTTL, s.logger)
	}
	return store, nil
}

func (s *Server) openTxLog() txlog.Log {
	if s.cfg.TxLog.Provider != config.ProviderRedis {
		return txlog.NewMemoryLog()
	}
	client := redis.NewClient(&redis.Options{Addr: s.cfg.TxLog.RedisAddr})
	s.closers = append(s.closers, client)
	return txlog.NewRedisLog(client, "lds", s.logger)
}

// Start runs startup recovery and the coordinator background loops.
func (s *Server) Start(ctx context.Context) error {
	return s.Coordinator.Start(ctx)
}

// ListenAndServe serves HTTP on the configured address until ctx is done,
// then drains requests and stops the coordinator.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.HTTP.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("linked data store listening", "addr", lis.Addr().String(),
			"instance_id", s.cfg.SagaLog.InstanceID)
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	var result *multierror.Error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("server: http shutdown: %w", err))
	}
	if err := s.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Shutdown stops the coordinator and drains the worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if s.Coordinator != nil {
		if err := s.Coordinator.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.pool != nil {
		if err := s.pool.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close releases the opened stores and clients.
func (s *Server) Close() error {
	var result *multierror.Error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.closers = nil
	return result.ErrorOrNil()
}
