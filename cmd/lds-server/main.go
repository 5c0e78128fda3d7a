package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/descoped/linked-data-store-core/internal/config"
	"github.com/descoped/linked-data-store-core/internal/pkg/telemetry"
	"github.com/descoped/linked-data-store-core/internal/server"
)

func main() {
	os.Exit(start(os.Args[1:]))
}

// start runs the server until it stops and returns the process exit code.
// Deferred cleanups run before main exits.
func start(args []string) int {
	logger := telemetry.InitLogger()

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	}))
	defer undo()
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", "error", err)
	}

	flags := config.Flags()
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		slog.Error("invalid flags", "error", err)
		return 2
	}
	cfg, err := config.Load(flags)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
	})
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("linked data store stopped", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error("failed to close stores", "error", err)
		}
	}()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}
