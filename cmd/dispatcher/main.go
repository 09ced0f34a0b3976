// Package main provides the dispatcher entry point: HTTP intake, result
// drain loops, notifications, and the maintenance sweeper.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/auto-apply/internal/app"
	"github.com/fairyhunter13/auto-apply/internal/config"
	"github.com/fairyhunter13/auto-apply/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	dispatcher, err := app.NewDispatcher(ctx, cfg)
	if err != nil {
		slog.Error("dispatcher init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dispatcher.Close()
	if err := dispatcher.Ping(ctx); err != nil {
		slog.Error("startup dependency check failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("dispatcher starting", slog.String("env", cfg.AppEnv), slog.Int("port", cfg.Port))
	if err := dispatcher.Run(ctx); err != nil {
		slog.Error("dispatcher run failed", slog.Any("error", err))
		os.Exit(2)
	}
	slog.Info("dispatcher stopped")
}
