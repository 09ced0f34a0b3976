// Package main provides the automation worker entry point. The worker
// consumes job_application tasks and drives browser sessions; it never
// connects to the store.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/auto-apply/internal/adapter/ai"
	"github.com/fairyhunter13/auto-apply/internal/adapter/browser"
	"github.com/fairyhunter13/auto-apply/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/auto-apply/internal/config"
	"github.com/fairyhunter13/auto-apply/internal/domain"
	"github.com/fairyhunter13/auto-apply/internal/observability"
	"github.com/fairyhunter13/auto-apply/internal/worker"
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
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	broker, err := redisq.New(cfg.RedisURL)
	if err != nil {
		slog.Error("broker init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("broker close failed", slog.Any("error", err))
		}
	}()

	var llm domain.AIClient
	if cfg.LLMAPIKey != "" {
		llm = ai.New(cfg)
	} else {
		slog.Warn("LLM_API_KEY not set; using deterministic AI stub")
		llm = ai.NewStub()
	}
	sessions := browser.NewFactory(cfg.AutomationURL, cfg.StagehandTimeout())
	loop := worker.NewFormLoop(llm, cfg.MaxSteps, cfg.MaxFieldAttempts)
	runner := worker.NewRunner(broker, sessions, loop,
		cfg.ConsumeBlock, cfg.TaskWallClock, cfg.MaxRetries,
		cfg.HeartbeatInterval, cfg.WorkerDrainGrace)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("worker starting", slog.String("env", cfg.AppEnv), slog.String("automation_url", cfg.AutomationURL))
	runner.Run(ctx)
	slog.Info("worker stopped")
}
