// Package app wires configuration into running processes: it builds the
// dispatcher's service graph and owns process lifecycle (run loops, HTTP
// serving, graceful shutdown).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/auto-apply/internal/adapter/ai"
	"github.com/fairyhunter13/auto-apply/internal/adapter/blob"
	"github.com/fairyhunter13/auto-apply/internal/adapter/httpserver"
	"github.com/fairyhunter13/auto-apply/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/auto-apply/internal/adapter/render"
	"github.com/fairyhunter13/auto-apply/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/auto-apply/internal/adapter/scrape"
	"github.com/fairyhunter13/auto-apply/internal/adapter/sms"
	"github.com/fairyhunter13/auto-apply/internal/config"
	"github.com/fairyhunter13/auto-apply/internal/domain"
	"github.com/fairyhunter13/auto-apply/internal/security"
	"github.com/fairyhunter13/auto-apply/internal/usecase"
)

// Dispatcher is the orchestration process: HTTP intake, result drain loops,
// the notification sender, and the stale-application sweeper.
type Dispatcher struct {
	cfg config.Config

	pool   *pgxpool.Pool
	broker *redisq.Broker

	httpSrv  *http.Server
	consumer *usecase.ResultConsumer
	notifier *usecase.Notifier
	sweeper  *usecase.StaleSweeper
}

// NewDispatcher builds the dispatcher's full service graph from config.
func NewDispatcher(ctx context.Context, cfg config.Config) (*Dispatcher, error) {
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("op=app.dispatcher: %w", err)
	}
	broker, err := redisq.New(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=app.dispatcher: %w", err)
	}
	box, err := security.NewBox(cfg.EncryptionKey)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=app.dispatcher: %w", err)
	}

	profiles := postgres.NewProfileRepo(pool)
	roles := postgres.NewRoleRepo(pool)
	apps := postgres.NewApplicationRepo(pool)

	var llm domain.AIClient
	if cfg.LLMAPIKey != "" {
		llm = ai.New(cfg)
	} else {
		slog.Warn("LLM_API_KEY not set; using deterministic AI stub")
		llm = ai.NewStub()
	}
	blobs := blob.New(cfg.BlobBaseURL, cfg.BlobBucket, cfg.BlobAPIKey)
	renderer := render.New(cfg.RendererURL)
	scraper := scrape.New(cfg.ScraperURL, cfg.ScraperAPIKey)
	gateway := sms.New(cfg.SMSAccountSID, cfg.SMSAuthToken, cfg.SMSFrom, cfg.SMSBaseURL)

	docs := usecase.NewDocumentService(llm, renderer, blobs)
	apply := usecase.NewApplyService(profiles, roles, apps, broker, docs, box, cfg.AttemptsCap)
	ingest := usecase.NewIngestService(scraper, llm, roles, profiles, apply)
	hitl := usecase.NewHITLController(profiles, apps, broker, ingest, apply)
	consumer := usecase.NewResultConsumer(apps, roles, profiles, broker, cfg.ConsumeBlock, cfg.NotifyTo)
	notifier := usecase.NewNotifier(broker, gateway, cfg.ConsumeBlock, cfg.MaxRetries)
	sweeper := usecase.NewStaleSweeper(apps, broker, apply, cfg.StaleAfter, cfg.SweepInterval, cfg.AttemptsCap)

	server := httpserver.NewServer(cfg, apply, hitl, profiles, apps, broker, box, pool, blobs, gateway)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Dispatcher{
		cfg:      cfg,
		pool:     pool,
		broker:   broker,
		httpSrv:  httpSrv,
		consumer: consumer,
		notifier: notifier,
		sweeper:  sweeper,
	}, nil
}

// Run serves HTTP and drives the background loops until ctx is cancelled,
// then drains within the configured shutdown timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for name, loop := range map[string]func(context.Context){
		"result_consumer": d.consumer.Run,
		"notifier":        d.notifier.Run,
		"stale_sweeper":   d.sweeper.Run,
	} {
		wg.Add(1)
		go func(name string, run func(context.Context)) {
			defer wg.Done()
			slog.Info("loop started", slog.String("loop", name))
			run(ctx)
			slog.Info("loop stopped", slog.String("loop", name))
		}(name, loop)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", d.httpSrv.Addr))
		if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("op=app.run: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ServerShutdownTimeout)
	defer cancel()
	if err := d.httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", slog.Any("error", err))
	}
	wg.Wait()
	return nil
}

// Close releases connections. Call after Run returns.
func (d *Dispatcher) Close() {
	if err := d.broker.Close(); err != nil {
		slog.Error("broker close failed", slog.Any("error", err))
	}
	d.pool.Close()
}

// Ping verifies the dispatcher's hard dependencies at startup.
func (d *Dispatcher) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("op=app.ping: store: %w", err)
	}
	if err := d.broker.Ping(pingCtx); err != nil {
		return fmt.Errorf("op=app.ping: broker: %w", err)
	}
	return nil
}
