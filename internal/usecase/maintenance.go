package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/auto-apply/internal/domain"
	"github.com/fairyhunter13/auto-apply/internal/observability"
)

// WorkerService is the heartbeat key the automation worker publishes under.
const WorkerService = "automation"

// StaleSweeper recovers applications whose worker died mid-task: stuck in
// submitting past the staleness window with no heartbeat claiming their
// task. They transition to error and, budget permitting, retry.
type StaleSweeper struct {
	Apps   domain.ApplicationRepository
	Broker domain.Broker
	Apply  *ApplyService

	StaleAfter    time.Duration
	SweepInterval time.Duration
	AttemptsCap   int
}

// NewStaleSweeper constructs a StaleSweeper.
func NewStaleSweeper(apps domain.ApplicationRepository, broker domain.Broker, apply *ApplyService, staleAfter, sweepInterval time.Duration, attemptsCap int) *StaleSweeper {
	return &StaleSweeper{
		Apps: apps, Broker: broker, Apply: apply,
		StaleAfter: staleAfter, SweepInterval: sweepInterval, AttemptsCap: attemptsCap,
	}
}

// Run sweeps on an interval until the context is cancelled.
func (s *StaleSweeper) Run(ctx context.Context) {
	slog.Info("stale sweeper started", slog.Duration("interval", s.SweepInterval))
	ticker := time.NewTicker(s.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Exported so tests drive it without the ticker.
func (s *StaleSweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.StaleAfter)
	stuck, err := s.Apps.ListStuckSubmitting(ctx, cutoff)
	if err != nil {
		slog.Error("stale sweep query failed", slog.Any("error", err))
		return
	}
	if n, err := s.Apps.CountByStatus(ctx, domain.AppSubmitting); err == nil {
		observability.ApplicationsInFlight.Set(float64(n))
	}
	s.observeHeartbeatAge(ctx)

	for _, app := range stuck {
		if s.workerHolds(ctx, app.QueueTaskID) {
			// A live worker still claims this task; it is slow, not lost.
			continue
		}
		failed, err := s.Apps.ApplyTransition(ctx, app.ID, domain.EventFailed, func(a *domain.Application) {
			a.ErrorMessage = "worker lost"
			a.QueueTaskID = ""
		})
		if errors.Is(err, domain.ErrIllegalTransition) {
			// A result arrived between the scan and the lock.
			continue
		}
		if err != nil {
			slog.Error("stale transition failed", slog.Int64("application_id", app.ID), slog.Any("error", err))
			continue
		}
		slog.Warn("application recovered from lost worker",
			slog.Int64("application_id", failed.ID),
			slog.Int("attempts", failed.Attempts))

		if failed.Attempts < s.AttemptsCap {
			if _, err := s.Apply.Retry(ctx, failed.ID); err != nil {
				slog.Error("stale retry failed", slog.Int64("application_id", failed.ID), slog.Any("error", err))
			}
		}
	}
}

// workerHolds reports whether any worker heartbeat within the TTL claims
// the task id.
func (s *StaleSweeper) workerHolds(ctx context.Context, taskID string) bool {
	if taskID == "" {
		return false
	}
	hb, err := s.Broker.LastHeartbeat(ctx, WorkerService)
	if err != nil {
		return false
	}
	return hb.InFlightTaskID == taskID
}

func (s *StaleSweeper) observeHeartbeatAge(ctx context.Context) {
	hb, err := s.Broker.LastHeartbeat(ctx, WorkerService)
	if err != nil {
		return
	}
	if ts, err := time.Parse(time.RFC3339Nano, hb.Timestamp); err == nil {
		observability.WorkerHeartbeatAge.Set(time.Since(ts).Seconds())
	}
}
