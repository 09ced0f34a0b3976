package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/auto-apply/internal/domain"
	"github.com/fairyhunter13/auto-apply/internal/observability"
)

// Runner is the worker main loop: consume one job_application at a time,
// drive the form loop, publish exactly one terminal outcome, heartbeat
// throughout.
type Runner struct {
	Broker   domain.Broker
	Sessions SessionFactory
	Loop     *FormLoop

	ConsumeBlock      time.Duration
	WallClock         time.Duration
	MaxRetries        int
	HeartbeatInterval time.Duration
	DrainGrace        time.Duration

	// sleep is swappable in tests; defaults to time.Sleep.
	sleep func(time.Duration)

	mu       sync.Mutex
	inFlight string
	status   string
}

// NewRunner constructs a Runner.
func NewRunner(broker domain.Broker, sessions SessionFactory, loop *FormLoop, consumeBlock, wallClock time.Duration, maxRetries int, heartbeatInterval, drainGrace time.Duration) *Runner {
	return &Runner{
		Broker: broker, Sessions: sessions, Loop: loop,
		ConsumeBlock: consumeBlock, WallClock: wallClock, MaxRetries: maxRetries,
		HeartbeatInterval: heartbeatInterval, DrainGrace: drainGrace,
		sleep:  time.Sleep,
		status: "idle",
	}
}

// Run consumes until the context is cancelled, then finishes the in-flight
// task (bounded by the drain grace) and reports shutting_down.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("automation worker started")
	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	go r.heartbeatLoop(hbCtx)

	for ctx.Err() == nil {
		task, err := r.Broker.Consume(ctx, domain.TaskJobApplication, r.ConsumeBlock)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("consume failed", slog.Any("error", err))
				r.sleep(time.Second)
			}
			continue
		}
		if task == nil {
			continue
		}
		r.process(ctx, task)
	}

	r.setState("shutting_down", "")
	r.beat(context.Background())
	slog.Info("automation worker stopped")
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.HeartbeatInterval)
	defer ticker.Stop()
	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Runner) beat(ctx context.Context) {
	r.mu.Lock()
	hb := domain.HeartbeatPayload{Status: r.status, InFlightTaskID: r.inFlight}
	r.mu.Unlock()
	if err := r.Broker.Heartbeat(ctx, "automation", hb); err != nil {
		slog.Warn("heartbeat failed", slog.Any("error", err))
	}
}

func (r *Runner) setState(status, taskID string) {
	r.mu.Lock()
	r.status = status
	r.inFlight = taskID
	r.mu.Unlock()
}

// process runs one task to a terminal outcome. The task context is
// detached from the consume context so a shutdown signal does not kill the
// browser mid-form; the drain grace bounds it instead.
func (r *Runner) process(parent context.Context, task *domain.QueueTask) {
	var payload domain.JobApplicationPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil || payload.ApplicationID == 0 {
		observability.DeadLetter("malformed job_application")
		slog.Error("task dead-lettered", slog.String("task_id", task.ID))
		return
	}

	r.setState("processing", task.ID)
	r.beat(parent)
	defer func() {
		r.setState("idle", "")
	}()

	taskCtx, cancel := context.WithTimeout(context.Background(), r.WallClock)
	defer cancel()
	stopWatch := watchShutdown(parent, cancel, r.DrainGrace)
	defer stopWatch()

	outcome, err := r.runSession(taskCtx, payload)
	if err != nil {
		r.retryOrFail(parent, task, payload, err)
		return
	}
	r.publishOutcome(context.Background(), task, payload, outcome)
}

// watchShutdown cancels the task context DrainGrace after the parent is
// cancelled, so shutdown never waits a full wall clock.
func watchShutdown(parent context.Context, cancel context.CancelFunc, grace time.Duration) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-parent.Done():
			select {
			case <-done:
			case <-time.After(grace):
				cancel()
			}
		}
	}()
	return func() { close(done) }
}

func (r *Runner) runSession(ctx context.Context, payload domain.JobApplicationPayload) (Outcome, error) {
	sess, err := r.Sessions.New(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("op=runner.session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(context.Background()); cerr != nil {
			slog.Warn("session close failed", slog.Any("error", cerr))
		}
	}()
	return r.Loop.Run(ctx, sess, payload)
}

// retryOrFail handles transient task errors: republish with exponential
// backoff until the retry budget is spent, then report a terminal failure.
func (r *Runner) retryOrFail(ctx context.Context, task *domain.QueueTask, payload domain.JobApplicationPayload, taskErr error) {
	if task.Retries < r.MaxRetries {
		task.Retries++
		delay := backoffDelay(task.Retries)
		slog.Warn("task retrying",
			slog.String("task_id", task.ID),
			slog.Int("retries", task.Retries),
			slog.Duration("delay", delay),
			slog.Any("error", taskErr))
		r.sleep(delay)
		if err := r.Broker.Republish(context.Background(), task); err != nil {
			slog.Error("republish failed", slog.String("task_id", task.ID), slog.Any("error", err))
		}
		return
	}
	slog.Error("task retry budget spent",
		slog.String("task_id", task.ID),
		slog.Int("retries", task.Retries),
		slog.Any("error", taskErr))
	r.publishOutcome(context.Background(), task, payload, Outcome{
		Kind:       OutcomeKindFailed,
		ErrMessage: fmt.Sprintf("retry budget exhausted: %v", taskErr),
	})
}

// backoffDelay is min(2^retries, 30) seconds.
func backoffDelay(retries int) time.Duration {
	secs := 1 << retries
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// publishOutcome emits exactly one terminal result set for the task.
func (r *Runner) publishOutcome(ctx context.Context, task *domain.QueueTask, payload domain.JobApplicationPayload, outcome Outcome) {
	update := domain.UpdateJobStatusPayload{
		JobID:         payload.JobID,
		ApplicationID: payload.ApplicationID,
		ScreenshotURL: outcome.ScreenshotURL,
	}
	switch outcome.Kind {
	case OutcomeKindApplied:
		update.Status = domain.OutcomeApplied
		update.Notes = outcome.Confirmation
		update.SubmittedAt = time.Now().UTC().Format(time.RFC3339)
	case OutcomeKindFailed:
		update.Status = domain.OutcomeFailed
		update.ErrorMessage = outcome.ErrMessage
	case OutcomeKindNeedsApproval:
		update.Status = domain.OutcomeWaitingApproval
	}

	if _, err := r.Broker.Publish(ctx, domain.TaskUpdateJobStatus, update, 0); err != nil {
		slog.Error("outcome publish failed", slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}

	if outcome.Kind == OutcomeKindNeedsApproval {
		approval := domain.ApprovalRequestPayload{
			JobID:         payload.JobID,
			ApplicationID: payload.ApplicationID,
			Question:      outcome.Question,
			CurrentState:  outcome.StateBlob,
			ScreenshotURL: outcome.ScreenshotURL,
			Context: &domain.ApprovalRequestContext{
				PageTitle:  outcome.PageTitle,
				PageURL:    outcome.PageURL,
				FormFields: outcome.FormFields,
			},
		}
		if _, err := r.Broker.Publish(ctx, domain.TaskApprovalRequest, approval, 0); err != nil {
			slog.Error("approval publish failed", slog.String("task_id", task.ID), slog.Any("error", err))
		}
	}

	if err := r.Broker.PublishResult(ctx, task.ID, update); err != nil {
		slog.Warn("result record publish failed", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	slog.Info("task finished",
		slog.String("task_id", task.ID),
		slog.String("outcome", update.Status),
		slog.Int("steps", outcome.Steps))
}
