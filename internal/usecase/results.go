package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/auto-apply/internal/domain"
	"github.com/fairyhunter13/auto-apply/internal/observability"
)

// ResultConsumer drains the worker result queues (update_job_status and
// approval_request) and applies the corresponding state transitions. It is
// the idempotency shield: redelivered messages for applications that have
// already moved on are logged and dropped, never re-applied.
type ResultConsumer struct {
	Apps     domain.ApplicationRepository
	Roles    domain.RoleRepository
	Profiles domain.ProfileRepository
	Broker   domain.Broker

	// ConsumeBlock bounds each blocking pop so shutdown is prompt.
	ConsumeBlock time.Duration
	// NotifyTo is the user's phone number for derived notifications.
	NotifyTo string

	// mu serializes result processing per application, not per queue.
	mu keyedMutex
}

// NewResultConsumer constructs a ResultConsumer.
func NewResultConsumer(apps domain.ApplicationRepository, roles domain.RoleRepository, profiles domain.ProfileRepository, broker domain.Broker, consumeBlock time.Duration, notifyTo string) *ResultConsumer {
	return &ResultConsumer{
		Apps: apps, Roles: roles, Profiles: profiles, Broker: broker,
		ConsumeBlock: consumeBlock, NotifyTo: notifyTo,
	}
}

// Run drains both result queues until the context is cancelled.
func (c *ResultConsumer) Run(ctx context.Context) {
	slog.Info("result consumer started")
	for ctx.Err() == nil {
		drained := false
		if c.drainOne(ctx, domain.TaskUpdateJobStatus) {
			drained = true
		}
		if c.drainOne(ctx, domain.TaskApprovalRequest) {
			drained = true
		}
		// Both queues empty: the blocking pop above already waited, avoid a
		// hot loop when redis is down.
		if !drained && ctx.Err() == nil {
			time.Sleep(time.Second)
		}
	}
	slog.Info("result consumer stopped")
}

func (c *ResultConsumer) drainOne(ctx context.Context, t domain.TaskType) bool {
	task, err := c.Broker.Consume(ctx, t, c.ConsumeBlock)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("result consume failed", slog.String("queue", string(t)), slog.Any("error", err))
		}
		return false
	}
	if task == nil {
		return false
	}
	switch t {
	case domain.TaskUpdateJobStatus:
		c.handleUpdate(ctx, task)
	case domain.TaskApprovalRequest:
		c.handleApproval(ctx, task)
	}
	return true
}

func (c *ResultConsumer) handleUpdate(ctx context.Context, task *domain.QueueTask) {
	var p domain.UpdateJobStatusPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.ApplicationID == 0 {
		c.deadLetter(task, "malformed update_job_status")
		return
	}
	unlock := c.mu.lock("app:" + strconv.FormatInt(p.ApplicationID, 10))
	defer unlock()

	event, ok := outcomeEvent(p.Status)
	if !ok {
		c.deadLetter(task, "unknown outcome "+p.Status)
		return
	}

	app, err := c.Apps.ApplyTransition(ctx, p.ApplicationID, event, updateEffects(p, event)...)
	if errors.Is(err, domain.ErrNotFound) {
		c.deadLetter(task, "unknown application")
		return
	}
	if errors.Is(err, domain.ErrIllegalTransition) {
		// Redelivery after the application already advanced. Drop silently
		// apart from the log line; resending notifications here would
		// duplicate user SMS.
		slog.Info("stale status update ignored",
			slog.Int64("application_id", p.ApplicationID),
			slog.String("outcome", p.Status),
			slog.String("task_id", task.ID))
		return
	}
	if err != nil {
		slog.Error("status update failed", slog.Int64("application_id", p.ApplicationID), slog.Any("error", err))
		return
	}

	observability.OutcomeApplied(p.Status)
	slog.Info("application transitioned",
		slog.Int64("application_id", app.ID),
		slog.String("status", string(app.Status)),
		slog.String("outcome", p.Status))

	c.afterUpdate(ctx, app, p)
}

// afterUpdate handles role bookkeeping and user notification for a
// successfully applied outcome event.
func (c *ResultConsumer) afterUpdate(ctx context.Context, app domain.Application, p domain.UpdateJobStatusPayload) {
	role, err := c.Roles.Get(ctx, app.RoleID)
	if err != nil {
		slog.Warn("role lookup for notification failed", slog.Int64("role_id", app.RoleID), slog.Any("error", err))
	}
	label := role.Title
	if role.CompanyName != "" {
		label += " at " + role.CompanyName
	}

	switch app.Status {
	case domain.AppSubmitted:
		if err := c.Roles.UpdateStatus(ctx, app.RoleID, domain.RoleApplied); err != nil {
			slog.Warn("role status update failed", slog.Int64("role_id", app.RoleID), slog.Any("error", err))
		}
		msg := fmt.Sprintf("✅ Application submitted successfully! %s", label)
		if p.Notes != "" {
			msg += " — " + p.Notes
		}
		c.notify(ctx, msg, app.ID)
	case domain.AppError:
		if err := c.Roles.UpdateStatus(ctx, app.RoleID, domain.RoleRanked); err != nil {
			slog.Warn("role status update failed", slog.Int64("role_id", app.RoleID), slog.Any("error", err))
		}
		msg := fmt.Sprintf("❌ Application failed to submit: %s", label)
		if p.ErrorMessage != "" {
			msg += " — " + p.ErrorMessage
		}
		c.notify(ctx, msg, app.ID)
	case domain.AppNeedsUserInfo:
		c.notify(ctx, fmt.Sprintf("ℹ️ More information needed for %s. Reply to continue.", label), app.ID)
	case domain.AppWaitingApproval:
		// The matching approval_request carries the question; the SMS goes
		// out when that message is processed.
	}
}

func (c *ResultConsumer) handleApproval(ctx context.Context, task *domain.QueueTask) {
	var p domain.ApprovalRequestPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.ApplicationID == 0 || p.Question == "" {
		c.deadLetter(task, "malformed approval_request")
		return
	}
	unlock := c.mu.lock("app:" + strconv.FormatInt(p.ApplicationID, 10))
	defer unlock()

	approvalCtx := &domain.ApprovalContext{
		Question:      p.Question,
		CurrentState:  p.CurrentState,
		ScreenshotURL: p.ScreenshotURL,
		RequestedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if p.Context != nil {
		approvalCtx.PageTitle = p.Context.PageTitle
		approvalCtx.PageURL = p.Context.PageURL
		approvalCtx.FormFields = p.Context.FormFields
	}

	app, err := c.Apps.ApplyTransition(ctx, p.ApplicationID, domain.EventWaiting, func(a *domain.Application) {
		a.ApprovalCtx = approvalCtx
		if p.ScreenshotURL != "" {
			a.ScreenshotURL = p.ScreenshotURL
		}
	})
	if errors.Is(err, domain.ErrNotFound) {
		c.deadLetter(task, "unknown application")
		return
	}
	if errors.Is(err, domain.ErrIllegalTransition) {
		slog.Info("stale approval request ignored",
			slog.Int64("application_id", p.ApplicationID), slog.String("task_id", task.ID))
		return
	}
	if err != nil {
		slog.Error("approval request failed", slog.Int64("application_id", p.ApplicationID), slog.Any("error", err))
		return
	}

	role, rerr := c.Roles.Get(ctx, app.RoleID)
	label := ""
	if rerr == nil {
		label = role.Title + " at " + role.CompanyName
	}
	c.notify(ctx, fmt.Sprintf("🤔 Job application needs your input: %s\nQuestion: %s\nReply with your answer to continue.", label, p.Question), app.ID)
}

// notify enqueues a user SMS; handlers never call the gateway inline.
func (c *ResultConsumer) notify(ctx context.Context, message string, applicationID int64) {
	if c.NotifyTo == "" {
		return
	}
	_, err := c.Broker.Publish(ctx, domain.TaskSendNotification, domain.SendNotificationPayload{
		To: c.NotifyTo, Message: message, ApplicationID: applicationID,
	}, 0)
	if err != nil {
		slog.Error("notification enqueue failed", slog.Int64("application_id", applicationID), slog.Any("error", err))
	}
}

func (c *ResultConsumer) deadLetter(task *domain.QueueTask, reason string) {
	observability.DeadLetter(reason)
	slog.Error("message dead-lettered",
		slog.String("task_id", task.ID),
		slog.String("queue", string(task.Type)),
		slog.String("reason", reason),
		slog.String("payload", string(task.Payload)))
}

func outcomeEvent(status string) (domain.Event, bool) {
	switch status {
	case domain.OutcomeApplied:
		return domain.EventApplied, true
	case domain.OutcomeFailed:
		return domain.EventFailed, true
	case domain.OutcomeWaitingApproval:
		return domain.EventWaiting, true
	case domain.OutcomeNeedsUserInfo:
		return domain.EventNeedsInfo, true
	}
	return "", false
}

func updateEffects(p domain.UpdateJobStatusPayload, event domain.Event) []domain.TransitionEffect {
	effects := []domain.TransitionEffect{func(a *domain.Application) {
		if p.Notes != "" {
			a.Notes = p.Notes
		}
		if p.ScreenshotURL != "" {
			a.ScreenshotURL = p.ScreenshotURL
		}
	}}
	switch event {
	case domain.EventApplied:
		effects = append(effects, func(a *domain.Application) {
			ts := time.Now().UTC()
			if p.SubmittedAt != "" {
				if parsed, err := time.Parse(time.RFC3339, p.SubmittedAt); err == nil {
					ts = parsed.UTC()
				}
			}
			a.SubmittedAt = &ts
			a.QueueTaskID = ""
			a.ErrorMessage = ""
		})
	case domain.EventFailed:
		effects = append(effects, func(a *domain.Application) {
			a.ErrorMessage = p.ErrorMessage
			a.QueueTaskID = ""
		})
	case domain.EventWaiting:
		// queue_task_id is preserved: it tracks the paused conversation.
	case domain.EventNeedsInfo:
		effects = append(effects, func(a *domain.Application) {
			a.Notes = p.Notes
		})
	}
	return effects
}
