package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/auto-apply/internal/domain"
	"github.com/fairyhunter13/auto-apply/internal/observability"
)

// Notifier is the single place outbound SMS leaves the system. It drains
// send_notification and retries transient gateway failures by republishing
// with a bumped retry count.
type Notifier struct {
	Broker  domain.Broker
	Gateway domain.SMSGateway

	ConsumeBlock time.Duration
	MaxRetries   int
}

// NewNotifier constructs a Notifier.
func NewNotifier(broker domain.Broker, gateway domain.SMSGateway, consumeBlock time.Duration, maxRetries int) *Notifier {
	return &Notifier{Broker: broker, Gateway: gateway, ConsumeBlock: consumeBlock, MaxRetries: maxRetries}
}

// Run delivers notifications until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	slog.Info("notifier started")
	for ctx.Err() == nil {
		task, err := n.Broker.Consume(ctx, domain.TaskSendNotification, n.ConsumeBlock)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("notification consume failed", slog.Any("error", err))
				time.Sleep(time.Second)
			}
			continue
		}
		if task == nil {
			continue
		}
		n.deliver(ctx, task)
	}
	slog.Info("notifier stopped")
}

func (n *Notifier) deliver(ctx context.Context, task *domain.QueueTask) {
	var p domain.SendNotificationPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.To == "" || p.Message == "" {
		observability.DeadLetter("malformed send_notification")
		slog.Error("notification dead-lettered", slog.String("task_id", task.ID))
		return
	}
	err := n.Gateway.Send(ctx, p.To, p.Message)
	if err == nil {
		slog.Info("notification sent", slog.Int64("application_id", p.ApplicationID))
		return
	}
	if errors.Is(err, domain.ErrTransient) && task.Retries < n.MaxRetries {
		task.Retries++
		if rerr := n.Broker.Republish(ctx, task); rerr != nil {
			slog.Error("notification republish failed", slog.String("task_id", task.ID), slog.Any("error", rerr))
		}
		return
	}
	observability.DeadLetter("notification delivery failed")
	slog.Error("notification dropped",
		slog.String("task_id", task.ID),
		slog.Int("retries", task.Retries),
		slog.Any("error", err))
}
