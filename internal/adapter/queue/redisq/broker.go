// Package redisq implements the task broker over Redis lists.
//
// Each queue is a list under tasks:<type> (RPUSH tail, BLPOP head), task
// results are keyed records with a 60 minute TTL, and heartbeats are
// pub/sub messages mirrored into keyed records with a 120 second TTL so
// liveness is queryable without subscribing. Delivery is at-least-once;
// consume is destructive and not transactional.
package redisq

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/auto-apply/internal/domain"
	"github.com/fairyhunter13/auto-apply/internal/observability"
)

const (
	resultTTL    = 60 * time.Minute
	heartbeatTTL = 120 * time.Second
	// jobApplicationTTL bounds how long a payload carrying cleartext
	// credentials may sit unconsumed.
	jobApplicationTTL = time.Hour
)

// Broker implements domain.Broker over a single Redis connection pool.
type Broker struct {
	rdb *redis.Client
}

// New parses a redis:// URL and returns a connected Broker.
func New(redisURL string) (*Broker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.New: %w", err)
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 10 * time.Second
	return &Broker{rdb: redis.NewClient(opt)}, nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(rdb *redis.Client) *Broker { return &Broker{rdb: rdb} }

func queueKey(t domain.TaskType) string  { return "tasks:" + string(t) }
func resultKey(taskID string) string     { return "task_results:" + taskID }
func heartbeatKey(service string) string { return "heartbeat:" + service }

// newTaskID mirrors the shared wire format: <type>_<unix>_<uuid8>.
func newTaskID(t domain.TaskType) string {
	return fmt.Sprintf("%s_%d_%s", t, time.Now().UTC().Unix(), uuid.NewString()[:8])
}

// Publish appends a task to the queue tail and returns its id. Tasks with
// priority > 0 are pushed at the head so they dequeue first within their
// queue; FIFO order is preserved for everything else.
func (b *Broker) Publish(ctx domain.Context, t domain.TaskType, payload any, priority int) (string, error) {
	tracer := otel.Tracer("queue.broker")
	ctx, span := tracer.Start(ctx, "broker.Publish")
	defer span.End()
	if !domain.ValidTaskType(t) {
		return "", fmt.Errorf("op=broker.publish: unknown task type %q: %w", t, domain.ErrInvalidArgument)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=broker.publish: %w", err)
	}
	task := domain.QueueTask{
		ID:        newTaskID(t),
		Type:      t,
		Payload:   raw,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Priority:  priority,
	}
	if err := b.push(ctx, &task); err != nil {
		return "", err
	}
	observability.TaskPublished(string(t))
	slog.Info("task published", slog.String("task_id", task.ID), slog.String("queue", string(t)))
	return task.ID, nil
}

// Republish re-enqueues a consumed envelope unchanged except for the retry
// count the caller already bumped. The id is preserved so redeliveries stay
// correlated with the original publish.
func (b *Broker) Republish(ctx domain.Context, task *domain.QueueTask) error {
	if task == nil || !domain.ValidTaskType(task.Type) {
		return fmt.Errorf("op=broker.republish: %w", domain.ErrInvalidArgument)
	}
	if err := b.push(ctx, task); err != nil {
		return err
	}
	observability.TaskPublished(string(task.Type))
	slog.Info("task republished", slog.String("task_id", task.ID), slog.Int("retries", task.Retries))
	return nil
}

func (b *Broker) push(ctx domain.Context, task *domain.QueueTask) error {
	blob, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("op=broker.push: %w", err)
	}
	key := queueKey(task.Type)
	if task.Priority > 0 {
		err = b.rdb.LPush(ctx, key, blob).Err()
	} else {
		err = b.rdb.RPush(ctx, key, blob).Err()
	}
	if err != nil {
		return fmt.Errorf("op=broker.push: %w: %w", domain.ErrTransient, err)
	}
	if task.Type == domain.TaskJobApplication {
		// Bound retention for payloads that may carry credentials. The TTL
		// is refreshed per publish; consumed tasks delete naturally.
		if err := b.rdb.Expire(ctx, key, jobApplicationTTL).Err(); err != nil {
			slog.Warn("failed to bound job_application retention", slog.Any("error", err))
		}
	}
	return nil
}

// Consume pops one task from the head, blocking up to timeout (0 means
// non-blocking). A nil task with nil error means the queue stayed empty.
func (b *Broker) Consume(ctx domain.Context, t domain.TaskType, timeout time.Duration) (*domain.QueueTask, error) {
	if !domain.ValidTaskType(t) {
		return nil, fmt.Errorf("op=broker.consume: unknown task type %q: %w", t, domain.ErrInvalidArgument)
	}
	key := queueKey(t)
	var blob string
	if timeout > 0 {
		res, err := b.rdb.BLPop(ctx, timeout, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("op=broker.consume: %w: %w", domain.ErrTransient, err)
		}
		blob = res[1]
	} else {
		res, err := b.rdb.LPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("op=broker.consume: %w: %w", domain.ErrTransient, err)
		}
		blob = res
	}
	var task domain.QueueTask
	if err := json.Unmarshal([]byte(blob), &task); err != nil {
		return nil, fmt.Errorf("op=broker.consume: malformed envelope: %w", domain.ErrInvalidArgument)
	}
	observability.TaskConsumed(string(t))
	return &task, nil
}

// PublishResult stores a result record keyed by task id with a 60m TTL.
func (b *Broker) PublishResult(ctx domain.Context, taskID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=broker.publish_result: %w", err)
	}
	if err := b.rdb.Set(ctx, resultKey(taskID), raw, resultTTL).Err(); err != nil {
		return fmt.Errorf("op=broker.publish_result: %w: %w", domain.ErrTransient, err)
	}
	return nil
}

// Result fetches a stored result record, ErrNotFound after expiry.
func (b *Broker) Result(ctx domain.Context, taskID string) (json.RawMessage, error) {
	raw, err := b.rdb.Get(ctx, resultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("op=broker.result: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=broker.result: %w: %w", domain.ErrTransient, err)
	}
	return raw, nil
}

// PublishChannel is fire-and-forget pub/sub.
func (b *Broker) PublishChannel(ctx domain.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=broker.publish_channel: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("op=broker.publish_channel: %w: %w", domain.ErrTransient, err)
	}
	return nil
}

// Heartbeat publishes on heartbeat:<service> and writes the keyed liveness
// record with a 120s TTL.
func (b *Broker) Heartbeat(ctx domain.Context, service string, hb domain.HeartbeatPayload) error {
	if hb.Timestamp == "" {
		hb.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("op=broker.heartbeat: %w", err)
	}
	key := heartbeatKey(service)
	if err := b.rdb.Set(ctx, key, raw, heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("op=broker.heartbeat: %w: %w", domain.ErrTransient, err)
	}
	// Best-effort broadcast for subscribers; the keyed record is what
	// liveness checks read.
	if err := b.rdb.Publish(ctx, key, raw).Err(); err != nil {
		slog.Warn("heartbeat publish failed", slog.String("service", service), slog.Any("error", err))
	}
	return nil
}

// LastHeartbeat returns the most recent heartbeat, ErrNotFound once the
// 120s TTL has lapsed.
func (b *Broker) LastHeartbeat(ctx domain.Context, service string) (domain.HeartbeatPayload, error) {
	raw, err := b.rdb.Get(ctx, heartbeatKey(service)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.HeartbeatPayload{}, fmt.Errorf("op=broker.last_heartbeat: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.HeartbeatPayload{}, fmt.Errorf("op=broker.last_heartbeat: %w: %w", domain.ErrTransient, err)
	}
	var hb domain.HeartbeatPayload
	if err := json.Unmarshal(raw, &hb); err != nil {
		return domain.HeartbeatPayload{}, fmt.Errorf("op=broker.last_heartbeat: %w", err)
	}
	return hb, nil
}

// QueueStats returns the pending length of every known queue.
func (b *Broker) QueueStats(ctx domain.Context) (map[string]int64, error) {
	stats := make(map[string]int64, len(domain.TaskTypes()))
	for _, t := range domain.TaskTypes() {
		n, err := b.rdb.LLen(ctx, queueKey(t)).Result()
		if err != nil {
			return nil, fmt.Errorf("op=broker.queue_stats: %w: %w", domain.ErrTransient, err)
		}
		stats[string(t)] = n
	}
	return stats, nil
}

// Ping reports broker connectivity.
func (b *Broker) Ping(ctx domain.Context) error { return b.rdb.Ping(ctx).Err() }

// Close releases the connection pool.
func (b *Broker) Close() error { return b.rdb.Close() }
