package redisq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb), mr
}

func TestPublishConsume_RoundTrip(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	payload := domain.SendNotificationPayload{To: "+15551234567", Message: "hello"}
	id, err := b.Publish(ctx, domain.TaskSendNotification, payload, 0)
	require.NoError(t, err)
	assert.Contains(t, id, "send_notification_")

	task, err := b.Consume(ctx, domain.TaskSendNotification, 0)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, domain.TaskSendNotification, task.Type)
	assert.Equal(t, 0, task.Retries)

	var got domain.SendNotificationPayload
	require.NoError(t, json.Unmarshal(task.Payload, &got))
	assert.Equal(t, payload, got)
}

func TestConsume_EmptyQueueReturnsNil(t *testing.T) {
	b, _ := newTestBroker(t)
	task, err := b.Consume(context.Background(), domain.TaskUpdateJobStatus, 0)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestPublish_FIFOOrder(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	first, err := b.Publish(ctx, domain.TaskUpdateJobStatus, map[string]string{"n": "1"}, 0)
	require.NoError(t, err)
	second, err := b.Publish(ctx, domain.TaskUpdateJobStatus, map[string]string{"n": "2"}, 0)
	require.NoError(t, err)

	t1, err := b.Consume(ctx, domain.TaskUpdateJobStatus, 0)
	require.NoError(t, err)
	t2, err := b.Consume(ctx, domain.TaskUpdateJobStatus, 0)
	require.NoError(t, err)
	assert.Equal(t, first, t1.ID)
	assert.Equal(t, second, t2.ID)
}

func TestPublish_PriorityJumpsQueue(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, domain.TaskJobApplication, map[string]string{"n": "normal"}, 0)
	require.NoError(t, err)
	urgent, err := b.Publish(ctx, domain.TaskJobApplication, map[string]string{"n": "urgent"}, 1)
	require.NoError(t, err)

	task, err := b.Consume(ctx, domain.TaskJobApplication, 0)
	require.NoError(t, err)
	assert.Equal(t, urgent, task.ID)
}

func TestPublish_RejectsUnknownType(t *testing.T) {
	b, _ := newTestBroker(t)
	_, err := b.Publish(context.Background(), domain.TaskType("drop_tables"), nil, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = b.Consume(context.Background(), domain.TaskType("nope"), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRepublish_PreservesIDAndRetries(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Publish(ctx, domain.TaskJobApplication, map[string]string{}, 0)
	require.NoError(t, err)
	task, err := b.Consume(ctx, domain.TaskJobApplication, 0)
	require.NoError(t, err)

	task.Retries++
	require.NoError(t, b.Republish(ctx, task))

	again, err := b.Consume(ctx, domain.TaskJobApplication, 0)
	require.NoError(t, err)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 1, again.Retries)
}

func TestResult_RoundTripAndExpiry(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.PublishResult(ctx, "task_1", map[string]string{"status": "applied"}))
	raw, err := b.Result(ctx, "task_1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"applied"}`, string(raw))

	mr.FastForward(61 * time.Minute)
	_, err = b.Result(ctx, "task_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHeartbeat_TTLExpiry(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	hb := domain.HeartbeatPayload{Status: "processing", InFlightTaskID: "job_application_1_abc"}
	require.NoError(t, b.Heartbeat(ctx, "automation", hb))

	got, err := b.LastHeartbeat(ctx, "automation")
	require.NoError(t, err)
	assert.Equal(t, "processing", got.Status)
	assert.Equal(t, "job_application_1_abc", got.InFlightTaskID)
	assert.NotEmpty(t, got.Timestamp)

	mr.FastForward(121 * time.Second)
	_, err = b.LastHeartbeat(ctx, "automation")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueueStats(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, domain.TaskJobApplication, map[string]string{}, 0)
	require.NoError(t, err)
	_, err = b.Publish(ctx, domain.TaskJobApplication, map[string]string{}, 0)
	require.NoError(t, err)
	_, err = b.Publish(ctx, domain.TaskApprovalRequest, map[string]string{}, 0)
	require.NoError(t, err)

	stats, err := b.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["job_application"])
	assert.Equal(t, int64(1), stats["approval_request"])
	assert.Equal(t, int64(0), stats["send_notification"])
}

func TestConsume_MalformedEnvelope(t *testing.T) {
	b, mr := newTestBroker(t)
	_, err := mr.Push("tasks:update_job_status", "{not json")
	require.NoError(t, err)

	_, err = b.Consume(context.Background(), domain.TaskUpdateJobStatus, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
