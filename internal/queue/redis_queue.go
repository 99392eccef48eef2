// Package queue is the Redis transport for notification messages: a ready
// list, an in-flight lease set, a scheduled retry set and a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldservice/internal/config"
	"fieldservice/internal/errors"
	"fieldservice/internal/models"
)

// Message is one notification event addressed to one recipient.
type Message struct {
	ID          string           `json:"id"`
	Type        models.EventType `json:"type"`
	RecipientID string           `json:"recipient_id"`
	// Channels narrows delivery to these channels; empty means every enabled one.
	Channels   []models.Channel `json:"channels,omitempty"`
	Payload    map[string]any   `json:"payload"`
	Attempts   int              `json:"attempts"`
	LastError  string           `json:"last_error,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// RedisQueue coordinates ready, in-flight, and scheduled message queues in Redis.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	bodyPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
	now           func() time.Time
}

// NewClient builds the shared Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on client using the configured key names.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.NotifyQueue
	if name == "" {
		name = "notify"
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = name + ":dlq"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		scheduledKey:  name + ":scheduled",
		bodyPrefix:    name + ":msg:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
		now:           time.Now,
	}
}

func (q *RedisQueue) bodyKey(id string) string {
	return q.bodyPrefix + id
}

// Enqueue stores the message body and makes it ready.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "message id is required")
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.bodyKey(msg.ID), body, 0)
	pipe.RPush(ctx, q.readyKey, msg.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Retry stores the updated body and parks the message until runAt.
func (q *RedisQueue) Retry(ctx context.Context, msg Message, runAt time.Time) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.bodyKey(msg.ID), body, 0)
	pipe.ZRem(ctx, q.inflightKey, msg.ID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: msg.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due retries into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.dueIn(ctx, q.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next ready message and leases it for the visibility timeout.
// It returns nil when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Message, error) {
	keys := []string{q.readyKey, q.inflightKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	raw, err := q.client.Get(ctx, q.bodyKey(id)).Bytes()
	if err == redis.Nil {
		// Body gone: acked elsewhere after a lease expiry. Drop the stray id.
		return nil, q.client.ZRem(ctx, q.inflightKey, id).Err()
	}
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, errors.Wrapf(err, "decode message %s", id)
	}
	return &msg, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a message from in-flight tracking along with its body.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.bodyKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.dueIn(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func (q *RedisQueue) dueIn(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
}

// DeadLetter moves a leased message's final body to the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.dlqKey, body)
	pipe.ZRem(ctx, q.inflightKey, msg.ID)
	pipe.Del(ctx, q.bodyKey(msg.ID))
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered messages.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]Message, error) {
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, errors.Wrap(err, "decode dead letter")
		}
		out = append(out, msg)
	}
	return out, nil
}

// ReadyDepth returns the ready list length.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns how many messages are currently leased.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)
