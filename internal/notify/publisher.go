package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fieldservice/internal/models"
	"fieldservice/internal/queue"
	"fieldservice/internal/telemetry"
)

// Publisher is the notification transport as the engine sees it:
// fire-and-forget, with delivery and retry owned by the consumer.
type Publisher interface {
	Enqueue(ctx context.Context, typ models.EventType, recipientID string, channels []models.Channel, payload map[string]any) error
}

// QueuePublisher enqueues onto the Redis notification queue.
type QueuePublisher struct {
	queue *queue.RedisQueue
}

// NewQueuePublisher wraps q.
func NewQueuePublisher(q *queue.RedisQueue) *QueuePublisher {
	return &QueuePublisher{queue: q}
}

func (p *QueuePublisher) Enqueue(ctx context.Context, typ models.EventType, recipientID string, channels []models.Channel, payload map[string]any) error {
	err := p.queue.Enqueue(ctx, queue.Message{
		ID:          uuid.NewString(),
		Type:        typ,
		RecipientID: recipientID,
		Channels:    channels,
		Payload:     payload,
		EnqueuedAt:  time.Now().UTC(),
	})
	if err == nil {
		telemetry.NotifyEnqueued.Inc()
	}
	return err
}
