package notify

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"fieldservice/internal/config"
	"fieldservice/internal/logger"
	"fieldservice/internal/models"
	"fieldservice/internal/queue"
	"fieldservice/internal/telemetry"
)

// Consumer drives the notification worker loop.
type Consumer struct {
	cfg        config.Config
	queue      *queue.RedisQueue
	dispatcher *Dispatcher
	log        *zap.SugaredLogger
}

// NewConsumer builds a Consumer.
func NewConsumer(cfg config.Config, q *queue.RedisQueue, d *Dispatcher, log *zap.SugaredLogger) *Consumer {
	if cfg.NotifyMaxAttempts <= 0 {
		cfg.NotifyMaxAttempts = 5
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Consumer{cfg: cfg, queue: q, dispatcher: d, log: logger.Component(log, "consumer")}
}

// Run starts the main worker loop until context cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := c.ProcessOne(ctx)
		if err != nil {
			c.log.Warnw("consume", logger.FieldError, err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.WorkerPollInterval):
		}
	}
}

// ProcessOne does one housekeeping pass and handles at most one message.
// It reports whether a message was handled.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	now := time.Now()
	if _, err := c.queue.PromoteScheduled(ctx, now, int64(c.cfg.ScheduledBatchSize)); err != nil {
		return false, err
	}
	if reclaimed, err := c.queue.RequeueExpired(ctx, now, int64(c.cfg.ScheduledBatchSize)); err == nil && len(reclaimed) > 0 {
		c.log.Infow("reclaimed expired leases", logger.FieldCount, len(reclaimed))
	}
	if depth, err := c.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	msg, err := c.queue.DequeueWithLease(ctx)
	if err != nil || msg == nil {
		return false, err
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	results, err := c.dispatcher.Dispatch(ctx, Event{
		MessageID:   msg.ID,
		Type:        msg.Type,
		RecipientID: msg.RecipientID,
		Channels:    msg.Channels,
		Payload:     msg.Payload,
	})
	if err != nil {
		return true, c.fail(ctx, *msg, msg.Channels, err.Error())
	}

	var failed []models.Channel
	var reasons []string
	for ch, res := range results {
		if !res.OK() {
			failed = append(failed, ch)
			reasons = append(reasons, string(ch)+": "+res.Err.Error())
		}
	}
	if len(failed) == 0 {
		return true, c.queue.Ack(ctx, msg.ID)
	}
	return true, c.fail(ctx, *msg, failed, strings.Join(reasons, "; "))
}

// fail re-enqueues only the channels that failed, or dead-letters the
// message once attempts run out.
func (c *Consumer) fail(ctx context.Context, msg queue.Message, channels []models.Channel, reason string) error {
	msg.Attempts++
	msg.Channels = channels
	msg.LastError = reason

	if msg.Attempts >= c.cfg.NotifyMaxAttempts {
		c.log.Warnw("notification dead-lettered",
			logger.FieldMessageID, msg.ID,
			logger.FieldRecipientID, msg.RecipientID,
			logger.FieldAttempts, msg.Attempts,
			logger.FieldError, reason,
		)
		telemetry.NotifyDeadLetter.Inc()
		return c.queue.DeadLetter(ctx, msg)
	}

	next := time.Now().Add(backoffWithJitter(c.cfg.BackoffInitial, c.cfg.BackoffMax, msg.Attempts))
	c.log.Infow("notification retry scheduled",
		logger.FieldMessageID, msg.ID,
		logger.FieldAttempts, msg.Attempts,
		"next_run", next.UTC().Format(time.RFC3339),
	)
	return c.queue.Retry(ctx, msg, next)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
