// Package app wires the collaborators shared by the api and worker binaries.
package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fieldservice/internal/archive"
	"fieldservice/internal/availability"
	"fieldservice/internal/billing"
	"fieldservice/internal/config"
	"fieldservice/internal/engine"
	"fieldservice/internal/errors"
	"fieldservice/internal/lifecycle"
	"fieldservice/internal/notify"
	"fieldservice/internal/queue"
	"fieldservice/internal/ratelimit"
	"fieldservice/internal/store"
)

// Runtime holds everything a binary needs after startup.
type Runtime struct {
	Store  *store.Store
	Redis  *redis.Client
	Queue  *queue.RedisQueue
	Engine *engine.Engine
}

// Build connects to Postgres (waiting up to postgresWait for it) and Redis,
// then assembles the engine.
func Build(ctx context.Context, cfg config.Config, log *zap.SugaredLogger, postgresWait time.Duration) (*Runtime, error) {
	loc, err := time.LoadLocation(cfg.BusinessTimezone)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q", cfg.BusinessTimezone)
	}
	avail := availability.New(cfg.DailyCapacity, loc)

	st, err := store.Open(ctx, cfg.PostgresDSN, avail, postgresWait, log)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}

	rdb := queue.NewClient(cfg)
	if err := rdb.Ping(ctx).Err(); err != nil {
		st.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	q := queue.NewRedisQueue(rdb, cfg)

	client, err := billing.NewClient(billing.ClientConfig{
		BaseURL:         cfg.BillingBaseURL,
		APIKey:          cfg.BillingAPIKey,
		Timeout:         cfg.BillingTimeout,
		ReadRetryMax:    cfg.BillingRetryMax,
		BreakerFailures: cfg.BillingBreakerFailures,
	}, log)
	if err != nil {
		st.Close()
		_ = rdb.Close()
		return nil, err
	}

	arch, err := archive.New(ctx, cfg)
	if err != nil {
		st.Close()
		_ = rdb.Close()
		return nil, err
	}

	bucket := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitBucketTTL)
	eng := engine.New(engine.Deps{
		Store: st,
		Machine: lifecycle.New(lifecycle.Policy{
			QuoteValidity: cfg.QuoteValidity,
			InvoiceTerms:  cfg.InvoiceTerms,
		}),
		Avail:     avail,
		Billing:   billing.NewSync(client, st, log),
		Publisher: notify.NewQueuePublisher(q),
		Limiter:   ratelimit.NewBookingLimiter(bucket),
		Archive:   arch,
		Log:       log,
	}, engine.Options{
		AdminRecipientID: cfg.AdminRecipientID,
		WebhookSecret:    cfg.BillingWebhookSecret,
	})

	return &Runtime{Store: st, Redis: rdb, Queue: q, Engine: eng}, nil
}

// Close releases the connections.
func (r *Runtime) Close() {
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
	if r.Store != nil {
		r.Store.Close()
	}
}
