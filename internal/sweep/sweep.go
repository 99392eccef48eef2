// Package sweep runs the periodic maintenance passes: quote expiry,
// invoice past-due, and reconciliation of provider drafts left behind by
// interrupted finalize calls.
package sweep

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fieldservice/internal/config"
	"fieldservice/internal/engine"
	"fieldservice/internal/errors"
	"fieldservice/internal/logger"
)

// Passes is the engine surface the sweep drives. *engine.Engine implements it.
type Passes interface {
	ExpireQuotes(ctx context.Context, limit int) (int, error)
	FlagPastDue(ctx context.Context, limit int) (int, error)
	ReconcileDrafts(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Runner ticks the passes until stopped.
type Runner struct {
	passes         Passes
	interval       time.Duration
	batchSize      int
	reconcileAfter time.Duration
	log            *zap.SugaredLogger

	cancel  context.CancelFunc
	g       *errgroup.Group
	started atomic.Bool
}

// New builds a Runner from configuration.
func New(cfg config.Config, passes Passes, log *zap.SugaredLogger) *Runner {
	r := &Runner{
		passes:         passes,
		interval:       cfg.SweepInterval,
		batchSize:      cfg.SweepBatchSize,
		reconcileAfter: cfg.ReconcileAfter,
		log:            logger.Component(log, "sweep"),
	}
	if r.interval <= 0 {
		r.interval = time.Minute
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	if r.reconcileAfter <= 0 {
		r.reconcileAfter = 10 * time.Minute
	}
	return r
}

// Start runs the ticker in the background. Calling Start twice is a no-op.
func (r *Runner) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.g, ctx = errgroup.WithContext(ctx)
	r.g.Go(func() error { return r.loop(ctx) })
	r.log.Infow("sweep started", "interval", r.interval, "batch_size", r.batchSize)
}

// Stop cancels the ticker and waits for the running tick to finish.
func (r *Runner) Stop() {
	if !r.started.CompareAndSwap(true, false) {
		return
	}
	r.cancel()
	if err := r.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Errorw("sweep stopped with error", logger.FieldError, err)
	}
}

func (r *Runner) loop(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs every pass once. A failing pass is logged and does not stop
// the others.
func (r *Runner) Tick(ctx context.Context) Result {
	var res Result
	var err error
	if res.Expired, err = r.passes.ExpireQuotes(ctx, r.batchSize); err != nil {
		r.log.Warnw("quote expiry pass failed", logger.FieldSweep, engine.SweepQuoteExpiry, logger.FieldError, err)
	}
	if res.PastDue, err = r.passes.FlagPastDue(ctx, r.batchSize); err != nil {
		r.log.Warnw("past-due pass failed", logger.FieldSweep, engine.SweepPastDue, logger.FieldError, err)
	}
	if res.Reconciled, err = r.passes.ReconcileDrafts(ctx, r.reconcileAfter, r.batchSize); err != nil {
		r.log.Warnw("reconcile pass failed", logger.FieldSweep, engine.SweepReconcile, logger.FieldError, err)
	}
	if res.Expired+res.PastDue+res.Reconciled > 0 {
		r.log.Infow("sweep moved jobs", "expired", res.Expired, "past_due", res.PastDue, "reconciled", res.Reconciled)
	}
	return res
}

// Result counts jobs moved by one tick.
type Result struct {
	Expired    int
	PastDue    int
	Reconciled int
}
