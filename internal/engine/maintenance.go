package engine

import (
	"context"
	"time"

	"fieldservice/internal/errors"
	"fieldservice/internal/lifecycle"
	"fieldservice/internal/logger"
	"fieldservice/internal/models"
	"fieldservice/internal/telemetry"
)

// Sweep names, used as metric labels.
const (
	SweepQuoteExpiry = "quote_expiry"
	SweepPastDue     = "past_due"
	SweepReconcile   = "reconcile"
)

// ExpireQuotes moves up to limit quote_sent jobs whose dueAt has passed to
// quote_expired.
func (e *Engine) ExpireQuotes(ctx context.Context, limit int) (int, error) {
	return e.sweepDue(ctx, SweepQuoteExpiry, []models.JobStatus{models.StatusQuoteSent}, lifecycle.EventExpireQuote, limit)
}

// FlagPastDue moves up to limit unpaid invoices whose dueAt has passed to
// past_due.
func (e *Engine) FlagPastDue(ctx context.Context, limit int) (int, error) {
	return e.sweepDue(ctx, SweepPastDue, []models.JobStatus{models.StatusInvoiced, models.StatusPaymentPending}, lifecycle.EventMarkPastDue, limit)
}

// sweepDue is idempotent: a job another writer already moved fails the
// status compare-and-swap and is skipped.
func (e *Engine) sweepDue(ctx context.Context, sweep string, statuses []models.JobStatus, ev lifecycle.Event, limit int) (int, error) {
	ids, err := e.store.DueJobIDs(ctx, statuses, e.now(), limit)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		_, err := e.Transition(ctx, id, ev, nil, ActorSystem)
		switch {
		case err == nil:
			moved++
		case errors.IsAny(err, errors.ErrConflict, errors.ErrInvalidTransition, errors.ErrNotFound):
		default:
			telemetry.SweepErrors.WithLabelValues(sweep).Inc()
			e.log.Warnw("sweep transition failed", logger.FieldSweep, sweep, logger.FieldJobID, id, logger.FieldError, err)
		}
	}
	telemetry.SweepTransitions.WithLabelValues(sweep).Add(float64(moved))
	return moved, nil
}

// ReconcileDrafts runs ReconcileDraft on up to limit jobs whose provider
// draft has not moved for olderThan.
func (e *Engine) ReconcileDrafts(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	ids, err := e.store.StaleDraftIDs(ctx, e.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		ok, err := e.ReconcileDraft(ctx, id)
		if err != nil {
			telemetry.SweepErrors.WithLabelValues(SweepReconcile).Inc()
			e.log.Warnw("draft reconcile failed", logger.FieldJobID, id, logger.FieldError, err)
			continue
		}
		if ok {
			moved++
		}
	}
	telemetry.SweepTransitions.WithLabelValues(SweepReconcile).Add(float64(moved))
	return moved, nil
}
