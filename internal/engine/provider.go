package engine

import (
	"context"
	"encoding/json"
	"time"

	"fieldservice/internal/archive"
	"fieldservice/internal/billing"
	"fieldservice/internal/errors"
	"fieldservice/internal/lifecycle"
	"fieldservice/internal/logger"
	"fieldservice/internal/models"
	"fieldservice/internal/telemetry"
)

const importCursor = "billing_import"

// HandleWebhook verifies, deduplicates and applies one provider delivery. A
// nil return tells the provider to stop redelivering. Errors that a retry
// could fix release the delivery id first.
func (e *Engine) HandleWebhook(ctx context.Context, body []byte, timestamp, signature string) error {
	if err := billing.VerifyWebhook(e.opts.WebhookSecret, body, timestamp, signature, e.now()); err != nil {
		telemetry.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		return err
	}
	ev, err := billing.ParseWebhook(body)
	if err != nil {
		telemetry.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		return err
	}
	typ := string(ev.Type)

	fresh, err := e.store.ClaimWebhook(ctx, ev.ID, typ, e.now())
	if err != nil {
		return err
	}
	if !fresh {
		telemetry.WebhookEvents.WithLabelValues(typ, "duplicate").Inc()
		return nil
	}
	if _, err := e.archive.Put(ctx, archive.WebhookKey(ev.ID, e.now()), body, "application/json"); err != nil {
		e.log.Warnw("webhook archive failed", logger.FieldProviderID, ev.ObjectID, logger.FieldError, err)
	}
	if !ev.Known() {
		telemetry.WebhookEvents.WithLabelValues(typ, "ignored").Inc()
		return nil
	}

	job, err := e.store.FindByProviderID(ctx, ev.ObjectID)
	if errors.Is(err, errors.ErrNotFound) {
		// The import pass creates or attaches the job later.
		e.log.Infow("webhook for unknown provider record", logger.FieldProviderID, ev.ObjectID, logger.FieldEvent, typ)
		telemetry.WebhookEvents.WithLabelValues(typ, "unmatched").Inc()
		return nil
	}
	if err == nil {
		err = e.applyWebhook(ctx, job, ev)
	}
	if err != nil {
		if rerr := e.store.ReleaseWebhook(ctx, ev.ID); rerr != nil {
			e.log.Errorw("webhook release failed", logger.FieldProviderID, ev.ObjectID, logger.FieldError, rerr)
		}
		telemetry.WebhookEvents.WithLabelValues(typ, "error").Inc()
		e.log.Warnw("webhook apply failed", logger.FieldJobID, job.ID, logger.FieldEvent, typ, logger.FieldError, err)
		return err
	}
	telemetry.WebhookEvents.WithLabelValues(typ, "applied").Inc()
	return nil
}

func (e *Engine) applyWebhook(ctx context.Context, job models.Job, ev billing.WebhookEvent) error {
	at := ev.Created
	if at.IsZero() {
		at = e.now()
	}
	var chain []lifecycle.Event

	switch ev.Type {
	case billing.WebhookPaymentProcessing:
		if job.Status == models.StatusInvoiced {
			chain = []lifecycle.Event{lifecycle.EventPaymentStarted}
		}
	case billing.WebhookPaymentSucceeded:
		switch job.Status {
		case models.StatusInvoiced:
			chain = []lifecycle.Event{lifecycle.EventPaymentStarted, lifecycle.EventPaymentSucceeded}
		case models.StatusPaymentPending, models.StatusPastDue:
			chain = []lifecycle.Event{lifecycle.EventPaymentSucceeded}
		}
	case billing.WebhookQuoteAccepted:
		if job.Status == models.StatusQuoteSent {
			chain = []lifecycle.Event{lifecycle.EventAcceptQuote}
		}
	case billing.WebhookPaymentFailed:
		payload := lifecycle.JobPayload(job)
		if ev.Reason != "" {
			payload["reason"] = ev.Reason
		}
		if err := e.store.AppendAudit(ctx, job.ID, "payment_failed", ev.Reason); err != nil {
			return err
		}
		e.notify(ctx, job, lifecycle.Notification{Type: models.EventPaymentFailed, Audience: lifecycle.AudienceCustomer, Payload: payload})
		return nil
	}

	if len(chain) == 0 {
		e.log.Infow("webhook needs no transition", logger.FieldJobID, job.ID, logger.FieldStatus, job.Status, logger.FieldEvent, ev.Type)
		return nil
	}
	_, err := e.chain(ctx, job, chain, nil, at)
	return err
}

// chain commits events in order, stopping at the first failure. The first
// event may carry ref; provider work is never started from here.
func (e *Engine) chain(ctx context.Context, job models.Job, events []lifecycle.Event, ref *lifecycle.BillingRef, at time.Time) (models.Job, error) {
	var err error
	for i, ev := range events {
		in := lifecycle.Input{Event: ev, At: at}
		if i == 0 {
			in.Billing = ref
		}
		if job, err = e.commit(ctx, job, in, ActorSystem); err != nil {
			return models.Job{}, err
		}
	}
	return job, nil
}

// ImportResult counts what one import pass did.
type ImportResult struct {
	Scanned  int `json:"scanned"`
	Created  int `json:"created"`
	Attached int `json:"attached"`
	Skipped  int `json:"skipped"`
}

// Import pages through settled provider records since the stored cursor.
// A record that already has a local job is skipped, or attached when a
// local job only holds its draft. Anything else becomes a historical job.
func (e *Engine) Import(ctx context.Context) (ImportResult, error) {
	var res ImportResult
	cursor, err := e.store.Cursor(ctx, importCursor)
	if err != nil {
		return res, err
	}
	for {
		page, err := e.billing.Provider().ListPaid(ctx, cursor)
		if err != nil {
			return res, err
		}
		for _, rec := range page.Records {
			res.Scanned++
			if err := e.importRecord(ctx, rec, &res); err != nil {
				return res, errors.Wrapf(err, "import record %s", rec.ID)
			}
		}
		if page.NextCursor != "" && page.NextCursor != cursor {
			cursor = page.NextCursor
			if err := e.store.SetCursor(ctx, importCursor, cursor); err != nil {
				return res, err
			}
		}
		if !page.HasMore || page.NextCursor == "" {
			break
		}
	}
	e.log.Infow("import finished", "scanned", res.Scanned, "created", res.Created, "attached", res.Attached, "skipped", res.Skipped)
	return res, nil
}

func (e *Engine) importRecord(ctx context.Context, rec billing.Record, res *ImportResult) error {
	raw := rec.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(rec)
	}
	if _, err := e.archive.Put(ctx, archive.ImportKey(rec.ID), raw, "application/json"); err != nil {
		e.log.Warnw("import archive failed", logger.FieldProviderID, rec.ID, logger.FieldError, err)
	}

	target, ok := billing.ImportStatus(rec)
	if !ok {
		res.Skipped++
		return nil
	}

	job, err := e.store.FindByProviderID(ctx, rec.ID)
	switch {
	case err == nil:
		attached, err := e.attach(ctx, job, rec, target)
		if err != nil {
			return err
		}
		if attached {
			res.Attached++
		} else {
			res.Skipped++
		}
		return nil
	case !errors.Is(err, errors.ErrNotFound):
		return err
	}

	job, err = billing.JobFromRecord(rec, e.now())
	if errors.Is(err, errors.ErrInvalidInput) {
		e.log.Warnw("provider record not importable", logger.FieldProviderID, rec.ID, logger.FieldError, err)
		res.Skipped++
		return nil
	}
	if err != nil {
		return err
	}
	created, err := e.store.ImportJob(ctx, job)
	if err != nil {
		return err
	}
	if created {
		telemetry.ImportedRecords.Inc()
		res.Created++
	} else {
		res.Skipped++
	}
	return nil
}

// attach walks an existing job forward to the status the provider reports.
// It reports false when the job is already there or past it.
func (e *Engine) attach(ctx context.Context, job models.Job, rec billing.Record, target models.JobStatus) (bool, error) {
	var events []lifecycle.Event
	switch target {
	case models.StatusPaid:
		switch job.Status {
		case models.StatusCompleted:
			events = []lifecycle.Event{lifecycle.EventSendInvoice, lifecycle.EventPaymentStarted, lifecycle.EventPaymentSucceeded}
		case models.StatusInvoiced:
			events = []lifecycle.Event{lifecycle.EventPaymentStarted, lifecycle.EventPaymentSucceeded}
		case models.StatusPaymentPending, models.StatusPastDue:
			events = []lifecycle.Event{lifecycle.EventPaymentSucceeded}
		}
	case models.StatusQuoteAccepted:
		switch job.Status {
		case models.StatusDraftQuote:
			events = []lifecycle.Event{lifecycle.EventSendQuote, lifecycle.EventAcceptQuote}
		case models.StatusQuoteSent:
			events = []lifecycle.Event{lifecycle.EventAcceptQuote}
		}
	}
	if len(events) == 0 {
		return false, nil
	}
	var ref *lifecycle.BillingRef
	if events[0] == lifecycle.EventSendQuote || events[0] == lifecycle.EventSendInvoice {
		r := billing.RefFromRecord(rec)
		ref = &r
	}
	if _, err := e.chain(ctx, job, events, ref, e.now()); err != nil {
		return false, err
	}
	e.log.Infow("provider record attached", logger.FieldJobID, job.ID, logger.FieldProviderID, rec.ID, logger.FieldStatus, target)
	return true, nil
}

// ReconcileDraft settles a job whose provider draft may have been finalized
// by an attempt that never committed locally. It reports whether the job
// moved.
func (e *Engine) ReconcileDraft(ctx context.Context, jobID string) (bool, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.ProviderDraftID == nil {
		return false, nil
	}
	var ev lifecycle.Event
	switch job.Status {
	case models.StatusDraftQuote:
		ev = lifecycle.EventSendQuote
	case models.StatusCompleted:
		ev = lifecycle.EventSendInvoice
	default:
		return false, nil
	}
	rec, err := e.billing.Provider().Lookup(ctx, *job.ProviderDraftID)
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !rec.Finalized() {
		return false, nil
	}
	ref := billing.RefFromRecord(rec)
	if _, err := e.commit(ctx, job, lifecycle.Input{Event: ev, At: e.now(), Billing: &ref}, ActorSystem); err != nil {
		return false, err
	}
	e.log.Infow("reconciled finalized draft", logger.FieldJobID, job.ID, logger.FieldProviderID, rec.ID)
	return true, nil
}
