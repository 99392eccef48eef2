// Package engine runs job lifecycle operations end to end.
//
// The lifecycle package decides what a transition does; this package makes
// it happen across three systems that fail independently. Provider work
// always runs first and its durable identifier is handed to the state
// machine. The local status change, calendar writes and audit row then
// commit in one store transaction guarded by compare-and-swap on the prior
// status. Notifications are enqueued last and never roll anything back.
package engine

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"fieldservice/internal/archive"
	"fieldservice/internal/availability"
	"fieldservice/internal/billing"
	"fieldservice/internal/errors"
	"fieldservice/internal/lifecycle"
	"fieldservice/internal/logger"
	"fieldservice/internal/models"
	"fieldservice/internal/notify"
	"fieldservice/internal/ratelimit"
	"fieldservice/internal/recurrence"
	"fieldservice/internal/store"
	"fieldservice/internal/telemetry"
)

// Store is the relational store as the engine uses it. *store.Store
// implements it.
type Store interface {
	billing.DraftStore

	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error)
	CreateJob(ctx context.Context, job models.Job, check *lifecycle.Slot) error
	Commit(ctx context.Context, t store.Transition) error
	AddLineItem(ctx context.Context, item models.LineItem, draftID *string, editable []models.JobStatus) (models.Job, error)
	DeleteLineItem(ctx context.Context, jobID, itemID string, draftID *string, editable []models.JobStatus) (models.Job, error)
	FindByProviderID(ctx context.Context, providerID string) (models.Job, error)
	ImportJob(ctx context.Context, job models.Job) (bool, error)
	Occupancy(ctx context.Context, from, to time.Time) ([]availability.Occupancy, error)
	DueJobIDs(ctx context.Context, statuses []models.JobStatus, cutoff time.Time, limit int) ([]string, error)
	StaleDraftIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	BlockDate(ctx context.Context, b models.BlockedDate) (bool, error)
	UnblockDate(ctx context.Context, day string) error
	ListBlockedDates(ctx context.Context, fromDay, toDay string) ([]models.BlockedDate, error)
	AddPersonalEvent(ctx context.Context, ev models.CalendarEvent) error
	DeletePersonalEvent(ctx context.Context, id string) error
	ListCalendarEvents(ctx context.Context, from, to time.Time) ([]models.CalendarEvent, error)

	CreateRecurrenceRequest(ctx context.Context, r models.RecurrenceRequest) error
	GetRecurrenceRequest(ctx context.Context, id string) (models.RecurrenceRequest, error)
	OpenRecurrenceRequest(ctx context.Context, jobID string) (models.RecurrenceRequest, error)
	ListRecurrenceRequests(ctx context.Context, statuses []models.RecurrenceStatus, limit int) ([]models.RecurrenceRequest, error)
	DecideRecurrence(ctx context.Context, r models.RecurrenceRequest, expect models.RecurrenceStatus, rule *string) error

	GetPreferences(ctx context.Context, recipientID string) (models.NotificationPreferences, error)
	PutPreferences(ctx context.Context, p models.NotificationPreferences) error

	AppendAudit(ctx context.Context, jobID, event, detail string) error
	ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error)
	ClaimWebhook(ctx context.Context, id, typ string, at time.Time) (bool, error)
	ReleaseWebhook(ctx context.Context, id string) error
	Cursor(ctx context.Context, name string) (string, error)
	SetCursor(ctx context.Context, name, cursor string) error
}

// Options are the engine's non-collaborator settings.
type Options struct {
	AdminRecipientID string
	WebhookSecret    string
}

// Deps are the engine's collaborators. Limiter and Archive may be nil.
type Deps struct {
	Store     Store
	Machine   *lifecycle.Machine
	Avail     *availability.Engine
	Billing   *billing.Sync
	Publisher notify.Publisher
	Limiter   *ratelimit.BookingLimiter
	Archive   archive.Archiver
	Log       *zap.SugaredLogger
}

// Engine is safe for concurrent use; it holds no per-job state.
type Engine struct {
	store     Store
	machine   *lifecycle.Machine
	avail     *availability.Engine
	billing   *billing.Sync
	publisher notify.Publisher
	limiter   *ratelimit.BookingLimiter
	archive   archive.Archiver
	log       *zap.SugaredLogger
	opts      Options
	now       func() time.Time
}

// New wires an Engine.
func New(d Deps, opts Options) *Engine {
	arch := d.Archive
	if arch == nil {
		arch = archive.Discard{}
	}
	if opts.AdminRecipientID == "" {
		opts.AdminRecipientID = "admin"
	}
	return &Engine{
		store:     d.Store,
		machine:   d.Machine,
		avail:     d.Avail,
		billing:   d.Billing,
		publisher: d.Publisher,
		limiter:   d.Limiter,
		archive:   arch,
		log:       logger.Component(d.Log, "engine"),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Actor identifies who caused a change, for the audit trail.
type Actor string

// ActorSystem is recorded for sweep, import and webhook transitions.
const ActorSystem Actor = "system"

// advance runs the provider prerequisite of in.Event, if any, then commits.
func (e *Engine) advance(ctx context.Context, job models.Job, in lifecycle.Input, actor Actor) (models.Job, error) {
	if _, err := lifecycle.Next(job.Status, in.Event); err != nil {
		telemetry.TransitionRejects.WithLabelValues(string(in.Event), "invalid_transition").Inc()
		return models.Job{}, err
	}

	var (
		ref lifecycle.BillingRef
		err error
	)
	switch lifecycle.PrerequisiteFor(in.Event) {
	case lifecycle.PrereqFinalizeQuote, lifecycle.PrereqFinalizeInvoice:
		ref, err = e.billing.Finalize(ctx, job)
	case lifecycle.PrereqMarkPaid:
		ref, err = e.billing.MarkPaid(ctx, job)
	default:
		return e.commit(ctx, job, in, actor)
	}
	if err != nil {
		e.providerFailure(ctx, job, in.Event, err)
		return models.Job{}, err
	}
	in.Billing = &ref

	next, err := e.commit(ctx, job, in, actor)
	if err != nil {
		// The provider record exists; the reconcile sweep or the next import
		// attaches it by id.
		e.log.Errorw("local write failed after provider success",
			logger.FieldJobID, job.ID, logger.FieldProviderID, ref.ProviderID,
			logger.FieldEvent, in.Event, logger.FieldError, err)
	}
	return next, err
}

// commit applies in to job and persists the result with its calendar writes.
// Provider work, if any, must already be reflected in in.Billing.
func (e *Engine) commit(ctx context.Context, job models.Job, in lifecycle.Input, actor Actor) (models.Job, error) {
	if in.At.IsZero() {
		in.At = e.now()
	}
	res, err := e.machine.Apply(job, in)
	if err != nil {
		telemetry.TransitionRejects.WithLabelValues(string(in.Event), reason(err)).Inc()
		return models.Job{}, err
	}

	t := store.Transition{Job: res.Job, From: res.From, Event: string(res.Event), Actor: string(actor)}
	switch lifecycle.PrerequisiteFor(in.Event) {
	case lifecycle.PrereqFinalizeQuote, lifecycle.PrereqFinalizeInvoice:
		// The provider record was built from these items.
		t.Items = lo.Map(job.LineItems, func(li models.LineItem, _ int) string { return li.ID })
	}
	for _, eff := range res.Effects {
		switch eff.Kind {
		case lifecycle.EffectBookSlot:
			t.Book = eff.Slot
		case lifecycle.EffectReleaseSlot:
			t.Release = true
		}
	}
	if err := e.store.Commit(ctx, t); err != nil {
		telemetry.TransitionRejects.WithLabelValues(string(in.Event), reason(err)).Inc()
		return models.Job{}, err
	}
	telemetry.Transitions.WithLabelValues(string(res.From), string(res.To)).Inc()
	e.log.Infow("job transitioned",
		logger.FieldJobID, job.ID, logger.FieldFrom, res.From, logger.FieldTo, res.To, logger.FieldEvent, res.Event)

	for _, eff := range lifecycle.OfKind(res.Effects, lifecycle.EffectNotify) {
		e.notify(ctx, res.Job, *eff.Notify)
	}
	return res.Job, nil
}

// providerFailure records a failed provider prerequisite. The job is left as
// it was so the same transition can be retried.
func (e *Engine) providerFailure(ctx context.Context, job models.Job, ev lifecycle.Event, err error) {
	telemetry.TransitionRejects.WithLabelValues(string(ev), reason(err)).Inc()
	if !errors.IsProviderFailure(err) {
		return
	}
	e.log.Warnw("billing provider call failed", logger.FieldJobID, job.ID, logger.FieldEvent, ev, logger.FieldError, err)
	if aerr := e.store.AppendAudit(ctx, job.ID, "provider_failure", string(ev)+": "+err.Error()); aerr != nil {
		e.log.Warnw("audit write failed", logger.FieldJobID, job.ID, logger.FieldError, aerr)
	}
}

// notify enqueues n for its audience. Enqueue failures are logged; the
// transition that produced n is already durable.
func (e *Engine) notify(ctx context.Context, job models.Job, n lifecycle.Notification) {
	recipient := job.CustomerID
	if n.Audience == lifecycle.AudienceAdmin {
		recipient = e.opts.AdminRecipientID
	}
	payload := n.Payload
	if payload == nil {
		payload = lifecycle.JobPayload(job)
		if sched := recurrence.DescribeStored(job.RecurrenceRule); sched != "" {
			payload["schedule"] = sched
		}
	}
	if err := e.publisher.Enqueue(ctx, n.Type, recipient, nil, payload); err != nil {
		e.log.Errorw("notification enqueue failed",
			logger.FieldJobID, job.ID, logger.FieldEvent, n.Type, logger.FieldRecipientID, recipient, logger.FieldError, err)
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, errors.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, errors.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, errors.ErrDateBlocked):
		return "date_blocked"
	case errors.Is(err, errors.ErrConflict):
		return "conflict"
	case errors.Is(err, errors.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, errors.ErrNotFound):
		return "not_found"
	case errors.Is(err, errors.ErrAlreadyFinalized):
		return "already_finalized"
	case errors.Is(err, errors.ErrProviderOutcomeUnknown):
		return "provider_outcome_unknown"
	case errors.Is(err, errors.ErrProviderUnavailable):
		return "provider_unavailable"
	}
	return "error"
}

// Transition fires ev on jobID. slot is only read by schedule.
func (e *Engine) Transition(ctx context.Context, jobID string, ev lifecycle.Event, slot *lifecycle.Slot, actor Actor) (models.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	return e.advance(ctx, job, lifecycle.Input{Event: ev, At: e.now(), Slot: slot}, actor)
}

// Job returns a job by id.
func (e *Engine) Job(ctx context.Context, id string) (models.Job, error) {
	return e.store.GetJob(ctx, id)
}
