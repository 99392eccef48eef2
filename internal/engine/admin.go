package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"fieldservice/internal/errors"
	"fieldservice/internal/lifecycle"
	"fieldservice/internal/logger"
	"fieldservice/internal/models"
	"fieldservice/internal/recurrence"
	"fieldservice/internal/store"
)

// editableStatuses accept line-item changes. A quote_sent job has a
// finalized provider quote; later statuses are billed from the items
// present at completion.
var editableStatuses = []models.JobStatus{
	models.StatusDraftQuote,
	models.StatusQuoteAccepted,
	models.StatusScheduled,
	models.StatusInProgress,
	models.StatusCompleted,
}

// NewLineItem is an item as supplied by an administrator.
type NewLineItem struct {
	Description     string `json:"description"`
	UnitAmountCents int64  `json:"unit_amount_cents"`
	Quantity        int64  `json:"quantity"`
}

func (n NewLineItem) validate() error {
	if strings.TrimSpace(n.Description) == "" {
		return errors.Wrap(errors.ErrInvalidInput, "line item description is required")
	}
	if n.UnitAmountCents < 0 {
		return errors.Wrap(errors.ErrInvalidInput, "unit amount must not be negative")
	}
	if n.Quantity <= 0 {
		return errors.Wrap(errors.ErrInvalidInput, "quantity must be positive")
	}
	if _, ok := models.CheckedAmount(n.UnitAmountCents, n.Quantity); !ok {
		return errors.Wrapf(errors.ErrInvalidInput, "line amount exceeds %d cents", models.MaxTotalCents)
	}
	return nil
}

func checkedTotal(items []models.LineItem) (int64, error) {
	total, ok := models.CheckedTotal(items)
	if !ok {
		return 0, errors.Wrapf(errors.ErrInvalidInput, "job total exceeds %d cents", models.MaxTotalCents)
	}
	return total, nil
}

func (n NewLineItem) build(jobID string, now time.Time) models.LineItem {
	return models.LineItem{
		ID:              uuid.NewString(),
		JobID:           jobID,
		Description:     strings.TrimSpace(n.Description),
		UnitAmountCents: n.UnitAmountCents,
		Quantity:        n.Quantity,
		CreatedAt:       now,
	}
}

// NewJob is an administrator-created job.
type NewJob struct {
	CustomerID      string            `json:"customer_id"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Recurrence      models.Recurrence `json:"recurrence"`
	ScheduledStart  *time.Time        `json:"scheduled_start,omitempty"`
	DurationMinutes int               `json:"duration_minutes"`
	LineItems       []NewLineItem     `json:"line_items"`
}

func (e *Engine) newJob(customerID, title, description string, rec models.Recurrence, start *time.Time, minutes int) (models.Job, error) {
	if strings.TrimSpace(customerID) == "" {
		return models.Job{}, errors.Wrap(errors.ErrInvalidInput, "customer id is required")
	}
	if strings.TrimSpace(title) == "" {
		return models.Job{}, errors.Wrap(errors.ErrInvalidInput, "title is required")
	}
	if minutes < 0 {
		return models.Job{}, errors.Wrap(errors.ErrInvalidInput, "duration must not be negative")
	}
	if start != nil && minutes == 0 {
		return models.Job{}, errors.Wrap(errors.ErrInvalidInput, "a start time needs a duration")
	}
	rule, err := recurrence.Preset(rec)
	if err != nil {
		return models.Job{}, err
	}
	if rec == "" {
		rec = models.RecurrenceNone
	}
	now := e.now()
	job := models.Job{
		ID:              uuid.NewString(),
		CustomerID:      customerID,
		Title:           strings.TrimSpace(title),
		Description:     description,
		Status:          models.StatusDraftQuote,
		Recurrence:      rec,
		RecurrenceRule:  rule,
		DurationMinutes: minutes,
		LineItems:       []models.LineItem{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if start != nil {
		s := start.UTC()
		job.ScheduledStart = &s
	}
	return job, nil
}

// CreateJob inserts a draft_quote job. A requested start is recorded but no
// calendar slot is booked until the job is scheduled.
func (e *Engine) CreateJob(ctx context.Context, in NewJob, actor Actor) (models.Job, error) {
	job, err := e.newJob(in.CustomerID, in.Title, in.Description, in.Recurrence, in.ScheduledStart, in.DurationMinutes)
	if err != nil {
		return models.Job{}, err
	}
	for _, n := range in.LineItems {
		if err := n.validate(); err != nil {
			return models.Job{}, err
		}
		job.LineItems = append(job.LineItems, n.build(job.ID, job.CreatedAt))
	}
	if job.TotalAmountCents, err = checkedTotal(job.LineItems); err != nil {
		return models.Job{}, err
	}

	if err := e.store.CreateJob(ctx, job, nil); err != nil {
		return models.Job{}, err
	}
	e.log.Infow("job created", logger.FieldJobID, job.ID, logger.FieldCustomerID, job.CustomerID, "actor", actor)
	return job, nil
}

// AddLineItem adds an item to an editable job. When a provider draft exists
// the item is created there first and its provider id stored locally.
func (e *Engine) AddLineItem(ctx context.Context, jobID string, in NewLineItem) (models.Job, error) {
	if err := in.validate(); err != nil {
		return models.Job{}, err
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !lo.Contains(editableStatuses, job.Status) {
		return models.Job{}, errors.Wrapf(errors.ErrAlreadyFinalized, "job %s is %s", job.ID, job.Status)
	}

	item := in.build(job.ID, e.now())
	if _, err := checkedTotal(append(job.LineItems, item)); err != nil {
		return models.Job{}, err
	}
	providerItemID, err := e.billing.MirrorAdd(ctx, job, item)
	if err != nil {
		e.providerFailure(ctx, job, "add_line_item", err)
		return models.Job{}, err
	}
	item.ProviderItemID = providerItemID

	next, err := e.store.AddLineItem(ctx, item, job.ProviderDraftID, editableStatuses)
	if err != nil && providerItemID != nil {
		if derr := e.billing.MirrorDelete(ctx, job, item); derr != nil {
			e.log.Errorw("orphaned provider line item",
				logger.FieldJobID, job.ID, logger.FieldProviderID, *providerItemID, logger.FieldError, derr)
		}
	}
	return next, err
}

// DeleteLineItem removes an item from an editable job, provider side first.
func (e *Engine) DeleteLineItem(ctx context.Context, jobID, itemID string) (models.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !lo.Contains(editableStatuses, job.Status) {
		return models.Job{}, errors.Wrapf(errors.ErrAlreadyFinalized, "job %s is %s", job.ID, job.Status)
	}
	item, ok := lo.Find(job.LineItems, func(li models.LineItem) bool { return li.ID == itemID })
	if !ok {
		return models.Job{}, errors.Wrapf(errors.ErrNotFound, "line item %s", itemID)
	}
	if err := e.billing.MirrorDelete(ctx, job, item); err != nil {
		e.providerFailure(ctx, job, "delete_line_item", err)
		return models.Job{}, err
	}
	return e.store.DeleteLineItem(ctx, jobID, itemID, job.ProviderDraftID, editableStatuses)
}

// SendQuote finalizes the job's quote with the provider and moves it to
// quote_sent.
func (e *Engine) SendQuote(ctx context.Context, jobID string, actor Actor) (models.Job, error) {
	return e.Transition(ctx, jobID, lifecycle.EventSendQuote, nil, actor)
}

// SendInvoice creates and finalizes the invoice for a completed job.
func (e *Engine) SendInvoice(ctx context.Context, jobID string, actor Actor) (models.Job, error) {
	return e.Transition(ctx, jobID, lifecycle.EventSendInvoice, nil, actor)
}

// Schedule books the slot of an accepted job. With slot nil the job's
// requested start and duration are used.
func (e *Engine) Schedule(ctx context.Context, jobID string, slot *lifecycle.Slot, actor Actor) (models.Job, error) {
	return e.Transition(ctx, jobID, lifecycle.EventSchedule, slot, actor)
}

// MarkPaid records an out-of-band payment with the provider, then locally.
func (e *Engine) MarkPaid(ctx context.Context, jobID string, actor Actor) (models.Job, error) {
	return e.Transition(ctx, jobID, lifecycle.EventMarkPaid, nil, actor)
}

// Cancel cancels any unpaid job, releasing its calendar slot.
func (e *Engine) Cancel(ctx context.Context, jobID string, actor Actor) (models.Job, error) {
	return e.Transition(ctx, jobID, lifecycle.EventCancel, nil, actor)
}

// ListJobs is the administrator job list.
func (e *Engine) ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error) {
	return e.store.ListJobs(ctx, f)
}

// Audit returns a job's audit trail.
func (e *Engine) Audit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.store.ListAudit(ctx, jobID)
}

// BlockDate excludes day from booking.
func (e *Engine) BlockDate(ctx context.Context, day, reason string, actor Actor) (models.BlockedDate, error) {
	if _, _, err := e.avail.DayBounds(day); err != nil {
		return models.BlockedDate{}, err
	}
	b := models.BlockedDate{Day: day, Reason: reason, CreatedBy: string(actor), CreatedAt: e.now()}
	created, err := e.store.BlockDate(ctx, b)
	if err != nil {
		return models.BlockedDate{}, err
	}
	if created {
		e.log.Infow("date blocked", "day", day, "actor", actor)
	}
	return b, nil
}

// UnblockDate reopens day for booking.
func (e *Engine) UnblockDate(ctx context.Context, day string) error {
	return e.store.UnblockDate(ctx, day)
}

// AddPersonalEvent puts an administrator entry on the calendar. It is
// informational and does not consume booking capacity.
func (e *Engine) AddPersonalEvent(ctx context.Context, title string, start, end time.Time) (models.CalendarEvent, error) {
	if !end.After(start) {
		return models.CalendarEvent{}, errors.Wrap(errors.ErrInvalidInput, "event end must be after start")
	}
	ev := models.CalendarEvent{
		ID:        uuid.NewString(),
		Type:      models.CalendarEventPersonal,
		Title:     title,
		Start:     start.UTC(),
		End:       end.UTC(),
		CreatedAt: e.now(),
	}
	return ev, e.store.AddPersonalEvent(ctx, ev)
}

// DeletePersonalEvent removes an administrator calendar entry.
func (e *Engine) DeletePersonalEvent(ctx context.Context, id string) error {
	return e.store.DeletePersonalEvent(ctx, id)
}

// CalendarEvents lists materialized events between two day keys, inclusive.
func (e *Engine) CalendarEvents(ctx context.Context, fromDay, toDay string) ([]models.CalendarEvent, error) {
	from, to, err := e.dayRange(fromDay, toDay)
	if err != nil {
		return nil, err
	}
	return e.store.ListCalendarEvents(ctx, from, to)
}

func (e *Engine) dayRange(fromDay, toDay string) (time.Time, time.Time, error) {
	from, _, err := e.avail.DayBounds(fromDay)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	_, to, err := e.avail.DayBounds(toDay)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.Wrapf(errors.ErrInvalidInput, "range %s..%s is empty", fromDay, toDay)
	}
	return from, to, nil
}

// RecurrenceWorklist lists open requests for administrators.
func (e *Engine) RecurrenceWorklist(ctx context.Context, limit int) ([]models.RecurrenceRequest, error) {
	return e.store.ListRecurrenceRequests(ctx, []models.RecurrenceStatus{models.RecurrencePending, models.RecurrenceCountered}, limit)
}

// Preferences returns a recipient's notification settings.
func (e *Engine) Preferences(ctx context.Context, recipientID string) (models.NotificationPreferences, error) {
	return e.store.GetPreferences(ctx, recipientID)
}

// SetPreferences replaces a recipient's notification settings.
func (e *Engine) SetPreferences(ctx context.Context, p models.NotificationPreferences) error {
	if strings.TrimSpace(p.RecipientID) == "" {
		return errors.Wrap(errors.ErrInvalidInput, "recipient id is required")
	}
	return e.store.PutPreferences(ctx, p)
}
