package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fieldservice/internal/availability"
	"fieldservice/internal/errors"
	"fieldservice/internal/lifecycle"
	"fieldservice/internal/logger"
	"fieldservice/internal/models"
	"fieldservice/internal/recurrence"
	"fieldservice/internal/store"
	"fieldservice/internal/telemetry"
)

// BookingRequest is a customer's request for work in a slot.
type BookingRequest struct {
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Start           time.Time         `json:"start"`
	DurationMinutes int               `json:"duration_minutes"`
	Recurrence      models.Recurrence `json:"recurrence"`
}

// Book creates a draft_quote job for customerID in the requested slot. The
// slot is checked against capacity and blocked days before the insert and
// again inside the insert transaction.
func (e *Engine) Book(ctx context.Context, customerID string, req BookingRequest) (models.Job, error) {
	if err := e.limiter.Take(ctx, customerID); err != nil {
		telemetry.BookingRejects.WithLabelValues("rate_limited").Inc()
		return models.Job{}, err
	}
	if req.Start.IsZero() || req.DurationMinutes <= 0 {
		return models.Job{}, errors.Wrap(errors.ErrInvalidInput, "a booking needs a start and a positive duration")
	}
	start := req.Start.UTC()
	job, err := e.newJob(customerID, req.Title, req.Description, req.Recurrence, &start, req.DurationMinutes)
	if err != nil {
		return models.Job{}, err
	}
	slotStart, slotEnd, _ := job.Slot()
	slot := lifecycle.Slot{Start: slotStart, End: slotEnd}

	if err := e.checkSlot(ctx, slot); err != nil {
		telemetry.BookingRejects.WithLabelValues(reason(err)).Inc()
		return models.Job{}, err
	}
	if err := e.store.CreateJob(ctx, job, &slot); err != nil {
		if errors.IsAny(err, errors.ErrCapacityExceeded, errors.ErrDateBlocked) {
			telemetry.BookingRejects.WithLabelValues(reason(err)).Inc()
		}
		return models.Job{}, err
	}
	e.log.Infow("booking received", logger.FieldJobID, job.ID, logger.FieldCustomerID, customerID)
	e.notify(ctx, job, lifecycle.Notification{
		Type:     models.EventBookingReceived,
		Audience: lifecycle.AudienceAdmin,
		Payload:  lifecycle.JobPayload(job),
	})
	return job, nil
}

// checkSlot is the read-side availability check. The store repeats it under
// per-day locks when it writes.
func (e *Engine) checkSlot(ctx context.Context, slot lifecycle.Slot) error {
	days := e.avail.Days(slot.Start, slot.End)
	if len(days) == 0 {
		return errors.Wrap(errors.ErrInvalidInput, "slot end must be after start")
	}
	from, to, err := e.dayRange(days[0], days[len(days)-1])
	if err != nil {
		return err
	}
	occ, err := e.store.Occupancy(ctx, from, to)
	if err != nil {
		return err
	}
	blocked, err := e.store.ListBlockedDates(ctx, days[0], days[len(days)-1])
	if err != nil {
		return err
	}
	return e.avail.CheckSlot(slot.Start, slot.End, occ, blocked)
}

// Availability computes booked, pending and blocked days between two day
// keys, inclusive.
func (e *Engine) Availability(ctx context.Context, fromDay, toDay string) (availability.Calendar, error) {
	from, to, err := e.dayRange(fromDay, toDay)
	if err != nil {
		return availability.Calendar{}, err
	}
	occ, err := e.store.Occupancy(ctx, from, to)
	if err != nil {
		return availability.Calendar{}, err
	}
	blocked, err := e.store.ListBlockedDates(ctx, fromDay, toDay)
	if err != nil {
		return availability.Calendar{}, err
	}
	return e.avail.Compute(fromDay, toDay, occ, blocked)
}

// CustomerJobs lists the caller's own jobs.
func (e *Engine) CustomerJobs(ctx context.Context, customerID string) ([]models.Job, error) {
	return e.store.ListJobs(ctx, store.JobFilter{CustomerID: customerID})
}

// CustomerJob returns one of the caller's jobs. Someone else's job is
// reported as not found.
func (e *Engine) CustomerJob(ctx context.Context, customerID, jobID string) (models.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.CustomerID != customerID {
		return models.Job{}, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	return job, nil
}

// QuoteResponse is a customer's answer to a sent quote.
type QuoteResponse string

const (
	QuoteAccept   QuoteResponse = "accept"
	QuoteDecline  QuoteResponse = "decline"
	QuoteRevision QuoteResponse = "request_revision"
)

var quoteEvents = map[QuoteResponse]lifecycle.Event{
	QuoteAccept:   lifecycle.EventAcceptQuote,
	QuoteDecline:  lifecycle.EventDeclineQuote,
	QuoteRevision: lifecycle.EventRequestRevision,
}

// RespondToQuote accepts, declines or asks for a revision of the caller's
// quote.
func (e *Engine) RespondToQuote(ctx context.Context, customerID, jobID string, r QuoteResponse) (models.Job, error) {
	ev, ok := quoteEvents[r]
	if !ok {
		return models.Job{}, errors.Wrapf(errors.ErrInvalidInput, "unknown quote response %q", r)
	}
	job, err := e.CustomerJob(ctx, customerID, jobID)
	if err != nil {
		return models.Job{}, err
	}
	return e.advance(ctx, job, lifecycle.Input{Event: ev, At: e.now()}, Actor(customerID))
}

// ProposeRecurrence opens a recurrence request on the caller's job.
func (e *Engine) ProposeRecurrence(ctx context.Context, customerID, jobID string, p recurrence.Proposal) (models.RecurrenceRequest, error) {
	job, err := e.CustomerJob(ctx, customerID, jobID)
	if err != nil {
		return models.RecurrenceRequest{}, err
	}
	var open *models.RecurrenceRequest
	existing, err := e.store.OpenRecurrenceRequest(ctx, jobID)
	switch {
	case err == nil:
		open = &existing
	case !errors.Is(err, errors.ErrNotFound):
		return models.RecurrenceRequest{}, err
	}

	req, notes, err := recurrence.Propose(uuid.NewString(), job, customerID, p, open, e.now())
	if err != nil {
		return models.RecurrenceRequest{}, err
	}
	if err := e.store.CreateRecurrenceRequest(ctx, req); err != nil {
		return models.RecurrenceRequest{}, err
	}
	e.log.Infow("recurrence proposed", logger.FieldJobID, jobID, logger.FieldRequestID, req.ID)
	for _, n := range notes {
		e.notify(ctx, job, n)
	}
	return req, nil
}

// DecideRecurrence applies an administrator or customer decision to an open
// request. Acceptance writes the compiled rule to the job in the same store
// transaction as the request update.
func (e *Engine) DecideRecurrence(ctx context.Context, requestID string, role recurrence.Role, actorID string, d recurrence.Decision, counter *recurrence.Proposal) (models.RecurrenceRequest, error) {
	req, err := e.store.GetRecurrenceRequest(ctx, requestID)
	if err != nil {
		return models.RecurrenceRequest{}, err
	}
	job, err := e.store.GetJob(ctx, req.JobID)
	if err != nil {
		return models.RecurrenceRequest{}, err
	}
	out, err := recurrence.Decide(job, req, role, actorID, d, counter, e.now())
	if err != nil {
		return models.RecurrenceRequest{}, err
	}
	if err := e.store.DecideRecurrence(ctx, out.Request, req.Status, out.Rule); err != nil {
		return models.RecurrenceRequest{}, err
	}
	if out.Rule != nil {
		job.Recurrence = models.RecurrenceCustom
		job.RecurrenceRule = out.Rule
	}
	e.log.Infow("recurrence decided",
		logger.FieldJobID, job.ID, logger.FieldRequestID, req.ID, logger.FieldStatus, out.Request.Status, "role", role)
	for _, n := range out.Notifications {
		e.notify(ctx, job, n)
	}
	return out.Request, nil
}
