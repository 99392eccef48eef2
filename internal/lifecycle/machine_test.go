package lifecycle

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldservice/internal/errors"
	"fieldservice/internal/models"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// legal mirrors the transition table as written in the product rules; the
// test fails if the table drifts from it.
var legal = map[models.JobStatus]map[Event]models.JobStatus{
	models.StatusDraftQuote:     {EventSendQuote: models.StatusQuoteSent},
	models.StatusQuoteSent:      {EventAcceptQuote: models.StatusQuoteAccepted, EventDeclineQuote: models.StatusQuoteDeclined, EventExpireQuote: models.StatusQuoteExpired, EventRequestRevision: models.StatusDraftQuote},
	models.StatusQuoteAccepted:  {EventSchedule: models.StatusScheduled},
	models.StatusScheduled:      {EventStart: models.StatusInProgress},
	models.StatusInProgress:     {EventComplete: models.StatusCompleted},
	models.StatusCompleted:      {EventSendInvoice: models.StatusInvoiced},
	models.StatusInvoiced:       {EventPaymentStarted: models.StatusPaymentPending, EventMarkPastDue: models.StatusPastDue, EventMarkPaid: models.StatusPaid},
	models.StatusPaymentPending: {EventPaymentSucceeded: models.StatusPaid, EventMarkPastDue: models.StatusPastDue, EventMarkPaid: models.StatusPaid},
	models.StatusPastDue:        {EventPaymentSucceeded: models.StatusPaid, EventMarkPaid: models.StatusPaid},
}

func expected(from models.JobStatus, ev Event) (models.JobStatus, bool) {
	if ev == EventCancel {
		return models.StatusCancelled, from != models.StatusPaid && from != models.StatusCancelled
	}
	to, ok := legal[from][ev]
	return to, ok
}

func TestNextCoversEveryPair(t *testing.T) {
	for _, from := range models.AllStatuses {
		for _, ev := range Events() {
			t.Run(fmt.Sprintf("%s/%s", from, ev), func(t *testing.T) {
				want, ok := expected(from, ev)
				got, err := Next(from, ev)
				if !ok {
					require.Error(t, err)
					assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
					var ite *errors.InvalidTransitionError
					require.True(t, errors.As(err, &ite))
					assert.Equal(t, string(from), ite.From)
					assert.Equal(t, string(ev), ite.Event)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, want, got)
			})
		}
	}
}

func TestApplyRejectedLeavesJobUntouched(t *testing.T) {
	m := New(DefaultPolicy())
	job := models.Job{ID: "j1", Status: models.StatusPaid, UpdatedAt: now.Add(-time.Hour)}

	_, err := m.Apply(job, Input{Event: EventCancel, At: now})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	assert.Equal(t, models.StatusPaid, job.Status)
	assert.Equal(t, now.Add(-time.Hour), job.UpdatedAt)
}

func TestPermitted(t *testing.T) {
	assert.Equal(t, []Event{EventSendQuote, EventCancel}, Permitted(models.StatusDraftQuote))
	assert.Empty(t, Permitted(models.StatusPaid))
}

func billableJob(status models.JobStatus) models.Job {
	return models.Job{
		ID:               "job-1",
		CustomerID:       "cust-1",
		Title:            "Gutter cleaning",
		Status:           status,
		LineItems:        []models.LineItem{{ID: "li-1", UnitAmountCents: 10000, Quantity: 1}},
		TotalAmountCents: 10000,
	}
}

func TestSendQuoteRequiresLineItemAndProviderID(t *testing.T) {
	m := New(DefaultPolicy())

	empty := billableJob(models.StatusDraftQuote)
	empty.LineItems = nil
	_, err := m.Apply(empty, Input{Event: EventSendQuote, At: now, Billing: &BillingRef{ProviderID: "q_1"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = m.Apply(billableJob(models.StatusDraftQuote), Input{Event: EventSendQuote, At: now})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestSendQuoteStampsProviderAndDeadline(t *testing.T) {
	m := New(Policy{QuoteValidity: 48 * time.Hour})
	job := billableJob(models.StatusDraftQuote)
	draft := "draft_1"
	job.ProviderDraftID = &draft

	res, err := m.Apply(job, Input{Event: EventSendQuote, At: now, Billing: &BillingRef{ProviderID: "q_1", HostedURL: "https://pay.example/q_1"}})
	require.NoError(t, err)

	assert.Equal(t, models.StatusQuoteSent, res.Job.Status)
	require.NotNil(t, res.Job.ProviderQuoteID)
	assert.Equal(t, "q_1", *res.Job.ProviderQuoteID)
	assert.Nil(t, res.Job.ProviderDraftID)
	require.NotNil(t, res.Job.DueAt)
	assert.Equal(t, now.Add(48*time.Hour), *res.Job.DueAt)

	notes := OfKind(res.Effects, EffectNotify)
	require.Len(t, notes, 1)
	assert.Equal(t, models.EventQuoteSent, notes[0].Notify.Type)
	assert.Equal(t, AudienceCustomer, notes[0].Notify.Audience)
	assert.Equal(t, "https://pay.example/q_1", notes[0].Notify.Payload["hosted_url"])

	// input job is not aliased
	assert.Equal(t, models.StatusDraftQuote, job.Status)
	assert.Equal(t, &draft, job.ProviderDraftID)
}

func TestSendInvoiceUsesProviderDueDate(t *testing.T) {
	m := New(DefaultPolicy())
	due := now.Add(10 * 24 * time.Hour)

	res, err := m.Apply(billableJob(models.StatusCompleted), Input{Event: EventSendInvoice, At: now, Billing: &BillingRef{ProviderID: "in_1", DueAt: &due}})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInvoiced, res.Job.Status)
	assert.Equal(t, "in_1", *res.Job.ProviderInvoiceID)
	assert.Equal(t, due, *res.Job.DueAt)
}

func TestScheduleBooksSlotAndClearsDueAt(t *testing.T) {
	m := New(DefaultPolicy())
	job := billableJob(models.StatusQuoteAccepted)
	quoteDue := now.Add(24 * time.Hour)
	job.DueAt = &quoteDue

	start := now.Add(72 * time.Hour)
	res, err := m.Apply(job, Input{Event: EventSchedule, At: now, Slot: &Slot{Start: start, End: start.Add(4 * time.Hour)}})
	require.NoError(t, err)

	assert.Equal(t, models.StatusScheduled, res.Job.Status)
	assert.Nil(t, res.Job.DueAt)
	assert.Equal(t, 240, res.Job.DurationMinutes)
	books := OfKind(res.Effects, EffectBookSlot)
	require.Len(t, books, 1)
	assert.Equal(t, start, books[0].Slot.Start)
}

func TestScheduleFallsBackToRequestedSlot(t *testing.T) {
	m := New(DefaultPolicy())
	job := billableJob(models.StatusQuoteAccepted)
	start := now.Add(48 * time.Hour)
	job.ScheduledStart = &start
	job.DurationMinutes = 120

	res, err := m.Apply(job, Input{Event: EventSchedule, At: now})
	require.NoError(t, err)
	assert.Equal(t, start.Add(2*time.Hour), OfKind(res.Effects, EffectBookSlot)[0].Slot.End)

	job.ScheduledStart = nil
	_, err = m.Apply(job, Input{Event: EventSchedule, At: now})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestCancelReleasesSlotOnlyWhenBooked(t *testing.T) {
	m := New(DefaultPolicy())
	start := now.Add(time.Hour)

	scheduled := billableJob(models.StatusScheduled)
	scheduled.ScheduledStart = &start
	scheduled.DurationMinutes = 60
	res, err := m.Apply(scheduled, Input{Event: EventCancel, At: now})
	require.NoError(t, err)
	assert.Len(t, OfKind(res.Effects, EffectReleaseSlot), 1)

	res, err = m.Apply(billableJob(models.StatusQuoteSent), Input{Event: EventCancel, At: now})
	require.NoError(t, err)
	assert.Empty(t, OfKind(res.Effects, EffectReleaseSlot))
	assert.Equal(t, models.StatusCancelled, res.Job.Status)
}

func TestRequestRevisionClearsProviderQuote(t *testing.T) {
	m := New(DefaultPolicy())
	job := billableJob(models.StatusQuoteSent)
	q := "q_9"
	job.ProviderQuoteID = &q

	res, err := m.Apply(job, Input{Event: EventRequestRevision, At: now})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraftQuote, res.Job.Status)
	assert.Nil(t, res.Job.ProviderQuoteID)
	assert.Equal(t, models.EventRevisionRequested, OfKind(res.Effects, EffectNotify)[0].Notify.Type)
}

func TestMarkPaidNeedsProviderConfirmation(t *testing.T) {
	m := New(DefaultPolicy())
	_, err := m.Apply(billableJob(models.StatusPastDue), Input{Event: EventMarkPaid, At: now})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	res, err := m.Apply(billableJob(models.StatusPastDue), Input{Event: EventMarkPaid, At: now, Billing: &BillingRef{ProviderID: "in_1"}})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, res.Job.Status)
}

func TestPrerequisiteFor(t *testing.T) {
	assert.Equal(t, PrereqFinalizeQuote, PrerequisiteFor(EventSendQuote))
	assert.Equal(t, PrereqFinalizeInvoice, PrerequisiteFor(EventSendInvoice))
	assert.Equal(t, PrereqMarkPaid, PrerequisiteFor(EventMarkPaid))
	assert.Equal(t, PrereqNone, PrerequisiteFor(EventStart))
}
