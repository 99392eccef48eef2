package models

import (
	"time"

	"github.com/samber/lo"
)

// JobStatus enumerates lifecycle states persisted in Postgres. The set is
// closed; transitions between them live in the lifecycle package.
type JobStatus string

const (
	StatusDraftQuote     JobStatus = "draft_quote"
	StatusQuoteSent      JobStatus = "quote_sent"
	StatusQuoteAccepted  JobStatus = "quote_accepted"
	StatusQuoteDeclined  JobStatus = "quote_declined"
	StatusQuoteExpired   JobStatus = "quote_expired"
	StatusScheduled      JobStatus = "scheduled"
	StatusInProgress     JobStatus = "in_progress"
	StatusCompleted      JobStatus = "completed"
	StatusInvoiced       JobStatus = "invoiced"
	StatusPaymentPending JobStatus = "payment_pending"
	StatusPaid           JobStatus = "paid"
	StatusPastDue        JobStatus = "past_due"
	StatusCancelled      JobStatus = "cancelled"
)

// AllStatuses lists every JobStatus in lifecycle order.
var AllStatuses = []JobStatus{
	StatusDraftQuote,
	StatusQuoteSent,
	StatusQuoteAccepted,
	StatusQuoteDeclined,
	StatusQuoteExpired,
	StatusScheduled,
	StatusInProgress,
	StatusCompleted,
	StatusInvoiced,
	StatusPaymentPending,
	StatusPaid,
	StatusPastDue,
	StatusCancelled,
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	return lo.Contains(AllStatuses, s)
}

// Recurrence is the coarse repeat setting of a job.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
	RecurrenceCustom  Recurrence = "custom"
)

// Job is the aggregate root: one unit of billable work.
type Job struct {
	ID                string     `json:"id"`
	CustomerID        string     `json:"customer_id"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Status            JobStatus  `json:"status"`
	Recurrence        Recurrence `json:"recurrence"`
	RecurrenceRule    *string    `json:"recurrence_rule,omitempty"`
	TotalAmountCents  int64      `json:"total_amount_cents"`
	ScheduledStart    *time.Time `json:"scheduled_start,omitempty"`
	DurationMinutes   int        `json:"duration_minutes"`
	DueAt             *time.Time `json:"due_at,omitempty"`
	ProviderDraftID   *string    `json:"provider_draft_id,omitempty"`
	ProviderQuoteID   *string    `json:"provider_quote_id,omitempty"`
	ProviderInvoiceID *string    `json:"provider_invoice_id,omitempty"`
	HostedURL         *string    `json:"hosted_url,omitempty"`
	LineItems         []LineItem `json:"line_items"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Slot returns the occupied interval of the job, if it has a start.
func (j Job) Slot() (start, end time.Time, ok bool) {
	if j.ScheduledStart == nil || j.DurationMinutes <= 0 {
		return time.Time{}, time.Time{}, false
	}
	start = *j.ScheduledStart
	return start, start.Add(time.Duration(j.DurationMinutes) * time.Minute), true
}

// LineItem is one billable component of a job.
type LineItem struct {
	ID              string    `json:"id"`
	JobID           string    `json:"job_id"`
	Description     string    `json:"description"`
	UnitAmountCents int64     `json:"unit_amount_cents"`
	Quantity        int64     `json:"quantity"`
	ProviderItemID  *string   `json:"provider_item_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// AmountCents is unit price times quantity.
func (li LineItem) AmountCents() int64 {
	return li.UnitAmountCents * li.Quantity
}

// TotalCents sums the line items. Job.TotalAmountCents must always equal this.
func TotalCents(items []LineItem) int64 {
	return lo.SumBy(items, LineItem.AmountCents)
}

// MaxTotalCents caps every line amount and every job total.
const MaxTotalCents int64 = 10_000_000_000_000

// CheckedAmount is unit times qty, or false when either is negative or the
// product passes MaxTotalCents.
func CheckedAmount(unit, qty int64) (int64, bool) {
	if unit < 0 || qty < 0 {
		return 0, false
	}
	if qty != 0 && unit > MaxTotalCents/qty {
		return 0, false
	}
	return unit * qty, true
}

// CheckedTotal is TotalCents that fails instead of wrapping.
func CheckedTotal(items []LineItem) (int64, bool) {
	var total int64
	for _, li := range items {
		amt, ok := CheckedAmount(li.UnitAmountCents, li.Quantity)
		if !ok || total > MaxTotalCents-amt {
			return 0, false
		}
		total += amt
	}
	return total, true
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
