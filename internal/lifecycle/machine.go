// Package lifecycle is the Job/Quote/Invoice state machine.
//
// Every transition is a pure function of the current Job and an Input. It
// returns the next Job value and the effects the caller must execute; nothing
// here touches the network or the database. Transitions that need the
// billing provider to succeed first declare it through Prerequisite, and
// Apply refuses them until the caller supplies the provider's durable
// identifier in Input.Billing.
package lifecycle

import (
	"time"

	"github.com/samber/lo"

	"fieldservice/internal/errors"
	"fieldservice/internal/models"
)

// Event is a request to move a job forward.
type Event string

const (
	EventSendQuote        Event = "send_quote"
	EventAcceptQuote      Event = "accept_quote"
	EventDeclineQuote     Event = "decline_quote"
	EventExpireQuote      Event = "expire_quote"
	EventRequestRevision  Event = "request_revision"
	EventSchedule         Event = "schedule"
	EventStart            Event = "start"
	EventComplete         Event = "complete"
	EventSendInvoice      Event = "send_invoice"
	EventPaymentStarted   Event = "payment_started"
	EventPaymentSucceeded Event = "payment_succeeded"
	EventMarkPastDue      Event = "mark_past_due"
	EventMarkPaid         Event = "mark_paid"
	EventCancel           Event = "cancel"
)

type edges map[Event]models.JobStatus

// table is the complete set of legal transitions. Anything absent is
// rejected with errors.ErrInvalidTransition.
var table = map[models.JobStatus]edges{
	models.StatusDraftQuote: {
		EventSendQuote: models.StatusQuoteSent,
		EventCancel:    models.StatusCancelled,
	},
	models.StatusQuoteSent: {
		EventAcceptQuote:     models.StatusQuoteAccepted,
		EventDeclineQuote:    models.StatusQuoteDeclined,
		EventExpireQuote:     models.StatusQuoteExpired,
		EventRequestRevision: models.StatusDraftQuote,
		EventCancel:          models.StatusCancelled,
	},
	models.StatusQuoteAccepted: {
		EventSchedule: models.StatusScheduled,
		EventCancel:   models.StatusCancelled,
	},
	models.StatusQuoteDeclined: {
		EventCancel: models.StatusCancelled,
	},
	models.StatusQuoteExpired: {
		EventCancel: models.StatusCancelled,
	},
	models.StatusScheduled: {
		EventStart:  models.StatusInProgress,
		EventCancel: models.StatusCancelled,
	},
	models.StatusInProgress: {
		EventComplete: models.StatusCompleted,
		EventCancel:   models.StatusCancelled,
	},
	models.StatusCompleted: {
		EventSendInvoice: models.StatusInvoiced,
		EventCancel:      models.StatusCancelled,
	},
	models.StatusInvoiced: {
		EventPaymentStarted: models.StatusPaymentPending,
		EventMarkPastDue:    models.StatusPastDue,
		EventMarkPaid:       models.StatusPaid,
		EventCancel:         models.StatusCancelled,
	},
	models.StatusPaymentPending: {
		EventPaymentSucceeded: models.StatusPaid,
		EventMarkPastDue:      models.StatusPastDue,
		EventMarkPaid:         models.StatusPaid,
		EventCancel:           models.StatusCancelled,
	},
	models.StatusPastDue: {
		EventPaymentSucceeded: models.StatusPaid,
		EventMarkPaid:         models.StatusPaid,
		EventCancel:           models.StatusCancelled,
	},
	models.StatusPaid:      {},
	models.StatusCancelled: {},
}

// Next looks up the destination of ev from status.
func Next(from models.JobStatus, ev Event) (models.JobStatus, error) {
	to, ok := table[from][ev]
	if !ok {
		return "", errors.NewInvalidTransition(string(from), string(ev))
	}
	return to, nil
}

// Permitted lists the events accepted from status, in a stable order.
func Permitted(from models.JobStatus) []Event {
	return lo.Filter(allEvents, func(ev Event, _ int) bool {
		_, ok := table[from][ev]
		return ok
	})
}

var allEvents = []Event{
	EventSendQuote, EventAcceptQuote, EventDeclineQuote, EventExpireQuote,
	EventRequestRevision, EventSchedule, EventStart, EventComplete,
	EventSendInvoice, EventPaymentStarted, EventPaymentSucceeded,
	EventMarkPastDue, EventMarkPaid, EventCancel,
}

// Events returns every known event.
func Events() []Event {
	return append([]Event(nil), allEvents...)
}

// Prerequisite is provider work that must succeed before a transition may
// be applied and persisted.
type Prerequisite string

const (
	PrereqNone            Prerequisite = ""
	PrereqFinalizeQuote   Prerequisite = "finalize_quote"
	PrereqFinalizeInvoice Prerequisite = "finalize_invoice"
	PrereqMarkPaid        Prerequisite = "mark_paid_out_of_band"
)

// PrerequisiteFor reports the provider work ev depends on.
func PrerequisiteFor(ev Event) Prerequisite {
	switch ev {
	case EventSendQuote:
		return PrereqFinalizeQuote
	case EventSendInvoice:
		return PrereqFinalizeInvoice
	case EventMarkPaid:
		return PrereqMarkPaid
	}
	return PrereqNone
}

// Policy carries the deadlines the machine stamps onto jobs.
type Policy struct {
	QuoteValidity time.Duration
	InvoiceTerms  time.Duration
}

// DefaultPolicy is 14 days to accept a quote and 30 days to pay an invoice.
func DefaultPolicy() Policy {
	return Policy{
		QuoteValidity: 14 * 24 * time.Hour,
		InvoiceTerms:  30 * 24 * time.Hour,
	}
}

// Machine applies transitions under a Policy.
type Machine struct {
	policy Policy
}

// New returns a Machine; zero durations fall back to DefaultPolicy.
func New(p Policy) *Machine {
	def := DefaultPolicy()
	if p.QuoteValidity <= 0 {
		p.QuoteValidity = def.QuoteValidity
	}
	if p.InvoiceTerms <= 0 {
		p.InvoiceTerms = def.InvoiceTerms
	}
	return &Machine{policy: p}
}

// BillingRef is the durable result of a provider prerequisite.
type BillingRef struct {
	ProviderID string
	HostedURL  string
	DueAt      *time.Time
}

// Slot is a confirmed calendar interval.
type Slot struct {
	Start time.Time
	End   time.Time
}

// Duration of the slot.
func (s Slot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Input is one event plus whatever data the event needs.
type Input struct {
	Event   Event
	At      time.Time
	Billing *BillingRef
	Slot    *Slot
}

// Result is the next job value and the work the caller owes.
type Result struct {
	Job     models.Job
	From    models.JobStatus
	To      models.JobStatus
	Event   Event
	Effects []Effect
}

// Changed reports whether the status moved.
func (r Result) Changed() bool {
	return r.From != r.To
}
