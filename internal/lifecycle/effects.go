package lifecycle

import (
	"time"

	"fieldservice/internal/models"
)

// EffectKind classifies work a transition hands back to its caller.
type EffectKind string

const (
	// EffectBookSlot writes a job CalendarEvent. It must commit in the same
	// store transaction as the status change, after a capacity re-check.
	EffectBookSlot EffectKind = "book_slot"
	// EffectReleaseSlot deletes the job's CalendarEvents with the status change.
	EffectReleaseSlot EffectKind = "release_slot"
	// EffectNotify enqueues a notification once the transition is durable.
	EffectNotify EffectKind = "notify"
)

// Audience picks who a notification goes to.
type Audience string

const (
	AudienceCustomer Audience = "customer"
	AudienceAdmin    Audience = "admin"
)

// Notification is the payload of an EffectNotify.
type Notification struct {
	Type     models.EventType
	Audience Audience
	Payload  map[string]any
}

// Effect is one piece of work owed by the caller.
type Effect struct {
	Kind   EffectKind
	Slot   *Slot
	Notify *Notification
}

// OfKind filters effects by kind.
func OfKind(effects []Effect, kind EffectKind) []Effect {
	var out []Effect
	for _, e := range effects {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// notificationFor maps a landed status to its notification. Statuses with no
// audience-facing meaning return nil.
func notificationFor(ev Event, to models.JobStatus) *Notification {
	switch {
	case to == models.StatusQuoteSent:
		return &Notification{Type: models.EventQuoteSent, Audience: AudienceCustomer}
	case to == models.StatusQuoteAccepted:
		return &Notification{Type: models.EventQuoteAccepted, Audience: AudienceAdmin}
	case to == models.StatusQuoteDeclined:
		return &Notification{Type: models.EventQuoteDeclined, Audience: AudienceAdmin}
	case to == models.StatusQuoteExpired:
		return &Notification{Type: models.EventQuoteExpired, Audience: AudienceCustomer}
	case ev == EventRequestRevision:
		return &Notification{Type: models.EventRevisionRequested, Audience: AudienceAdmin}
	case to == models.StatusScheduled:
		return &Notification{Type: models.EventJobScheduled, Audience: AudienceCustomer}
	case to == models.StatusInProgress:
		return &Notification{Type: models.EventJobStarted, Audience: AudienceCustomer}
	case to == models.StatusCompleted:
		return &Notification{Type: models.EventJobCompleted, Audience: AudienceCustomer}
	case to == models.StatusInvoiced:
		return &Notification{Type: models.EventInvoiceSent, Audience: AudienceCustomer}
	case to == models.StatusPaymentPending:
		return &Notification{Type: models.EventPaymentPending, Audience: AudienceCustomer}
	case to == models.StatusPaid:
		return &Notification{Type: models.EventPaymentReceived, Audience: AudienceCustomer}
	case to == models.StatusPastDue:
		return &Notification{Type: models.EventInvoicePastDue, Audience: AudienceCustomer}
	case to == models.StatusCancelled:
		return &Notification{Type: models.EventJobCancelled, Audience: AudienceCustomer}
	}
	return nil
}

// JobPayload is the structured payload attached to job notifications.
func JobPayload(job models.Job) map[string]any {
	p := map[string]any{
		"job_id":             job.ID,
		"title":              job.Title,
		"status":             string(job.Status),
		"total_amount_cents": job.TotalAmountCents,
	}
	if job.HostedURL != nil {
		p["hosted_url"] = *job.HostedURL
	}
	if job.DueAt != nil {
		p["due_at"] = job.DueAt.UTC().Format(time.RFC3339)
	}
	if job.ScheduledStart != nil {
		p["scheduled_start"] = job.ScheduledStart.UTC().Format(time.RFC3339)
	}
	return p
}
