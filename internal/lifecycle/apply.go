package lifecycle

import (
	"time"

	"fieldservice/internal/errors"
	"fieldservice/internal/models"
)

// Apply runs in.Event against job. The returned job is a copy; job itself is
// never modified. On error the caller must leave the stored job untouched.
func (m *Machine) Apply(job models.Job, in Input) (Result, error) {
	from := job.Status
	to, err := Next(from, in.Event)
	if err != nil {
		return Result{}, err
	}
	if in.At.IsZero() {
		return Result{}, errors.Wrap(errors.ErrInvalidInput, "transition time is required")
	}

	next := clone(job)
	var effects []Effect

	switch in.Event {
	case EventSendQuote:
		if err := requireBillable(job, in); err != nil {
			return Result{}, err
		}
		next.ProviderQuoteID = strPtr(in.Billing.ProviderID)
		next.HostedURL = optionalStr(in.Billing.HostedURL)
		next.ProviderDraftID = nil
		next.DueAt = dueOr(in.Billing, in.At.Add(m.policy.QuoteValidity))

	case EventRequestRevision:
		next.ProviderQuoteID = nil
		next.ProviderDraftID = nil
		next.HostedURL = nil
		next.DueAt = nil

	case EventSchedule:
		slot, err := scheduleSlot(job, in)
		if err != nil {
			return Result{}, err
		}
		start := slot.Start
		next.ScheduledStart = &start
		next.DurationMinutes = int(slot.Duration().Minutes())
		// dueAt held the quote deadline; it is reused for the invoice later.
		next.DueAt = nil
		effects = append(effects, Effect{Kind: EffectBookSlot, Slot: &slot})

	case EventSendInvoice:
		if err := requireBillable(job, in); err != nil {
			return Result{}, err
		}
		next.ProviderInvoiceID = strPtr(in.Billing.ProviderID)
		next.HostedURL = optionalStr(in.Billing.HostedURL)
		next.ProviderDraftID = nil
		next.DueAt = dueOr(in.Billing, in.At.Add(m.policy.InvoiceTerms))

	case EventMarkPaid:
		if in.Billing == nil {
			return Result{}, errors.Wrap(errors.ErrInvalidInput, "mark paid requires provider confirmation")
		}

	case EventPaymentSucceeded:
		next.DueAt = nil

	case EventCancel:
		if from == models.StatusScheduled || from == models.StatusInProgress {
			if start, end, ok := job.Slot(); ok {
				effects = append(effects, Effect{Kind: EffectReleaseSlot, Slot: &Slot{Start: start, End: end}})
			} else {
				effects = append(effects, Effect{Kind: EffectReleaseSlot})
			}
		}
		next.DueAt = nil
	}

	if to == models.StatusPaid {
		next.DueAt = nil
	}

	next.Status = to
	next.UpdatedAt = in.At

	if n := notificationFor(in.Event, to); n != nil {
		n.Payload = JobPayload(next)
		effects = append(effects, Effect{Kind: EffectNotify, Notify: n})
	}

	return Result{Job: next, From: from, To: to, Event: in.Event, Effects: effects}, nil
}

func requireBillable(job models.Job, in Input) error {
	if len(job.LineItems) == 0 {
		return errors.WithHint(
			errors.Wrapf(errors.ErrInvalidInput, "%s requires at least one line item", in.Event),
			"add a line item before sending",
		)
	}
	if in.Billing == nil || in.Billing.ProviderID == "" {
		return errors.Wrapf(errors.ErrInvalidInput, "%s requires a provider identifier", in.Event)
	}
	return nil
}

func scheduleSlot(job models.Job, in Input) (Slot, error) {
	if in.Slot != nil {
		if !in.Slot.End.After(in.Slot.Start) {
			return Slot{}, errors.Wrap(errors.ErrInvalidInput, "slot end must be after start")
		}
		return *in.Slot, nil
	}
	if start, end, ok := job.Slot(); ok {
		return Slot{Start: start, End: end}, nil
	}
	return Slot{}, errors.Wrap(errors.ErrInvalidInput, "schedule requires a slot")
}

func dueOr(ref *BillingRef, def time.Time) *time.Time {
	if ref != nil && ref.DueAt != nil {
		d := *ref.DueAt
		return &d
	}
	return &def
}

// clone copies job deeply enough that Apply never aliases caller memory.
func clone(job models.Job) models.Job {
	out := job
	out.LineItems = append([]models.LineItem(nil), job.LineItems...)
	return out
}

func strPtr(s string) *string {
	return &s
}

func optionalStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
