package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fieldservice/internal/errors"
	"fieldservice/internal/lifecycle"
	"fieldservice/internal/logger"
	"fieldservice/internal/models"
)

// DraftStore persists a draft id the moment the provider returns it, so a
// later retry can find the draft by lookup instead of creating another.
type DraftStore interface {
	SetProviderDraft(ctx context.Context, jobID string, expect models.JobStatus, draftID string, itemIDs map[string]string) error
}

// Sync runs the provider half of every billing-backed transition.
type Sync struct {
	provider Provider
	drafts   DraftStore
	log      *zap.SugaredLogger
}

// NewSync builds a Sync.
func NewSync(provider Provider, drafts DraftStore, log *zap.SugaredLogger) *Sync {
	return &Sync{provider: provider, drafts: drafts, log: logger.Component(log, "billing")}
}

// Provider returns the underlying provider.
func (s *Sync) Provider() Provider { return s.provider }

// KindFor picks quote or invoice from the status being finalized out of.
func KindFor(status models.JobStatus) (Kind, error) {
	switch status {
	case models.StatusDraftQuote:
		return KindQuote, nil
	case models.StatusCompleted:
		return KindInvoice, nil
	}
	return "", errors.Wrapf(errors.ErrInvalidInput, "nothing to finalize in status %s", status)
}

// Finalize creates the draft if none is recorded, then finalizes and sends it.
// When a draft id is already recorded the provider is asked for it first: a
// draft finalized by an earlier attempt whose local write was lost is adopted
// rather than finalized twice.
func (s *Sync) Finalize(ctx context.Context, job models.Job) (lifecycle.BillingRef, error) {
	kind, err := KindFor(job.Status)
	if err != nil {
		return lifecycle.BillingRef{}, err
	}
	if len(job.LineItems) == 0 {
		return lifecycle.BillingRef{}, errors.Wrapf(errors.ErrInvalidInput, "%s needs at least one line item", kind)
	}

	var draftID string
	if job.ProviderDraftID != nil {
		draftID = *job.ProviderDraftID
		rec, err := s.provider.Lookup(ctx, draftID)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return lifecycle.BillingRef{}, err
		}
		if err == nil && rec.Finalized() {
			s.log.Infow("adopting finalized draft", logger.FieldJobID, job.ID, logger.FieldProviderID, rec.ID)
			return RefFromRecord(rec), nil
		}
		if errors.Is(err, errors.ErrNotFound) {
			draftID = ""
		}
	}

	if draftID == "" {
		d, err := s.provider.CreateDraft(ctx, kind, job.CustomerID, ItemsFromLineItems(job.LineItems))
		if err != nil {
			return lifecycle.BillingRef{}, err
		}
		itemIDs := make(map[string]string, len(d.Items))
		for i, it := range d.Items {
			local := it.LocalID
			if local == "" && len(d.Items) == len(job.LineItems) {
				// Items come back in request order.
				local = job.LineItems[i].ID
			}
			if local != "" && it.ProviderItemID != "" {
				itemIDs[local] = it.ProviderItemID
			}
		}
		if err := s.drafts.SetProviderDraft(ctx, job.ID, job.Status, d.ID, itemIDs); err != nil {
			// The draft stays unfinalized on the provider; the retry builds a new one.
			s.log.Warnw("draft not recorded", logger.FieldJobID, job.ID, logger.FieldProviderID, d.ID, logger.FieldError, err)
			return lifecycle.BillingRef{}, errors.Wrap(err, "record draft id")
		}
		draftID = d.ID
	}

	fin, err := s.provider.FinalizeAndSend(ctx, draftID)
	if errors.Is(err, errors.ErrAlreadyFinalized) {
		rec, lerr := s.provider.Lookup(ctx, draftID)
		if lerr != nil {
			return lifecycle.BillingRef{}, lerr
		}
		return RefFromRecord(rec), nil
	}
	if err != nil {
		s.log.Warnw("finalize failed", logger.FieldJobID, job.ID, logger.FieldProviderID, draftID, logger.FieldError, err)
		return lifecycle.BillingRef{}, err
	}
	return lifecycle.BillingRef{ProviderID: fin.ProviderID, HostedURL: fin.HostedURL, DueAt: fin.DueAt}, nil
}

// MarkPaid records an out-of-band payment against the job's invoice.
// A record the provider already reports as paid is accepted as is.
func (s *Sync) MarkPaid(ctx context.Context, job models.Job) (lifecycle.BillingRef, error) {
	if job.ProviderInvoiceID == nil {
		return lifecycle.BillingRef{}, errors.Wrap(errors.ErrInvalidInput, "job has no provider invoice")
	}
	id := *job.ProviderInvoiceID
	rec, err := s.provider.Lookup(ctx, id)
	if err != nil {
		return lifecycle.BillingRef{}, err
	}
	if rec.Status != RecordPaid {
		if err := s.provider.MarkPaidOutOfBand(ctx, id); err != nil {
			return lifecycle.BillingRef{}, err
		}
	}
	return lifecycle.BillingRef{ProviderID: id, HostedURL: rec.HostedURL}, nil
}

// MirrorAdd appends a local item to the provider draft, if one exists.
func (s *Sync) MirrorAdd(ctx context.Context, job models.Job, item models.LineItem) (*string, error) {
	if job.ProviderDraftID == nil {
		return nil, nil
	}
	id, err := s.provider.AddLineItem(ctx, *job.ProviderDraftID, Item{
		LocalID:         item.ID,
		Description:     item.Description,
		UnitAmountCents: item.UnitAmountCents,
		Quantity:        item.Quantity,
	})
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// MirrorDelete removes a mirrored item from the provider draft.
func (s *Sync) MirrorDelete(ctx context.Context, job models.Job, item models.LineItem) error {
	if job.ProviderDraftID == nil || item.ProviderItemID == nil {
		return nil
	}
	err := s.provider.DeleteLineItem(ctx, *job.ProviderDraftID, *item.ProviderItemID)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	return err
}

// RefFromRecord is the billing reference carried by a provider record.
func RefFromRecord(rec Record) lifecycle.BillingRef {
	return lifecycle.BillingRef{ProviderID: rec.ID, HostedURL: rec.HostedURL, DueAt: rec.DueAt}
}

// ImportStatus is the local status a settled provider record lands in.
func ImportStatus(rec Record) (models.JobStatus, bool) {
	switch {
	case rec.Kind == KindInvoice && rec.Status == RecordPaid:
		return models.StatusPaid, true
	case rec.Kind == KindQuote && rec.Status == RecordAccepted:
		return models.StatusQuoteAccepted, true
	}
	return "", false
}

// JobFromRecord builds the local job for a provider record nobody created here.
func JobFromRecord(rec Record, now time.Time) (models.Job, error) {
	status, ok := ImportStatus(rec)
	if !ok {
		return models.Job{}, errors.Wrapf(errors.ErrInvalidInput, "record %s (%s/%s) is not importable", rec.ID, rec.Kind, rec.Status)
	}
	if rec.CustomerRef == "" {
		return models.Job{}, errors.Wrapf(errors.ErrInvalidInput, "record %s has no customer", rec.ID)
	}

	job := models.Job{
		ID:         uuid.NewString(),
		CustomerID: rec.CustomerRef,
		Title:      rec.Description,
		Status:     status,
		Recurrence: models.RecurrenceNone,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  now,
	}
	if job.Title == "" {
		job.Title = "Imported " + string(rec.Kind) + " " + rec.ID
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	id := rec.ID
	if rec.Kind == KindInvoice {
		job.ProviderInvoiceID = &id
	} else {
		job.ProviderQuoteID = &id
	}
	if rec.HostedURL != "" {
		hosted := rec.HostedURL
		job.HostedURL = &hosted
	}

	for _, it := range rec.Items {
		li := models.LineItem{
			ID:              uuid.NewString(),
			JobID:           job.ID,
			Description:     it.Description,
			UnitAmountCents: it.UnitAmountCents,
			Quantity:        it.Quantity,
			CreatedAt:       now,
		}
		if it.ProviderItemID != "" {
			pid := it.ProviderItemID
			li.ProviderItemID = &pid
		}
		job.LineItems = append(job.LineItems, li)
	}
	total, ok := models.CheckedTotal(job.LineItems)
	if !ok {
		return models.Job{}, errors.Wrapf(errors.ErrInvalidInput, "record %s has out of range amounts", rec.ID)
	}
	job.TotalAmountCents = total
	if len(job.LineItems) == 0 {
		job.TotalAmountCents = rec.TotalCents
	}
	return job, nil
}
