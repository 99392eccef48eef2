package billing

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fieldservice/internal/errors"
	"fieldservice/internal/models"
)

type fakeProvider struct {
	records     map[string]Record
	created     int
	finalized   int
	markedPaid  int
	finalizeErr error
	lookupErr   error
	nextID      int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{records: map[string]Record{}}
}

func (f *fakeProvider) id(prefix string) string {
	f.nextID++
	return prefix + string(rune('0'+f.nextID))
}

func (f *fakeProvider) CreateDraft(_ context.Context, kind Kind, customer string, items []Item) (Draft, error) {
	f.created++
	d := Draft{ID: f.id("dr_")}
	for _, it := range items {
		it.ProviderItemID = f.id("it_")
		d.Items = append(d.Items, it)
	}
	f.records[d.ID] = Record{ID: d.ID, Kind: kind, Status: RecordDraft, CustomerRef: customer, Items: d.Items}
	return d, nil
}

func (f *fakeProvider) FinalizeAndSend(_ context.Context, draftID string) (Finalized, error) {
	if f.finalizeErr != nil {
		err := f.finalizeErr
		f.finalizeErr = nil
		rec := f.records[draftID]
		rec.Status = RecordOpen
		rec.HostedURL = "https://pay/" + draftID
		f.records[draftID] = rec
		return Finalized{}, err
	}
	rec, ok := f.records[draftID]
	if !ok {
		return Finalized{}, errors.ErrNotFound
	}
	if rec.Finalized() {
		return Finalized{}, errors.ErrAlreadyFinalized
	}
	f.finalized++
	rec.Status = RecordOpen
	rec.HostedURL = "https://pay/" + draftID
	f.records[draftID] = rec
	return Finalized{ProviderID: draftID, HostedURL: rec.HostedURL}, nil
}

func (f *fakeProvider) ListPaid(context.Context, string) (Page, error) { return Page{}, nil }

func (f *fakeProvider) AddLineItem(_ context.Context, draftID string, item Item) (string, error) {
	rec, ok := f.records[draftID]
	if !ok {
		return "", errors.ErrNotFound
	}
	if rec.Finalized() {
		return "", errors.ErrAlreadyFinalized
	}
	return f.id("it_"), nil
}

func (f *fakeProvider) DeleteLineItem(_ context.Context, draftID, _ string) error {
	if _, ok := f.records[draftID]; !ok {
		return errors.ErrNotFound
	}
	return nil
}

func (f *fakeProvider) MarkPaidOutOfBand(_ context.Context, id string) error {
	f.markedPaid++
	rec := f.records[id]
	rec.Status = RecordPaid
	f.records[id] = rec
	return nil
}

func (f *fakeProvider) Lookup(_ context.Context, id string) (Record, error) {
	if f.lookupErr != nil {
		return Record{}, f.lookupErr
	}
	rec, ok := f.records[id]
	if !ok {
		return Record{}, errors.ErrNotFound
	}
	return rec, nil
}

type fakeDrafts struct {
	draftID string
	itemIDs map[string]string
	calls   int
	err     error
}

func (f *fakeDrafts) SetProviderDraft(_ context.Context, _ string, _ models.JobStatus, draftID string, itemIDs map[string]string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.draftID = draftID
	f.itemIDs = itemIDs
	return nil
}

func quotable() models.Job {
	return models.Job{
		ID:         "job-1",
		CustomerID: "cust-1",
		Status:     models.StatusDraftQuote,
		LineItems: []models.LineItem{
			{ID: "li-1", Description: "Mow", UnitAmountCents: 5000, Quantity: 1},
		},
	}
}

func TestFinalizeCreatesDraftRecordsItAndSends(t *testing.T) {
	p, d := newFakeProvider(), &fakeDrafts{}
	s := NewSync(p, d, zap.NewNop().Sugar())

	ref, err := s.Finalize(context.Background(), quotable())
	require.NoError(t, err)
	assert.Equal(t, 1, p.created)
	assert.Equal(t, 1, p.finalized)
	assert.Equal(t, d.draftID, ref.ProviderID)
	assert.Equal(t, "https://pay/"+d.draftID, ref.HostedURL)
	assert.Contains(t, d.itemIDs, "li-1")
}

func TestFinalizeStopsWhenDraftCannotBeRecorded(t *testing.T) {
	p := newFakeProvider()
	d := &fakeDrafts{err: errors.Wrap(errors.ErrConflict, "line items changed")}
	s := NewSync(p, d, zap.NewNop().Sugar())

	_, err := s.Finalize(context.Background(), quotable())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.Equal(t, 1, p.created)
	assert.Zero(t, p.finalized, "an unrecorded draft is never finalized")
}

func TestFinalizeAfterTimeoutAdoptsInsteadOfDuplicating(t *testing.T) {
	p, d := newFakeProvider(), &fakeDrafts{}
	p.finalizeErr = errors.ErrProviderOutcomeUnknown
	s := NewSync(p, d, zap.NewNop().Sugar())
	job := quotable()

	_, err := s.Finalize(context.Background(), job)
	require.True(t, errors.Is(err, errors.ErrProviderOutcomeUnknown))
	require.NotEmpty(t, d.draftID)

	draft := d.draftID
	job.ProviderDraftID = &draft
	ref, err := s.Finalize(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, draft, ref.ProviderID)
	assert.Equal(t, 1, p.created, "no second draft")
	assert.Equal(t, 0, p.finalized, "finalized once, by the timed-out call")
}

func TestFinalizeResumesUnfinalizedDraft(t *testing.T) {
	p, d := newFakeProvider(), &fakeDrafts{}
	s := NewSync(p, d, zap.NewNop().Sugar())
	existing, err := p.CreateDraft(context.Background(), KindQuote, "cust-1", nil)
	require.NoError(t, err)

	job := quotable()
	job.ProviderDraftID = &existing.ID
	ref, err := s.Finalize(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, ref.ProviderID)
	assert.Equal(t, 1, p.created)
	assert.Equal(t, 0, d.calls)
}

func TestFinalizeLookupFailureIsSurfaced(t *testing.T) {
	p := newFakeProvider()
	p.lookupErr = errors.ErrProviderUnavailable
	s := NewSync(p, &fakeDrafts{}, zap.NewNop().Sugar())
	job := quotable()
	draft := "dr_x"
	job.ProviderDraftID = &draft

	_, err := s.Finalize(context.Background(), job)
	assert.True(t, errors.Is(err, errors.ErrProviderUnavailable))
	assert.Equal(t, 0, p.created)
}

func TestFinalizeRequiresLineItemsAndFinalizableStatus(t *testing.T) {
	s := NewSync(newFakeProvider(), &fakeDrafts{}, zap.NewNop().Sugar())

	job := quotable()
	job.LineItems = nil
	_, err := s.Finalize(context.Background(), job)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	job = quotable()
	job.Status = models.StatusScheduled
	_, err = s.Finalize(context.Background(), job)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestMarkPaidSkipsProviderWhenAlreadyPaid(t *testing.T) {
	p := newFakeProvider()
	p.records["in_1"] = Record{ID: "in_1", Kind: KindInvoice, Status: RecordPaid}
	s := NewSync(p, &fakeDrafts{}, zap.NewNop().Sugar())
	id := "in_1"
	job := models.Job{ID: "job-1", Status: models.StatusInvoiced, ProviderInvoiceID: &id}

	ref, err := s.MarkPaid(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "in_1", ref.ProviderID)
	assert.Equal(t, 0, p.markedPaid)

	p.records["in_1"] = Record{ID: "in_1", Kind: KindInvoice, Status: RecordOpen}
	_, err = s.MarkPaid(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, p.markedPaid)
}

func TestMirrorOnlyWhenDraftExists(t *testing.T) {
	p := newFakeProvider()
	s := NewSync(p, &fakeDrafts{}, zap.NewNop().Sugar())
	item := models.LineItem{ID: "li-2", Description: "Edge", UnitAmountCents: 100, Quantity: 2}

	id, err := s.MirrorAdd(context.Background(), quotable(), item)
	require.NoError(t, err)
	assert.Nil(t, id)

	d, _ := p.CreateDraft(context.Background(), KindQuote, "cust-1", nil)
	job := quotable()
	job.ProviderDraftID = &d.ID
	id, err = s.MirrorAdd(context.Background(), job, item)
	require.NoError(t, err)
	require.NotNil(t, id)

	_, _ = p.FinalizeAndSend(context.Background(), d.ID)
	_, err = s.MirrorAdd(context.Background(), job, item)
	assert.True(t, errors.Is(err, errors.ErrAlreadyFinalized))
}

func TestJobFromRecord(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{
		ID: "in_7", Kind: KindInvoice, Status: RecordPaid, CustomerRef: "cust-9",
		Items: []Item{{ProviderItemID: "it_1", Description: "Prune", UnitAmountCents: 2500, Quantity: 2}},
	}

	job, err := JobFromRecord(rec, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, job.Status)
	assert.Equal(t, "cust-9", job.CustomerID)
	require.NotNil(t, job.ProviderInvoiceID)
	assert.Equal(t, "in_7", *job.ProviderInvoiceID)
	assert.Equal(t, int64(5000), job.TotalAmountCents)
	require.Len(t, job.LineItems, 1)
	assert.Equal(t, job.ID, job.LineItems[0].JobID)

	rec = Record{ID: "qt_1", Kind: KindQuote, Status: RecordAccepted, CustomerRef: "cust-9", TotalCents: 700}
	job, err = JobFromRecord(rec, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQuoteAccepted, job.Status)
	assert.Equal(t, int64(700), job.TotalAmountCents)

	_, err = JobFromRecord(Record{ID: "in_8", Kind: KindInvoice, Status: RecordOpen, CustomerRef: "c"}, now)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	huge := Record{
		ID: "in_9", Kind: KindInvoice, Status: RecordPaid, CustomerRef: "c",
		Items: []Item{{Description: "x", UnitAmountCents: math.MaxInt64 / 2, Quantity: 3}},
	}
	_, err = JobFromRecord(huge, now)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}
