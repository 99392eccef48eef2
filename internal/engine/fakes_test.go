package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"fieldservice/internal/availability"
	"fieldservice/internal/billing"
	"fieldservice/internal/errors"
	"fieldservice/internal/lifecycle"
	"fieldservice/internal/models"
	"fieldservice/internal/store"
)

// memStore is an in-memory Store with the same conditional-write rules as
// the Postgres store.
type memStore struct {
	mu        sync.Mutex
	avail     *availability.Engine
	jobs      map[string]models.Job
	events    []models.CalendarEvent
	blocked   map[string]models.BlockedDate
	requests  map[string]models.RecurrenceRequest
	prefs     map[string]models.NotificationPreferences
	audit     []models.AuditLog
	webhooks  map[string]bool
	cursors   map[string]string
	commitErr error
}

func newMemStore(avail *availability.Engine) *memStore {
	return &memStore{
		avail:    avail,
		jobs:     map[string]models.Job{},
		blocked:  map[string]models.BlockedDate{},
		requests: map[string]models.RecurrenceRequest{},
		prefs:    map[string]models.NotificationPreferences{},
		webhooks: map[string]bool{},
		cursors:  map[string]string{},
	}
}

func copyJob(j models.Job) models.Job {
	j.LineItems = append([]models.LineItem{}, j.LineItems...)
	return j
}

func (m *memStore) auditLocked(jobID, event, detail string) {
	m.audit = append(m.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now()})
}

func (m *memStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	return copyJob(j), nil
}

func (m *memStore) ListJobs(_ context.Context, f store.JobFilter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if f.CustomerID != "" && j.CustomerID != f.CustomerID {
			continue
		}
		if len(f.Statuses) > 0 && !lo.Contains(f.Statuses, j.Status) {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *memStore) occupancyLocked(exclude string) []availability.Occupancy {
	var out []availability.Occupancy
	for _, j := range m.jobs {
		if j.ID == exclude {
			continue
		}
		if o, ok := availability.FromJob(j); ok {
			out = append(out, o)
		}
	}
	return out
}

func (m *memStore) blockedLocked() []models.BlockedDate {
	return lo.Values(m.blocked)
}

func (m *memStore) CreateJob(_ context.Context, job models.Job, check *lifecycle.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if check != nil {
		if err := m.avail.CheckSlot(check.Start, check.End, m.occupancyLocked(job.ID), m.blockedLocked()); err != nil {
			return err
		}
	}
	job.TotalAmountCents = models.TotalCents(job.LineItems)
	m.jobs[job.ID] = copyJob(job)
	m.auditLocked(job.ID, "created", string(job.Status))
	return nil
}

func (m *memStore) Commit(_ context.Context, t store.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	cur, ok := m.jobs[t.Job.ID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "job %s", t.Job.ID)
	}
	if cur.Status != t.From {
		return errors.Wrapf(errors.ErrConflict, "job %s is %s", cur.ID, cur.Status)
	}
	if t.Items != nil {
		if err := memSameItems(cur, t.Items); err != nil {
			return err
		}
	}
	if t.Book != nil {
		if err := m.avail.CheckSlot(t.Book.Start, t.Book.End, m.occupancyLocked(t.Job.ID), m.blockedLocked()); err != nil {
			return err
		}
	}
	if t.Release || t.Book != nil {
		m.events = lo.Reject(m.events, func(ev models.CalendarEvent, _ int) bool {
			return ev.JobID != nil && *ev.JobID == t.Job.ID
		})
	}
	if t.Book != nil {
		id := t.Job.ID
		m.events = append(m.events, models.CalendarEvent{
			ID: uuid.NewString(), JobID: &id, Type: models.CalendarEventJob, Title: t.Job.Title,
			Start: t.Book.Start, End: t.Book.End, CreatedAt: t.Job.UpdatedAt,
		})
	}
	next := copyJob(t.Job)
	next.LineItems = cur.LineItems
	next.TotalAmountCents = cur.TotalAmountCents
	m.jobs[next.ID] = next
	m.auditLocked(next.ID, "transition", fmt.Sprintf("event=%s from=%s to=%s", t.Event, t.From, next.Status))
	return nil
}

func (m *memStore) SetProviderDraft(_ context.Context, jobID string, expect models.JobStatus, draftID string, itemIDs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	if j.Status != expect {
		return errors.Wrapf(errors.ErrConflict, "job %s is %s", jobID, j.Status)
	}
	if err := memSameItems(j, lo.Keys(itemIDs)); err != nil {
		return err
	}
	j.ProviderDraftID = &draftID
	for i := range j.LineItems {
		if pid, ok := itemIDs[j.LineItems[i].ID]; ok {
			p := pid
			j.LineItems[i].ProviderItemID = &p
		}
	}
	m.jobs[jobID] = j
	return nil
}

func memSameItems(j models.Job, ids []string) error {
	local := lo.Map(j.LineItems, func(li models.LineItem, _ int) string { return li.ID })
	if missing, extra := lo.Difference(local, ids); len(missing) > 0 || len(extra) > 0 {
		return errors.Wrapf(errors.ErrConflict, "line items of job %s changed", j.ID)
	}
	return nil
}

func (m *memStore) AddLineItem(_ context.Context, item models.LineItem, draftID *string, editable []models.JobStatus) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[item.JobID]
	if !ok {
		return models.Job{}, errors.Wrapf(errors.ErrNotFound, "job %s", item.JobID)
	}
	if !lo.Contains(editable, j.Status) {
		return models.Job{}, errors.Wrapf(errors.ErrAlreadyFinalized, "job %s", j.ID)
	}
	if lo.FromPtr(j.ProviderDraftID) != lo.FromPtr(draftID) {
		return models.Job{}, errors.Wrapf(errors.ErrConflict, "provider draft of job %s changed", j.ID)
	}
	j.LineItems = append(j.LineItems, item)
	j.TotalAmountCents = models.TotalCents(j.LineItems)
	m.jobs[j.ID] = j
	return copyJob(j), nil
}

func (m *memStore) DeleteLineItem(_ context.Context, jobID, itemID string, draftID *string, editable []models.JobStatus) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	if !lo.Contains(editable, j.Status) {
		return models.Job{}, errors.Wrapf(errors.ErrAlreadyFinalized, "job %s", j.ID)
	}
	if lo.FromPtr(j.ProviderDraftID) != lo.FromPtr(draftID) {
		return models.Job{}, errors.Wrapf(errors.ErrConflict, "provider draft of job %s changed", j.ID)
	}
	before := len(j.LineItems)
	j.LineItems = lo.Reject(j.LineItems, func(li models.LineItem, _ int) bool { return li.ID == itemID })
	if len(j.LineItems) == before {
		return models.Job{}, errors.Wrapf(errors.ErrNotFound, "line item %s", itemID)
	}
	j.TotalAmountCents = models.TotalCents(j.LineItems)
	m.jobs[j.ID] = j
	return copyJob(j), nil
}

func (m *memStore) FindByProviderID(_ context.Context, providerID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		for _, ref := range []*string{j.ProviderInvoiceID, j.ProviderQuoteID, j.ProviderDraftID} {
			if ref != nil && *ref == providerID {
				return copyJob(j), nil
			}
		}
	}
	return models.Job{}, errors.Wrapf(errors.ErrNotFound, "provider record %s", providerID)
}

func (m *memStore) ImportJob(ctx context.Context, job models.Job) (bool, error) {
	for _, ref := range []*string{job.ProviderInvoiceID, job.ProviderQuoteID} {
		if ref == nil {
			continue
		}
		if _, err := m.FindByProviderID(ctx, *ref); err == nil {
			return false, nil
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = copyJob(job)
	return true, nil
}

func (m *memStore) Occupancy(_ context.Context, from, to time.Time) ([]availability.Occupancy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Filter(m.occupancyLocked(""), func(o availability.Occupancy, _ int) bool {
		return o.Start.Before(to) && o.End.After(from)
	}), nil
}

func (m *memStore) DueJobIDs(_ context.Context, statuses []models.JobStatus, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, j := range m.jobs {
		if lo.Contains(statuses, j.Status) && j.DueAt != nil && j.DueAt.Before(cutoff) {
			ids = append(ids, j.ID)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) StaleDraftIDs(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, j := range m.jobs {
		if j.ProviderDraftID != nil && j.UpdatedAt.Before(cutoff) &&
			(j.Status == models.StatusDraftQuote || j.Status == models.StatusCompleted) {
			ids = append(ids, j.ID)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) BlockDate(_ context.Context, b models.BlockedDate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocked[b.Day]; ok {
		return false, nil
	}
	m.blocked[b.Day] = b
	return true, nil
}

func (m *memStore) UnblockDate(_ context.Context, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocked[day]; !ok {
		return errors.Wrapf(errors.ErrNotFound, "blocked date %s", day)
	}
	delete(m.blocked, day)
	return nil
}

func (m *memStore) ListBlockedDates(_ context.Context, fromDay, toDay string) ([]models.BlockedDate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Filter(m.blockedLocked(), func(b models.BlockedDate, _ int) bool {
		return b.Day >= fromDay && b.Day <= toDay
	}), nil
}

func (m *memStore) AddPersonalEvent(_ context.Context, ev models.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) DeletePersonalEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.events)
	m.events = lo.Reject(m.events, func(ev models.CalendarEvent, _ int) bool {
		return ev.ID == id && ev.Type == models.CalendarEventPersonal
	})
	if len(m.events) == before {
		return errors.Wrapf(errors.ErrNotFound, "calendar event %s", id)
	}
	return nil
}

func (m *memStore) ListCalendarEvents(_ context.Context, from, to time.Time) ([]models.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Filter(m.events, func(ev models.CalendarEvent, _ int) bool {
		return ev.Start.Before(to) && ev.End.After(from)
	}), nil
}

func (m *memStore) CreateRecurrenceRequest(_ context.Context, r models.RecurrenceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.requests {
		if existing.JobID == r.JobID && existing.Status.Open() {
			return errors.Wrapf(errors.ErrRequestAlreadyPending, "job %s", r.JobID)
		}
	}
	m.requests[r.ID] = r
	return nil
}

func (m *memStore) GetRecurrenceRequest(_ context.Context, id string) (models.RecurrenceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.RecurrenceRequest{}, errors.Wrapf(errors.ErrNotFound, "recurrence request %s", id)
	}
	return r, nil
}

func (m *memStore) OpenRecurrenceRequest(_ context.Context, jobID string) (models.RecurrenceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.JobID == jobID && r.Status.Open() {
			return r, nil
		}
	}
	return models.RecurrenceRequest{}, errors.Wrapf(errors.ErrNotFound, "open request for job %s", jobID)
}

func (m *memStore) ListRecurrenceRequests(_ context.Context, statuses []models.RecurrenceStatus, _ int) ([]models.RecurrenceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Filter(lo.Values(m.requests), func(r models.RecurrenceRequest, _ int) bool {
		return len(statuses) == 0 || lo.Contains(statuses, r.Status)
	}), nil
}

func (m *memStore) DecideRecurrence(_ context.Context, r models.RecurrenceRequest, expect models.RecurrenceStatus, rule *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[r.ID]
	if !ok || cur.Status != expect {
		return errors.Wrapf(errors.ErrConflict, "recurrence request %s", r.ID)
	}
	m.requests[r.ID] = r
	if rule != nil {
		j := m.jobs[r.JobID]
		j.Recurrence = models.RecurrenceCustom
		v := *rule
		j.RecurrenceRule = &v
		m.jobs[r.JobID] = j
	}
	return nil
}

func (m *memStore) GetPreferences(_ context.Context, recipientID string) (models.NotificationPreferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefs[recipientID]
	if !ok {
		return models.NotificationPreferences{}, errors.Wrapf(errors.ErrNotFound, "preferences %s", recipientID)
	}
	return p, nil
}

func (m *memStore) PutPreferences(_ context.Context, p models.NotificationPreferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[p.RecipientID] = p
	return nil
}

func (m *memStore) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLocked(jobID, event, detail)
	return nil
}

func (m *memStore) ListAudit(_ context.Context, jobID string) ([]models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Filter(m.audit, func(a models.AuditLog, _ int) bool { return a.JobID == jobID }), nil
}

func (m *memStore) ClaimWebhook(_ context.Context, id, _ string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.webhooks[id] {
		return false, nil
	}
	m.webhooks[id] = true
	return true, nil
}

func (m *memStore) ReleaseWebhook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, id)
	return nil
}

func (m *memStore) Cursor(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[name], nil
}

func (m *memStore) SetCursor(_ context.Context, name, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = cursor
	return nil
}

// fakeProvider keeps records in memory; record ids double as draft ids.
type fakeProvider struct {
	mu          sync.Mutex
	records     map[string]*billing.Record
	pages       []billing.Page
	seq         int
	creates     int
	finalizeErr error
	createErr   error
	// afterCreate runs once a draft exists, outside the provider lock.
	afterCreate func(draftID string)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{records: map[string]*billing.Record{}}
}

func (p *fakeProvider) CreateDraft(_ context.Context, kind billing.Kind, customerRef string, items []billing.Item) (billing.Draft, error) {
	p.mu.Lock()
	if p.createErr != nil {
		p.mu.Unlock()
		return billing.Draft{}, p.createErr
	}
	p.seq++
	p.creates++
	id := fmt.Sprintf("%s_%d", kind, p.seq)
	out := make([]billing.Item, len(items))
	for i, it := range items {
		it.ProviderItemID = fmt.Sprintf("ii_%d_%d", p.seq, i)
		out[i] = it
	}
	p.records[id] = &billing.Record{ID: id, Kind: kind, Status: billing.RecordDraft, CustomerRef: customerRef, Items: out}
	hook := p.afterCreate
	p.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return billing.Draft{ID: id, Items: out}, nil
}

func (p *fakeProvider) FinalizeAndSend(_ context.Context, draftID string) (billing.Finalized, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[draftID]
	if !ok {
		return billing.Finalized{}, errors.ErrNotFound
	}
	if rec.Status != billing.RecordDraft {
		return billing.Finalized{}, errors.ErrAlreadyFinalized
	}
	rec.Status = billing.RecordOpen
	rec.HostedURL = "https://pay.example/" + draftID
	if p.finalizeErr != nil {
		return billing.Finalized{}, p.finalizeErr
	}
	return billing.Finalized{ProviderID: rec.ID, HostedURL: rec.HostedURL}, nil
}

func (p *fakeProvider) ListPaid(_ context.Context, cursor string) (billing.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "page%d", &idx)
	}
	if idx >= len(p.pages) {
		return billing.Page{}, nil
	}
	return p.pages[idx], nil
}

func (p *fakeProvider) AddLineItem(_ context.Context, draftID string, item billing.Item) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[draftID]
	if !ok {
		return "", errors.ErrNotFound
	}
	if rec.Status != billing.RecordDraft {
		return "", errors.ErrAlreadyFinalized
	}
	p.seq++
	item.ProviderItemID = fmt.Sprintf("ii_%d", p.seq)
	rec.Items = append(rec.Items, item)
	return item.ProviderItemID, nil
}

func (p *fakeProvider) DeleteLineItem(_ context.Context, draftID, itemID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[draftID]
	if !ok {
		return errors.ErrNotFound
	}
	if rec.Status != billing.RecordDraft {
		return errors.ErrAlreadyFinalized
	}
	rec.Items = lo.Reject(rec.Items, func(it billing.Item, _ int) bool { return it.ProviderItemID == itemID })
	return nil
}

func (p *fakeProvider) MarkPaidOutOfBand(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return errors.ErrNotFound
	}
	rec.Status = billing.RecordPaid
	return nil
}

func (p *fakeProvider) Lookup(_ context.Context, id string) (billing.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return billing.Record{}, errors.ErrNotFound
	}
	return *rec, nil
}

type sent struct {
	Type        models.EventType
	RecipientID string
	Payload     map[string]any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []sent
}

func (p *fakePublisher) Enqueue(_ context.Context, typ models.EventType, recipientID string, _ []models.Channel, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, sent{Type: typ, RecipientID: recipientID, Payload: payload})
	return nil
}

func (p *fakePublisher) types() []models.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo.Map(p.msgs, func(s sent, _ int) models.EventType { return s.Type })
}
