package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/samber/lo"

	"fieldservice/internal/availability"
	"fieldservice/internal/errors"
	"fieldservice/internal/lifecycle"
	"fieldservice/internal/models"
)

const jobColumns = `id, customer_id, title, description, status, recurrence, recurrence_rule,
	total_amount_cents, scheduled_start, duration_minutes, due_at, provider_draft_id,
	provider_quote_id, provider_invoice_id, hosted_url, created_at, updated_at`

// JobFilter narrows ListJobs.
type JobFilter struct {
	CustomerID string
	Statuses   []models.JobStatus
	Limit      int
}

// Transition is a status change produced by the state machine, with the
// calendar writes that must commit alongside it.
type Transition struct {
	Job     models.Job
	From    models.JobStatus
	Event   string
	Book    *lifecycle.Slot
	Release bool
	Actor   string
	// Items, when non-nil, pins the job's line-item ids: the commit misses
	// unless the stored items are exactly these.
	Items []string
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                                          models.Job
		rule, draftID, quoteID, invoiceID, hostedURL pgtype.Text
		scheduled, due                               pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.CustomerID, &job.Title, &job.Description, &job.Status, &job.Recurrence, &rule,
		&job.TotalAmountCents, &scheduled, &job.DurationMinutes, &due, &draftID,
		&quoteID, &invoiceID, &hostedURL, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.RecurrenceRule = textPtr(rule)
	job.ScheduledStart = timePtr(scheduled)
	job.DueAt = timePtr(due)
	job.ProviderDraftID = textPtr(draftID)
	job.ProviderQuoteID = textPtr(quoteID)
	job.ProviderInvoiceID = textPtr(invoiceID)
	job.HostedURL = textPtr(hostedURL)
	job.LineItems = []models.LineItem{}
	return job, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadItems(ctx context.Context, q querier, jobIDs []string) (map[string][]models.LineItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, job_id, description, unit_amount_cents, quantity, provider_item_id, created_at
		FROM line_items WHERE job_id = ANY($1) ORDER BY created_at, id
	`, jobIDs)
	if err != nil {
		return nil, errors.Wrap(err, "query line items")
	}
	defer rows.Close()

	out := make(map[string][]models.LineItem, len(jobIDs))
	for rows.Next() {
		var li models.LineItem
		var providerItem pgtype.Text
		if err := rows.Scan(&li.ID, &li.JobID, &li.Description, &li.UnitAmountCents, &li.Quantity, &providerItem, &li.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan line item")
		}
		li.ProviderItemID = textPtr(providerItem)
		out[li.JobID] = append(out[li.JobID], li)
	}
	return out, rows.Err()
}

func getJob(ctx context.Context, q querier, id string, lock bool) (models.Job, error) {
	sql := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	job, err := scanJob(q.QueryRow(ctx, sql, id))
	if err != nil {
		return models.Job{}, notFound(err, "job", id)
	}
	items, err := loadItems(ctx, q, []string{id})
	if err != nil {
		return models.Job{}, err
	}
	if li := items[id]; li != nil {
		job.LineItems = li
	}
	return job, nil
}

// GetJob fetches a job with its line items.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	return getJob(ctx, s.pool, id, false)
}

// ListJobs returns jobs newest first, with line items.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		args = append(args, statusStrings(f.Statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	sql := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	jobs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (models.Job, error) { return scanJob(r) })
	if err != nil {
		return nil, errors.Wrap(err, "scan jobs")
	}
	if len(jobs) == 0 {
		return jobs, nil
	}
	items, err := loadItems(ctx, s.pool, lo.Map(jobs, func(j models.Job, _ int) string { return j.ID }))
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if li := items[jobs[i].ID]; li != nil {
			jobs[i].LineItems = li
		}
	}
	return jobs, nil
}

func statusStrings(statuses []models.JobStatus) []string {
	return lo.Map(statuses, func(s models.JobStatus, _ int) string { return string(s) })
}

func insertJob(ctx context.Context, tx pgx.Tx, job models.Job) error {
	total, ok := models.CheckedTotal(job.LineItems)
	if !ok {
		return errors.Wrapf(errors.ErrInvalidInput, "job %s total exceeds %d cents", job.ID, models.MaxTotalCents)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, job.ID, job.CustomerID, job.Title, job.Description, job.Status, job.Recurrence, job.RecurrenceRule,
		total, job.ScheduledStart, job.DurationMinutes, job.DueAt, job.ProviderDraftID,
		job.ProviderQuoteID, job.ProviderInvoiceID, job.HostedURL, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "insert job")
	}
	for _, li := range job.LineItems {
		if err := insertItem(ctx, tx, li); err != nil {
			return err
		}
	}
	return nil
}

func insertItem(ctx context.Context, tx pgx.Tx, li models.LineItem) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO line_items (id, job_id, description, unit_amount_cents, quantity, provider_item_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, li.ID, li.JobID, li.Description, li.UnitAmountCents, li.Quantity, li.ProviderItemID, li.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "insert line item")
	}
	return nil
}

// CreateJob inserts a job and its line items. When check is set the slot is
// re-validated against capacity and blocked days under per-day locks in the
// same transaction.
func (s *Store) CreateJob(ctx context.Context, job models.Job, check *lifecycle.Slot) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if check != nil {
			if err := s.checkSlot(ctx, tx, job.ID, *check); err != nil {
				return err
			}
		}
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
		return appendAudit(ctx, tx, job.ID, "created", fmt.Sprintf("status=%s", job.Status))
	})
}

// checkSlot serialises writers per day with transaction-scoped advisory
// locks taken in day order, then re-runs the availability check against the
// committed rows.
func (s *Store) checkSlot(ctx context.Context, tx pgx.Tx, jobID string, slot lifecycle.Slot) error {
	if !slot.End.After(slot.Start) {
		return errors.Wrap(errors.ErrInvalidInput, "slot end must be after start")
	}
	days := s.avail.Days(slot.Start, slot.End)
	sort.Strings(days)
	for _, day := range days {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "day:"+day); err != nil {
			return errors.Wrapf(err, "lock day %s", day)
		}
	}

	from, _, err := s.avail.DayBounds(days[0])
	if err != nil {
		return err
	}
	_, to, err := s.avail.DayBounds(days[len(days)-1])
	if err != nil {
		return err
	}
	occ, err := occupancy(ctx, tx, from, to, jobID)
	if err != nil {
		return err
	}
	blocked, err := blockedDates(ctx, tx, days[0], days[len(days)-1])
	if err != nil {
		return err
	}
	return s.avail.CheckSlot(slot.Start, slot.End, occ, blocked)
}

// Commit applies a state machine transition with compare-and-swap on the
// previous status. A lost race returns errors.ErrConflict and nothing is
// written.
func (s *Store) Commit(ctx context.Context, t Transition) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if t.Items != nil {
			cur, err := getJob(ctx, tx, t.Job.ID, true)
			if err != nil {
				return err
			}
			if err := sameItems(cur, t.Items); err != nil {
				return err
			}
		}
		if t.Book != nil {
			if err := s.checkSlot(ctx, tx, t.Job.ID, *t.Book); err != nil {
				return err
			}
		}

		j := t.Job
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET
				status = $3, recurrence = $4, recurrence_rule = $5, scheduled_start = $6,
				duration_minutes = $7, due_at = $8, provider_draft_id = $9, provider_quote_id = $10,
				provider_invoice_id = $11, hosted_url = $12, updated_at = $13
			WHERE id = $1 AND status = $2
		`, j.ID, t.From, j.Status, j.Recurrence, j.RecurrenceRule, j.ScheduledStart,
			j.DurationMinutes, j.DueAt, j.ProviderDraftID, j.ProviderQuoteID,
			j.ProviderInvoiceID, j.HostedURL, j.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Wrap(errors.ErrConflict, "provider reference already attached to another job")
			}
			return errors.Wrap(err, "update job status")
		}
		if tag.RowsAffected() == 0 {
			return s.casMiss(ctx, tx, j.ID, t.From)
		}

		if t.Release {
			if _, err := tx.Exec(ctx, `DELETE FROM calendar_events WHERE job_id = $1 AND type = 'job'`, j.ID); err != nil {
				return errors.Wrap(err, "release slot")
			}
		}
		if t.Book != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM calendar_events WHERE job_id = $1 AND type = 'job'`, j.ID); err != nil {
				return errors.Wrap(err, "clear previous slot")
			}
			if err := insertCalendarEvent(ctx, tx, models.CalendarEvent{
				ID:        uuid.NewString(),
				JobID:     &j.ID,
				Type:      models.CalendarEventJob,
				Title:     j.Title,
				Start:     t.Book.Start,
				End:       t.Book.End,
				CreatedAt: j.UpdatedAt,
			}); err != nil {
				return err
			}
		}

		detail := fmt.Sprintf("event=%s from=%s to=%s", t.Event, t.From, j.Status)
		if t.Actor != "" {
			detail += " actor=" + t.Actor
		}
		return appendAudit(ctx, tx, j.ID, "transition", detail)
	})
}

func (s *Store) casMiss(ctx context.Context, tx pgx.Tx, id string, expected models.JobStatus) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if err != nil {
		return notFound(err, "job", id)
	}
	return errors.Wrapf(errors.ErrConflict, "job %s is %s, expected %s", id, current, expected)
}

// SetProviderDraft records a freshly created provider draft and its item ids.
// The job must still be in expect and every stored line item must appear in
// itemIDs; an item added while the draft was being created misses the draft
// and fails the write with errors.ErrConflict.
func (s *Store) SetProviderDraft(ctx context.Context, jobID string, expect models.JobStatus, draftID string, itemIDs map[string]string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if job.Status != expect {
			return errors.Wrapf(errors.ErrConflict, "job %s is %s, expected %s", jobID, job.Status, expect)
		}
		if err := sameItems(job, lo.Keys(itemIDs)); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET provider_draft_id = $2, updated_at = $3 WHERE id = $1
		`, jobID, draftID, time.Now().UTC()); err != nil {
			return errors.Wrap(err, "set provider draft")
		}
		for localID, providerID := range itemIDs {
			if _, err := tx.Exec(ctx, `
				UPDATE line_items SET provider_item_id = $3 WHERE id = $1 AND job_id = $2
			`, localID, jobID, providerID); err != nil {
				return errors.Wrap(err, "set provider item id")
			}
		}
		return appendAudit(ctx, tx, jobID, "provider_draft", "draft="+draftID)
	})
}

// sameItems reports errors.ErrConflict unless job's line items are exactly ids.
func sameItems(job models.Job, ids []string) error {
	local := lo.Map(job.LineItems, func(li models.LineItem, _ int) string { return li.ID })
	missing, extra := lo.Difference(local, ids)
	if len(missing) > 0 || len(extra) > 0 {
		return errors.Wrapf(errors.ErrConflict, "line items of job %s changed during billing (%d added, %d removed)",
			job.ID, len(missing), len(extra))
	}
	return nil
}

// checkDraft reports errors.ErrConflict when the job's provider draft is not
// the one the caller mirrored against.
func checkDraft(job models.Job, draftID *string) error {
	if lo.FromPtr(job.ProviderDraftID) != lo.FromPtr(draftID) {
		return errors.Wrapf(errors.ErrConflict, "provider draft of job %s changed, retry", job.ID)
	}
	return nil
}

// AddLineItem inserts an item and recomputes the job total in one
// transaction. The job must be in one of editable and still carry draftID,
// the provider draft the item was mirrored to (nil for none).
func (s *Store) AddLineItem(ctx context.Context, item models.LineItem, draftID *string, editable []models.JobStatus) (models.Job, error) {
	var out models.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := getJob(ctx, tx, item.JobID, true)
		if err != nil {
			return err
		}
		if !lo.Contains(editable, job.Status) {
			return errors.Wrapf(errors.ErrAlreadyFinalized, "job %s is %s", job.ID, job.Status)
		}
		if err := checkDraft(job, draftID); err != nil {
			return err
		}
		if _, ok := models.CheckedTotal(append(job.LineItems, item)); !ok {
			return errors.Wrapf(errors.ErrInvalidInput, "job %s total would exceed %d cents", job.ID, models.MaxTotalCents)
		}
		if err := insertItem(ctx, tx, item); err != nil {
			return err
		}
		if out, err = recomputeTotal(ctx, tx, item.JobID); err != nil {
			return err
		}
		return appendAudit(ctx, tx, item.JobID, "line_item_added", item.ID)
	})
	return out, err
}

// DeleteLineItem removes an item and recomputes the job total in one
// transaction. The same draft rule as AddLineItem applies.
func (s *Store) DeleteLineItem(ctx context.Context, jobID, itemID string, draftID *string, editable []models.JobStatus) (models.Job, error) {
	var out models.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if !lo.Contains(editable, job.Status) {
			return errors.Wrapf(errors.ErrAlreadyFinalized, "job %s is %s", job.ID, job.Status)
		}
		if err := checkDraft(job, draftID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM line_items WHERE id = $1 AND job_id = $2`, itemID, jobID)
		if err != nil {
			return errors.Wrap(err, "delete line item")
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(errors.ErrNotFound, "line item %s", itemID)
		}
		if out, err = recomputeTotal(ctx, tx, jobID); err != nil {
			return err
		}
		return appendAudit(ctx, tx, jobID, "line_item_deleted", itemID)
	})
	return out, err
}

func recomputeTotal(ctx context.Context, tx pgx.Tx, jobID string) (models.Job, error) {
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET
			total_amount_cents = (SELECT COALESCE(SUM(unit_amount_cents * quantity), 0) FROM line_items WHERE job_id = $1),
			updated_at = $2
		WHERE id = $1
	`, jobID, time.Now().UTC())
	if err != nil {
		return models.Job{}, errors.Wrap(err, "recompute total")
	}
	return getJob(ctx, tx, jobID, false)
}

// FindByProviderID returns the job referencing providerID as its draft,
// quote or invoice.
func (s *Store) FindByProviderID(ctx context.Context, providerID string) (models.Job, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM jobs
		WHERE provider_invoice_id = $1 OR provider_quote_id = $1 OR provider_draft_id = $1
		LIMIT 1
	`, providerID).Scan(&id)
	if err != nil {
		return models.Job{}, notFound(err, "job for provider record", providerID)
	}
	return s.GetJob(ctx, id)
}

// ImportJob inserts a historical job built from a provider record. The
// unique provider id columns make the insert idempotent: a second import of
// the same record inserts nothing and reports false.
func (s *Store) ImportJob(ctx context.Context, job models.Job) (bool, error) {
	created := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO jobs (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT DO NOTHING
		`, job.ID, job.CustomerID, job.Title, job.Description, job.Status, job.Recurrence, job.RecurrenceRule,
			job.TotalAmountCents, job.ScheduledStart, job.DurationMinutes, job.DueAt, job.ProviderDraftID,
			job.ProviderQuoteID, job.ProviderInvoiceID, job.HostedURL, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, "import job")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true
		for _, li := range job.LineItems {
			if err := insertItem(ctx, tx, li); err != nil {
				return err
			}
		}
		return appendAudit(ctx, tx, job.ID, "imported", fmt.Sprintf("status=%s", job.Status))
	})
	return created, err
}

// DueJobIDs lists up to limit jobs in one of statuses whose due_at is before
// cutoff, oldest first.
func (s *Store) DueJobIDs(ctx context.Context, statuses []models.JobStatus, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs
		WHERE status = ANY($1) AND due_at IS NOT NULL AND due_at < $2
		ORDER BY due_at, id
		LIMIT $3
	`, statusStrings(statuses), cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query due jobs")
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// StaleDraftIDs lists jobs holding a provider draft that has not moved since
// cutoff.
func (s *Store) StaleDraftIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs
		WHERE provider_draft_id IS NOT NULL AND status = ANY($1) AND updated_at < $2
		ORDER BY updated_at, id
		LIMIT $3
	`, statusStrings([]models.JobStatus{models.StatusDraftQuote, models.StatusCompleted}), cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query stale drafts")
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Occupancy returns the slots of non-cancelled jobs overlapping [from, to).
func (s *Store) Occupancy(ctx context.Context, from, to time.Time) ([]availability.Occupancy, error) {
	return occupancy(ctx, s.pool, from, to, "")
}

func occupancy(ctx context.Context, q querier, from, to time.Time, excludeJobID string) ([]availability.Occupancy, error) {
	rows, err := q.Query(ctx, `
		SELECT id, status, scheduled_start, scheduled_start + make_interval(mins => duration_minutes)
		FROM jobs
		WHERE scheduled_start IS NOT NULL AND duration_minutes > 0
		  AND status <> 'cancelled' AND id <> $3
		  AND scheduled_start < $2
		  AND scheduled_start + make_interval(mins => duration_minutes) > $1
	`, from, to, excludeJobID)
	if err != nil {
		return nil, errors.Wrap(err, "query occupancy")
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (availability.Occupancy, error) {
		var o availability.Occupancy
		err := r.Scan(&o.JobID, &o.Status, &o.Start, &o.End)
		return o, err
	})
}
