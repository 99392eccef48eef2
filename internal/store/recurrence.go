package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"fieldservice/internal/errors"
	"fieldservice/internal/models"
)

const recurrenceColumns = `id, job_id, customer_id, frequency, requested_day, status, note, decided_by, created_at, updated_at`

func scanRecurrence(row pgx.Row) (models.RecurrenceRequest, error) {
	var (
		r         models.RecurrenceRequest
		day       pgtype.Int4
		decidedBy pgtype.Text
	)
	err := row.Scan(&r.ID, &r.JobID, &r.CustomerID, &r.Frequency, &day, &r.Status, &r.Note, &decidedBy, &r.CreatedAt, &r.UpdatedAt)
	r.RequestedDay = intPtr(day)
	r.DecidedBy = textPtr(decidedBy)
	return r, err
}

// CreateRecurrenceRequest inserts a new open request. The partial unique
// index on open requests turns a concurrent second proposal into
// errors.ErrRequestAlreadyPending.
func (s *Store) CreateRecurrenceRequest(ctx context.Context, r models.RecurrenceRequest) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO recurrence_requests (`+recurrenceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, r.ID, r.JobID, r.CustomerID, r.Frequency, r.RequestedDay, r.Status, r.Note, r.DecidedBy, r.CreatedAt, r.UpdatedAt)
		if isUniqueViolation(err) {
			return errors.Wrapf(errors.ErrRequestAlreadyPending, "job %s", r.JobID)
		}
		if err != nil {
			return errors.Wrap(err, "insert recurrence request")
		}
		return appendAudit(ctx, tx, r.JobID, "recurrence_proposed", r.ID)
	})
}

// GetRecurrenceRequest fetches one request.
func (s *Store) GetRecurrenceRequest(ctx context.Context, id string) (models.RecurrenceRequest, error) {
	r, err := scanRecurrence(s.pool.QueryRow(ctx, `SELECT `+recurrenceColumns+` FROM recurrence_requests WHERE id = $1`, id))
	if err != nil {
		return models.RecurrenceRequest{}, notFound(err, "recurrence request", id)
	}
	return r, nil
}

// OpenRecurrenceRequest returns the job's pending or countered request.
func (s *Store) OpenRecurrenceRequest(ctx context.Context, jobID string) (models.RecurrenceRequest, error) {
	r, err := scanRecurrence(s.pool.QueryRow(ctx, `
		SELECT `+recurrenceColumns+` FROM recurrence_requests
		WHERE job_id = $1 AND status IN ('pending', 'countered')
	`, jobID))
	if err != nil {
		return models.RecurrenceRequest{}, notFound(err, "open recurrence request for job", jobID)
	}
	return r, nil
}

// ListRecurrenceRequests is the administrator worklist, oldest first.
func (s *Store) ListRecurrenceRequests(ctx context.Context, statuses []models.RecurrenceStatus, limit int) ([]models.RecurrenceRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	sql := `SELECT ` + recurrenceColumns + ` FROM recurrence_requests`
	args := []any{limit}
	if len(names) > 0 {
		sql += ` WHERE status = ANY($2)`
		args = append(args, names)
	}
	sql += ` ORDER BY created_at, id LIMIT $1`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list recurrence requests")
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (models.RecurrenceRequest, error) { return scanRecurrence(r) })
}

// DecideRecurrence writes a decided request with compare-and-swap on its
// previous status. When rule is set the owning job's recurrence is written
// in the same transaction, so an accepted request is its only writer.
func (s *Store) DecideRecurrence(ctx context.Context, r models.RecurrenceRequest, expect models.RecurrenceStatus, rule *string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE recurrence_requests SET
				frequency = $3, requested_day = $4, status = $5, note = $6, decided_by = $7, updated_at = $8
			WHERE id = $1 AND status = $2
		`, r.ID, expect, r.Frequency, r.RequestedDay, r.Status, r.Note, r.DecidedBy, r.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, "update recurrence request")
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(errors.ErrConflict, "recurrence request %s is no longer %s", r.ID, expect)
		}
		if rule != nil {
			tag, err := tx.Exec(ctx, `
				UPDATE jobs SET recurrence = $2, recurrence_rule = $3, updated_at = $4 WHERE id = $1
			`, r.JobID, models.RecurrenceCustom, *rule, r.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, "write recurrence rule")
			}
			if tag.RowsAffected() == 0 {
				return errors.Wrapf(errors.ErrNotFound, "job %s", r.JobID)
			}
		}
		return appendAudit(ctx, tx, r.JobID, "recurrence_"+string(r.Status), fmt.Sprintf("request=%s", r.ID))
	})
}
