package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"fieldservice/internal/errors"
	"fieldservice/internal/models"
)

func appendAudit(ctx context.Context, tx pgx.Tx, jobID, event, detail string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return errors.Wrap(err, "append audit")
}

// AppendAudit adds an audit row outside any transition, for provider
// failures and webhook outcomes.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return errors.Wrap(err, "append audit")
}

// ListAudit returns a job's audit trail, oldest first.
func (s *Store) ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "query audit")
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (models.AuditLog, error) {
		var a models.AuditLog
		err := r.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded)
		return a, err
	})
}

// ClaimWebhook records a delivery id. It reports false for a redelivery.
func (s *Store) ClaimWebhook(ctx context.Context, id, typ string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, type, received_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, typ, at)
	if err != nil {
		return false, errors.Wrap(err, "claim webhook")
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseWebhook forgets a delivery id so the provider's retry is processed.
func (s *Store) ReleaseWebhook(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM webhook_events WHERE id = $1`, id)
	return errors.Wrap(err, "release webhook")
}

// Cursor returns a named sync cursor, empty when unset.
func (s *Store) Cursor(ctx context.Context, name string) (string, error) {
	var cursor string
	err := s.pool.QueryRow(ctx, `SELECT cursor FROM sync_cursors WHERE name = $1`, name).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return cursor, errors.Wrap(err, "query cursor")
}

// SetCursor stores a named sync cursor.
func (s *Store) SetCursor(ctx context.Context, name, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (name, cursor, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at
	`, name, cursor)
	return errors.Wrap(err, "set cursor")
}
