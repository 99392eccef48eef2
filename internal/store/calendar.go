package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"fieldservice/internal/errors"
	"fieldservice/internal/models"
)

func insertCalendarEvent(ctx context.Context, tx pgx.Tx, ev models.CalendarEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO calendar_events (id, job_id, type, title, starts_at, ends_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.JobID, ev.Type, ev.Title, ev.Start, ev.End, ev.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "insert calendar event")
	}
	return nil
}

// BlockDate excludes a day from booking and materialises a blocked calendar
// event spanning it. Blocking an already blocked day is a no-op that
// reports false.
func (s *Store) BlockDate(ctx context.Context, b models.BlockedDate) (bool, error) {
	start, end, err := s.avail.DayBounds(b.Day)
	if err != nil {
		return false, err
	}
	created := false
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "day:"+b.Day); err != nil {
			return errors.Wrapf(err, "lock day %s", b.Day)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO blocked_dates (day, reason, created_by, created_at)
			VALUES ($1::date, $2, $3, $4)
			ON CONFLICT (day) DO NOTHING
		`, b.Day, b.Reason, b.CreatedBy, b.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "insert blocked date")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true
		return insertCalendarEvent(ctx, tx, models.CalendarEvent{
			ID:        uuid.NewString(),
			Type:      models.CalendarEventBlocked,
			Title:     b.Reason,
			Start:     start,
			End:       end,
			CreatedAt: b.CreatedAt,
		})
	})
	return created, err
}

// UnblockDate removes a blocked day and its calendar event.
func (s *Store) UnblockDate(ctx context.Context, day string) error {
	start, end, err := s.avail.DayBounds(day)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM blocked_dates WHERE day = $1::date`, day)
		if err != nil {
			return errors.Wrap(err, "delete blocked date")
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(errors.ErrNotFound, "blocked date %s", day)
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM calendar_events WHERE type = 'blocked' AND starts_at = $1 AND ends_at = $2
		`, start, end)
		return errors.Wrap(err, "delete blocked event")
	})
}

// ListBlockedDates returns blocked days in [fromDay, toDay].
func (s *Store) ListBlockedDates(ctx context.Context, fromDay, toDay string) ([]models.BlockedDate, error) {
	return blockedDates(ctx, s.pool, fromDay, toDay)
}

func blockedDates(ctx context.Context, q querier, fromDay, toDay string) ([]models.BlockedDate, error) {
	rows, err := q.Query(ctx, `
		SELECT day, reason, created_by, created_at FROM blocked_dates
		WHERE day BETWEEN $1::date AND $2::date
		ORDER BY day
	`, fromDay, toDay)
	if err != nil {
		return nil, errors.Wrap(err, "query blocked dates")
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (models.BlockedDate, error) {
		var (
			b   models.BlockedDate
			day pgtype.Date
		)
		if err := r.Scan(&day, &b.Reason, &b.CreatedBy, &b.CreatedAt); err != nil {
			return b, err
		}
		b.Day = day.Time.Format(models.DayLayout)
		return b, nil
	})
}

// AddPersonalEvent stores an admin calendar entry that is not tied to a job.
func (s *Store) AddPersonalEvent(ctx context.Context, ev models.CalendarEvent) error {
	if ev.Type != models.CalendarEventPersonal {
		return errors.Wrapf(errors.ErrInvalidInput, "only personal events can be added directly, got %s", ev.Type)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return insertCalendarEvent(ctx, tx, ev)
	})
}

// DeletePersonalEvent removes an admin calendar entry.
func (s *Store) DeletePersonalEvent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM calendar_events WHERE id = $1 AND type = 'personal'`, id)
	if err != nil {
		return errors.Wrap(err, "delete calendar event")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(errors.ErrNotFound, "calendar event %s", id)
	}
	return nil
}

// ListCalendarEvents returns events overlapping [from, to).
func (s *Store) ListCalendarEvents(ctx context.Context, from, to time.Time) ([]models.CalendarEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, type, title, starts_at, ends_at, created_at FROM calendar_events
		WHERE starts_at < $2 AND ends_at > $1
		ORDER BY starts_at, id
	`, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "query calendar events")
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (models.CalendarEvent, error) {
		var (
			ev    models.CalendarEvent
			jobID pgtype.Text
		)
		err := r.Scan(&ev.ID, &jobID, &ev.Type, &ev.Title, &ev.Start, &ev.End, &ev.CreatedAt)
		ev.JobID = textPtr(jobID)
		return ev, err
	})
}
