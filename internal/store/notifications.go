package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"fieldservice/internal/errors"
	"fieldservice/internal/models"
)

// GetPreferences returns a recipient's channel settings, or ErrNotFound.
func (s *Store) GetPreferences(ctx context.Context, recipientID string) (models.NotificationPreferences, error) {
	p := models.NotificationPreferences{RecipientID: recipientID}
	err := s.pool.QueryRow(ctx, `
		SELECT email_enabled, sms_enabled, push_enabled, email, phone, push_token
		FROM notification_preferences WHERE recipient_id = $1
	`, recipientID).Scan(&p.EmailEnabled, &p.SMSEnabled, &p.PushEnabled, &p.Email, &p.Phone, &p.PushToken)
	if err != nil {
		return models.NotificationPreferences{}, notFound(err, "notification preferences", recipientID)
	}
	return p, nil
}

// PutPreferences upserts a recipient's channel settings.
func (s *Store) PutPreferences(ctx context.Context, p models.NotificationPreferences) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_preferences (recipient_id, email_enabled, sms_enabled, push_enabled, email, phone, push_token, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (recipient_id) DO UPDATE SET
			email_enabled = EXCLUDED.email_enabled, sms_enabled = EXCLUDED.sms_enabled,
			push_enabled = EXCLUDED.push_enabled, email = EXCLUDED.email, phone = EXCLUDED.phone,
			push_token = EXCLUDED.push_token, updated_at = EXCLUDED.updated_at
	`, p.RecipientID, p.EmailEnabled, p.SMSEnabled, p.PushEnabled, p.Email, p.Phone, p.PushToken, time.Now().UTC())
	return errors.Wrap(err, "upsert preferences")
}

// RecordAttempts appends per-channel delivery outcomes in one batch.
func (s *Store) RecordAttempts(ctx context.Context, attempts []models.NotificationAttempt) error {
	batch := &pgx.Batch{}
	for _, a := range attempts {
		batch.Queue(`
			INSERT INTO notification_attempts (message_id, event_type, recipient_id, channel, success, error, attempted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, a.MessageID, a.EventType, a.RecipientID, a.Channel, a.Success, a.Error, a.AttemptedAt)
	}
	return errors.Wrap(s.pool.SendBatch(ctx, batch).Close(), "record attempts")
}
