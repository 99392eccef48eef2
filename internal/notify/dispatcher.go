// Package notify fans lifecycle events out to a recipient's enabled channels
// and runs the queue consumer that retries failed channels.
package notify

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"fieldservice/internal/errors"
	"fieldservice/internal/logger"
	"fieldservice/internal/models"
	"fieldservice/internal/telemetry"
)

// PreferenceStore reads a recipient's channel toggles.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, recipientID string) (models.NotificationPreferences, error)
}

// AttemptRecorder persists per-channel outcomes.
type AttemptRecorder interface {
	RecordAttempts(ctx context.Context, attempts []models.NotificationAttempt) error
}

// Event is what the dispatcher delivers.
type Event struct {
	MessageID   string
	Type        models.EventType
	RecipientID string
	// Channels restricts delivery; empty means every enabled channel.
	Channels []models.Channel
	Payload  map[string]any
}

// Result is one channel's outcome.
type Result struct {
	Err error
}

// OK reports success.
func (r Result) OK() bool { return r.Err == nil }

// Dispatcher resolves channels, renders, and sends.
type Dispatcher struct {
	prefs     PreferenceStore
	attempts  AttemptRecorder
	senders   map[models.Channel]Sender
	templates *Templates
	defaults  []models.Channel
	log       *zap.SugaredLogger
	now       func() time.Time
}

// NewDispatcher builds a Dispatcher. defaults apply to recipients with no
// preference row.
func NewDispatcher(prefs PreferenceStore, attempts AttemptRecorder, senders map[models.Channel]Sender, templates *Templates, defaults []models.Channel, log *zap.SugaredLogger) *Dispatcher {
	if templates == nil {
		templates = DefaultTemplates()
	}
	if len(defaults) == 0 {
		defaults = []models.Channel{models.ChannelEmail}
	}
	return &Dispatcher{
		prefs:     prefs,
		attempts:  attempts,
		senders:   senders,
		templates: templates,
		defaults:  defaults,
		log:       logger.Component(log, "notify"),
		now:       time.Now,
	}
}

// ParseChannels converts configured names, dropping unknown ones.
func ParseChannels(names []string) []models.Channel {
	return lo.FilterMap(names, func(n string, _ int) (models.Channel, bool) {
		ch := models.Channel(n)
		return ch, lo.Contains([]models.Channel{models.ChannelEmail, models.ChannelSMS, models.ChannelPush}, ch)
	})
}

// Dispatch sends ev on each resolved channel. Channels are independent: one
// failing never stops the others. Failures are returned in the result map and
// recorded, never raised; the error return is for preference lookup only.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (map[models.Channel]Result, error) {
	prefs, channels, err := d.resolve(ctx, ev.RecipientID)
	if err != nil {
		return nil, err
	}
	if len(ev.Channels) > 0 {
		channels = lo.Intersect(channels, ev.Channels)
	}

	results := make(map[models.Channel]Result, len(channels))
	attempts := make([]models.NotificationAttempt, 0, len(channels))
	for _, ch := range channels {
		err := d.send(ctx, ev, ch, prefs.Address(ch))
		results[ch] = Result{Err: err}

		attempt := models.NotificationAttempt{
			MessageID:   ev.MessageID,
			EventType:   string(ev.Type),
			RecipientID: ev.RecipientID,
			Channel:     ch,
			Success:     err == nil,
			AttemptedAt: d.now().UTC(),
		}
		outcome := "ok"
		if err != nil {
			msg := err.Error()
			attempt.Error = &msg
			outcome = "failed"
			d.log.Warnw("channel delivery failed",
				logger.FieldMessageID, ev.MessageID,
				logger.FieldRecipientID, ev.RecipientID,
				logger.FieldChannel, ch,
				logger.FieldError, err,
			)
		}
		telemetry.NotifyDeliveries.WithLabelValues(string(ch), outcome).Inc()
		attempts = append(attempts, attempt)
	}

	if d.attempts != nil && len(attempts) > 0 {
		if err := d.attempts.RecordAttempts(ctx, attempts); err != nil {
			d.log.Warnw("record notification attempts", logger.FieldMessageID, ev.MessageID, logger.FieldError, err)
		}
	}
	return results, nil
}

func (d *Dispatcher) resolve(ctx context.Context, recipientID string) (models.NotificationPreferences, []models.Channel, error) {
	prefs, err := d.prefs.GetPreferences(ctx, recipientID)
	if errors.Is(err, errors.ErrNotFound) {
		return models.NotificationPreferences{RecipientID: recipientID}, d.defaults, nil
	}
	if err != nil {
		return models.NotificationPreferences{}, nil, errors.Wrapf(err, "load preferences for %s", recipientID)
	}
	return prefs, prefs.Enabled(), nil
}

func (d *Dispatcher) send(ctx context.Context, ev Event, ch models.Channel, address string) error {
	sender, ok := d.senders[ch]
	if !ok {
		return errors.Newf("no sender for channel %s", ch)
	}
	msg, err := d.templates.Render(ev.Type, ch, ev.Payload)
	if err != nil {
		return err
	}
	return sender.Send(ctx, Delivery{
		MessageID:   ev.MessageID,
		Type:        ev.Type,
		RecipientID: ev.RecipientID,
		Channel:     ch,
		Address:     address,
		Subject:     msg.Subject,
		Body:        msg.Body,
	})
}
