package models

import "time"

// Channel is a delivery medium a recipient can toggle independently.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// NotificationPreferences are a recipient's channel toggles and addresses.
type NotificationPreferences struct {
	RecipientID  string `json:"recipient_id"`
	EmailEnabled bool   `json:"email_enabled"`
	SMSEnabled   bool   `json:"sms_enabled"`
	PushEnabled  bool   `json:"push_enabled"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	PushToken    string `json:"push_token,omitempty"`
}

// Enabled lists the channels switched on, in a fixed order.
func (p NotificationPreferences) Enabled() []Channel {
	var out []Channel
	if p.EmailEnabled {
		out = append(out, ChannelEmail)
	}
	if p.SMSEnabled {
		out = append(out, ChannelSMS)
	}
	if p.PushEnabled {
		out = append(out, ChannelPush)
	}
	return out
}

// Address returns the destination for a channel.
func (p NotificationPreferences) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return p.Email
	case ChannelSMS:
		return p.Phone
	case ChannelPush:
		return p.PushToken
	}
	return ""
}

// NotificationAttempt records one (event, recipient, channel) delivery.
type NotificationAttempt struct {
	MessageID   string    `json:"message_id"`
	EventType   string    `json:"event_type"`
	RecipientID string    `json:"recipient_id"`
	Channel     Channel   `json:"channel"`
	Success     bool      `json:"success"`
	Error       *string   `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// EventType names a lifecycle notification.
type EventType string

const (
	EventBookingReceived     EventType = "booking_received"
	EventQuoteSent           EventType = "quote_sent"
	EventQuoteAccepted       EventType = "quote_accepted"
	EventQuoteDeclined       EventType = "quote_declined"
	EventQuoteExpired        EventType = "quote_expired"
	EventRevisionRequested   EventType = "revision_requested"
	EventJobScheduled        EventType = "job_scheduled"
	EventJobStarted          EventType = "job_started"
	EventJobCompleted        EventType = "job_completed"
	EventInvoiceSent         EventType = "invoice_sent"
	EventPaymentPending      EventType = "payment_pending"
	EventPaymentReceived     EventType = "payment_received"
	EventPaymentFailed       EventType = "payment_failed"
	EventInvoicePastDue      EventType = "invoice_past_due"
	EventJobCancelled        EventType = "job_cancelled"
	EventRecurrenceProposed  EventType = "recurrence_proposed"
	EventRecurrenceAccepted  EventType = "recurrence_accepted"
	EventRecurrenceDeclined  EventType = "recurrence_declined"
	EventRecurrenceCountered EventType = "recurrence_countered"
)
