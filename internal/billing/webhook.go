package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"fieldservice/internal/errors"
)

// Webhook headers.
const (
	SignatureHeader = "X-Billing-Signature"
	TimestampHeader = "X-Billing-Timestamp"
)

// MaxWebhookSkew bounds how old or how far in the future a delivery may be.
const MaxWebhookSkew = 5 * time.Minute

// WebhookType is a provider event type.
type WebhookType string

const (
	WebhookPaymentProcessing WebhookType = "invoice.payment_processing"
	WebhookPaymentSucceeded  WebhookType = "invoice.payment_succeeded"
	WebhookPaymentFailed     WebhookType = "invoice.payment_failed"
	WebhookQuoteAccepted     WebhookType = "quote.accepted"
)

// WebhookEvent is the part of a delivery the engine acts on.
type WebhookEvent struct {
	ID          string
	Type        WebhookType
	ObjectID    string
	ObjectKind  Kind
	AmountCents int64
	Reason      string
	Created     time.Time
	Raw         []byte
}

// Known reports whether the engine handles this event type.
func (e WebhookEvent) Known() bool {
	switch e.Type {
	case WebhookPaymentProcessing, WebhookPaymentSucceeded, WebhookPaymentFailed, WebhookQuoteAccepted:
		return true
	}
	return false
}

// Sign computes the hex signature of body at timestamp ts.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks the timestamp window and the HMAC-SHA256 signature
// over "timestamp.body". The error never includes the expected signature.
func VerifyWebhook(secret string, body []byte, timestamp, signature string, now time.Time) error {
	if secret == "" {
		return errors.New("webhook: secret is empty")
	}
	if signature == "" || timestamp == "" {
		return errors.Wrap(errors.ErrInvalidInput, "webhook: missing signature headers")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.Wrap(errors.ErrInvalidInput, "webhook: malformed timestamp")
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew > MaxWebhookSkew || skew < -MaxWebhookSkew {
		return errors.Wrapf(errors.ErrInvalidInput, "webhook: timestamp outside %s window", MaxWebhookSkew)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errors.Wrap(errors.ErrInvalidInput, "webhook: invalid hex signature")
	}
	want, _ := hex.DecodeString(Sign(secret, ts, body))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return errors.Wrap(errors.ErrInvalidInput, "webhook: signature mismatch")
	}
	return nil
}

// ParseWebhook extracts the event envelope without binding the full object.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	if !gjson.ValidBytes(body) {
		return WebhookEvent{}, errors.Wrap(errors.ErrInvalidInput, "webhook: body is not JSON")
	}
	res := gjson.GetManyBytes(body, "id", "type", "data.object.id", "data.object.object",
		"data.object.amount", "data.object.failure_reason", "created")
	ev := WebhookEvent{
		ID:          res[0].String(),
		Type:        WebhookType(res[1].String()),
		ObjectID:    res[2].String(),
		ObjectKind:  Kind(res[3].String()),
		AmountCents: res[4].Int(),
		Reason:      res[5].String(),
		Raw:         body,
	}
	if res[6].Exists() {
		ev.Created = time.Unix(res[6].Int(), 0).UTC()
	}
	if ev.ID == "" || ev.Type == "" || ev.ObjectID == "" {
		return WebhookEvent{}, errors.Wrap(errors.ErrInvalidInput, "webhook: missing id, type or object id")
	}
	return ev, nil
}
