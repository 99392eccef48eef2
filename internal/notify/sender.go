package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"fieldservice/internal/config"
	"fieldservice/internal/errors"
	"fieldservice/internal/logger"
	"fieldservice/internal/models"
)

// Delivery is one rendered message to one recipient on one channel.
type Delivery struct {
	MessageID   string           `json:"message_id"`
	Type        models.EventType `json:"type"`
	RecipientID string           `json:"recipient_id"`
	Channel     models.Channel   `json:"channel"`
	Address     string           `json:"address,omitempty"`
	Subject     string           `json:"subject,omitempty"`
	Body        string           `json:"body"`
}

// Sender delivers on one channel.
type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

// HTTPSender posts deliveries as JSON to a gateway URL. The message id is
// sent as Idempotency-Key so redelivery after a retry can be collapsed.
type HTTPSender struct {
	url    string
	client *retryablehttp.Client
}

// NewHTTPSender builds a sender for url.
func NewHTTPSender(url string, timeout time.Duration) *HTTPSender {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.Logger = nil
	client.RetryMax = 1
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &HTTPSender{url: url, client: client}
}

func (s *HTTPSender) Send(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode delivery")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", d.MessageID+":"+string(d.Channel))
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s gateway", d.Channel)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Newf("%s gateway: status %d", d.Channel, resp.StatusCode)
	}
	return nil
}

// LogSender writes deliveries to the log. Used for channels with no gateway.
type LogSender struct {
	log *zap.SugaredLogger
}

// NewLogSender builds a LogSender.
func NewLogSender(log *zap.SugaredLogger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, d Delivery) error {
	s.log.Infow("notification",
		logger.FieldMessageID, d.MessageID,
		logger.FieldChannel, d.Channel,
		logger.FieldRecipientID, d.RecipientID,
		"type", d.Type,
		"subject", d.Subject,
	)
	return nil
}

// SendersFromConfig wires a sender per channel: HTTP when a gateway URL is
// configured, the log otherwise.
func SendersFromConfig(cfg config.Config, log *zap.SugaredLogger) map[models.Channel]Sender {
	urls := map[models.Channel]string{
		models.ChannelEmail: cfg.NotifyEmailURL,
		models.ChannelSMS:   cfg.NotifySMSURL,
		models.ChannelPush:  cfg.NotifyPushURL,
	}
	out := make(map[models.Channel]Sender, len(urls))
	for ch, url := range urls {
		if url == "" {
			out[ch] = NewLogSender(log)
			continue
		}
		out[ch] = NewHTTPSender(url, 10*time.Second)
	}
	return out
}
