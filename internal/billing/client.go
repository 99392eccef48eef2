package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"fieldservice/internal/errors"
	"fieldservice/internal/telemetry"
)

// ClientConfig configures the HTTP provider client.
type ClientConfig struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	ReadRetryMax    int
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Client talks to the provider's REST API. Reads go through a retrying
// client; writes through one that never retries.
type Client struct {
	base    *url.URL
	apiKey  string
	reader  *retryablehttp.Client
	writer  *retryablehttp.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.SugaredLogger
}

// NewClient builds a Client.
func NewClient(cfg ClientConfig, log *zap.SugaredLogger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse billing base url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	c := &Client{
		base:   base,
		apiKey: cfg.APIKey,
		reader: newRetryable(cfg.Timeout, cfg.ReadRetryMax),
		writer: newRetryable(cfg.Timeout, 0),
		log:    log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "billing-provider",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.IsProviderFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

func newRetryable(timeout time.Duration, retryMax int) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.Logger = nil
	client.RetryMax = retryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

type itemBody struct {
	ID          string            `json:"id,omitempty"`
	Description string            `json:"description"`
	UnitAmount  int64             `json:"unit_amount"`
	Quantity    int64             `json:"quantity"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func toItemBody(it Item) itemBody {
	b := itemBody{Description: it.Description, UnitAmount: it.UnitAmountCents, Quantity: it.Quantity}
	if it.LocalID != "" {
		b.Metadata = map[string]string{"local_id": it.LocalID}
	}
	return b
}

func fromItemBody(b itemBody) Item {
	return Item{
		LocalID:         b.Metadata["local_id"],
		ProviderItemID:  b.ID,
		Description:     b.Description,
		UnitAmountCents: b.UnitAmount,
		Quantity:        b.Quantity,
	}
}

type recordBody struct {
	ID          string     `json:"id"`
	Object      string     `json:"object"`
	Status      string     `json:"status"`
	Customer    string     `json:"customer"`
	Description string     `json:"description"`
	LineItems   []itemBody `json:"line_items"`
	Total       int64      `json:"total"`
	HostedURL   string     `json:"hosted_url"`
	DueDate     int64      `json:"due_date"`
	Created     int64      `json:"created"`
	SettledAt   int64      `json:"settled_at"`
}

func (b recordBody) toRecord(raw []byte) Record {
	r := Record{
		ID:          b.ID,
		Kind:        Kind(b.Object),
		Status:      RecordStatus(b.Status),
		CustomerRef: b.Customer,
		Description: b.Description,
		TotalCents:  b.Total,
		HostedURL:   b.HostedURL,
		DueAt:       unixPtr(b.DueDate),
		CreatedAt:   time.Unix(b.Created, 0).UTC(),
		SettledAt:   unixPtr(b.SettledAt),
		Raw:         raw,
	}
	for _, it := range b.LineItems {
		r.Items = append(r.Items, fromItemBody(it))
	}
	return r
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// CreateDraft creates a draft quote or invoice.
func (c *Client) CreateDraft(ctx context.Context, kind Kind, customerRef string, items []Item) (Draft, error) {
	req := struct {
		Kind      Kind       `json:"kind"`
		Customer  string     `json:"customer"`
		LineItems []itemBody `json:"line_items"`
	}{Kind: kind, Customer: customerRef}
	for _, it := range items {
		req.LineItems = append(req.LineItems, toItemBody(it))
	}

	var resp recordBody
	if err := c.do(ctx, "create_draft", http.MethodPost, "/v1/drafts", req, &resp); err != nil {
		return Draft{}, err
	}
	d := Draft{ID: resp.ID}
	for _, it := range resp.LineItems {
		d.Items = append(d.Items, fromItemBody(it))
	}
	return d, nil
}

// FinalizeAndSend finalizes a draft and emails it to the customer.
func (c *Client) FinalizeAndSend(ctx context.Context, draftID string) (Finalized, error) {
	var resp recordBody
	path := "/v1/drafts/" + url.PathEscape(draftID) + "/finalize"
	if err := c.do(ctx, "finalize", http.MethodPost, path, map[string]bool{"send": true}, &resp); err != nil {
		return Finalized{}, err
	}
	if resp.ID == "" {
		return Finalized{}, errors.Wrap(errors.ErrProviderUnavailable, "finalize returned no identifier")
	}
	return Finalized{ProviderID: resp.ID, HostedURL: resp.HostedURL, DueAt: unixPtr(resp.DueDate)}, nil
}

// ListPaid pages through paid invoices and accepted quotes after cursor.
func (c *Client) ListPaid(ctx context.Context, sinceCursor string) (Page, error) {
	q := url.Values{}
	q.Set("status", "settled")
	q.Set("limit", "100")
	if sinceCursor != "" {
		q.Set("starting_after", sinceCursor)
	}
	var resp struct {
		Data       []json.RawMessage `json:"data"`
		HasMore    bool              `json:"has_more"`
		NextCursor string            `json:"next_cursor"`
	}
	if err := c.do(ctx, "list_paid", http.MethodGet, "/v1/records?"+q.Encode(), nil, &resp); err != nil {
		return Page{}, err
	}
	page := Page{HasMore: resp.HasMore, NextCursor: resp.NextCursor}
	for _, raw := range resp.Data {
		var b recordBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return Page{}, errors.Wrap(err, "decode provider record")
		}
		page.Records = append(page.Records, b.toRecord(raw))
	}
	if page.NextCursor == "" && len(page.Records) > 0 {
		page.NextCursor = page.Records[len(page.Records)-1].ID
	}
	return page, nil
}

// AddLineItem appends an item to a draft and returns the provider item id.
func (c *Client) AddLineItem(ctx context.Context, draftID string, item Item) (string, error) {
	var resp itemBody
	path := "/v1/drafts/" + url.PathEscape(draftID) + "/line_items"
	if err := c.do(ctx, "add_line_item", http.MethodPost, path, toItemBody(item), &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// DeleteLineItem removes an item from a draft.
func (c *Client) DeleteLineItem(ctx context.Context, draftID, providerItemID string) error {
	path := "/v1/drafts/" + url.PathEscape(draftID) + "/line_items/" + url.PathEscape(providerItemID)
	return c.do(ctx, "delete_line_item", http.MethodDelete, path, nil, nil)
}

// MarkPaidOutOfBand records a payment taken outside the provider.
func (c *Client) MarkPaidOutOfBand(ctx context.Context, providerID string) error {
	path := "/v1/records/" + url.PathEscape(providerID) + "/pay"
	return c.do(ctx, "mark_paid", http.MethodPost, path, map[string]bool{"paid_out_of_band": true}, nil)
}

// Lookup fetches a record by id.
func (c *Client) Lookup(ctx context.Context, providerID string) (Record, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "lookup", http.MethodGet, "/v1/records/"+url.PathEscape(providerID), nil, &raw); err != nil {
		return Record{}, err
	}
	var b recordBody
	if err := json.Unmarshal(raw, &b); err != nil {
		return Record{}, errors.Wrap(err, "decode provider record")
	}
	return b.toRecord(raw), nil
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "breaker_open"
		err = errors.Wrapf(errors.ErrProviderUnavailable, "%s: %v", op, err)
	case errors.Is(err, errors.ErrProviderOutcomeUnknown):
		outcome = "unknown"
	case errors.Is(err, errors.ErrProviderUnavailable):
		outcome = "unavailable"
	default:
		outcome = "rejected"
	}
	telemetry.BillingCalls.WithLabelValues(op, outcome).Inc()
	if err != nil {
		return errors.Wrapf(err, "billing %s", op)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		payload = bytes.NewReader(buf)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return errors.Wrap(err, "build path")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), payload)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	client := c.writer
	if method == http.MethodGet {
		client = c.reader
	}
	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) && method != http.MethodGet {
			return errors.Mark(errors.Wrapf(err, "%s %s", method, path), errors.ErrProviderOutcomeUnknown)
		}
		return errors.Mark(errors.Wrapf(err, "%s %s", method, path), errors.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errors.Mark(errors.Wrap(err, "read response"), errors.ErrProviderUnavailable)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return classify(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Mark(errors.Wrap(err, "decode response"), errors.ErrProviderUnavailable)
	}
	return nil
}

func classify(status int, data []byte) error {
	var ae apiError
	_ = json.Unmarshal(data, &ae)
	msg := ae.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case ae.Error.Code == "already_finalized":
		return errors.Wrap(errors.ErrAlreadyFinalized, msg)
	case status == http.StatusNotFound || ae.Error.Code == "resource_missing":
		return errors.Wrap(errors.ErrNotFound, msg)
	case status == http.StatusConflict:
		return errors.Wrap(errors.ErrConflict, msg)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return errors.Wrapf(errors.ErrProviderUnavailable, "status %d: %s", status, msg)
	}
	return errors.Wrapf(errors.ErrInvalidInput, "provider rejected request: %s", msg)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var _ Provider = (*Client)(nil)
