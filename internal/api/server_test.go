package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fieldservice/internal/engine"
	"fieldservice/internal/errors"
	"fieldservice/internal/lifecycle"
	"fieldservice/internal/models"
	"fieldservice/internal/queue"
	"fieldservice/internal/recurrence"
)

// fakeEngine records the calls the handlers make. Methods a test does not
// override panic through the nil embedded interface.
type fakeEngine struct {
	Engine

	err error

	gotActor   engine.Actor
	gotEvent   lifecycle.Event
	gotSlot    *lifecycle.Slot
	gotJobID   string
	gotCust    string
	gotRole    recurrence.Role
	gotDec     recurrence.Decision
	gotBody    string
	gotSig     string
	gotBooking engine.BookingRequest
}

func (f *fakeEngine) CreateJob(_ context.Context, in engine.NewJob, actor engine.Actor) (models.Job, error) {
	f.gotActor = actor
	return models.Job{ID: "j1", CustomerID: in.CustomerID, Title: in.Title, Status: models.StatusDraftQuote}, f.err
}

func (f *fakeEngine) Transition(_ context.Context, jobID string, ev lifecycle.Event, slot *lifecycle.Slot, actor engine.Actor) (models.Job, error) {
	f.gotJobID, f.gotEvent, f.gotSlot, f.gotActor = jobID, ev, slot, actor
	return models.Job{ID: jobID, Status: models.StatusQuoteSent}, f.err
}

func (f *fakeEngine) Book(_ context.Context, customerID string, req engine.BookingRequest) (models.Job, error) {
	f.gotCust, f.gotBooking = customerID, req
	return models.Job{ID: "j2", CustomerID: customerID}, f.err
}

func (f *fakeEngine) CustomerJob(_ context.Context, customerID, jobID string) (models.Job, error) {
	f.gotCust, f.gotJobID = customerID, jobID
	return models.Job{ID: jobID, CustomerID: customerID}, f.err
}

func (f *fakeEngine) DecideRecurrence(_ context.Context, requestID string, role recurrence.Role, actorID string, d recurrence.Decision, _ *recurrence.Proposal) (models.RecurrenceRequest, error) {
	f.gotJobID, f.gotRole, f.gotCust, f.gotDec = requestID, role, actorID, d
	return models.RecurrenceRequest{ID: requestID, Status: models.RecurrenceAccepted}, f.err
}

func (f *fakeEngine) HandleWebhook(_ context.Context, body []byte, _, signature string) error {
	f.gotBody, f.gotSig = string(body), signature
	return f.err
}

type fakeDLQ struct{}

func (fakeDLQ) DLQPeek(context.Context, int64) ([]queue.Message, error) {
	return []queue.Message{{ID: "m1", Type: models.EventInvoiceSent}}, nil
}

func newTestServer(f *fakeEngine) http.Handler {
	return New(f, fakeDLQ{}, zap.NewNop().Sugar()).Router()
}

func do(t *testing.T, h http.Handler, method, path, role, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if role != "" {
		req.Header.Set(HeaderActorID, role+"-1")
		req.Header.Set(HeaderActorRole, role)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) problem {
	t.Helper()
	var p problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestHealthz(t *testing.T) {
	rec := do(t, newTestServer(&fakeEngine{}), http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRoleChecks(t *testing.T) {
	h := newTestServer(&fakeEngine{})

	rec := do(t, h, http.MethodGet, "/admin/jobs", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/admin/jobs/j1/send-quote", "customer", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeProblem(t, rec).Code)

	rec = do(t, h, http.MethodPost, "/customer/bookings", "admin", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateJobRecordsActor(t *testing.T) {
	f := &fakeEngine{}
	rec := do(t, newTestServer(f), http.MethodPost, "/admin/jobs", "admin", `{"customer_id":"c1","title":"Gutters"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, engine.Actor("admin-1"), f.gotActor)
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "c1", job.CustomerID)
}

func TestAdminActionMapsToEvent(t *testing.T) {
	f := &fakeEngine{}
	h := newTestServer(f)

	rec := do(t, h, http.MethodPost, "/admin/jobs/j9/send-quote", "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "j9", f.gotJobID)
	assert.Equal(t, lifecycle.EventSendQuote, f.gotEvent)
	assert.Nil(t, f.gotSlot)

	rec = do(t, h, http.MethodPost, "/admin/jobs/j9/expire", "admin", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleWithSlot(t *testing.T) {
	f := &fakeEngine{}
	body := `{"start":"2026-03-02T09:00:00Z","end":"2026-03-02T11:00:00Z"}`
	rec := do(t, newTestServer(f), http.MethodPost, "/admin/jobs/j1/schedule", "admin", body)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.gotSlot)
	assert.Equal(t, lifecycle.EventSchedule, f.gotEvent)
	assert.Equal(t, 2*time.Hour, f.gotSlot.End.Sub(f.gotSlot.Start))

	rec = do(t, newTestServer(f), http.MethodPost, "/admin/jobs/j1/schedule", "admin", `{"start":"2026-03-02T09:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		name string
	}{
		{errors.Wrap(errors.ErrInvalidInput, "x"), http.StatusBadRequest, "invalid_input"},
		{errors.Wrap(errors.ErrNotFound, "x"), http.StatusNotFound, "not_found"},
		{errors.NewInvalidTransition("paid", "cancel"), http.StatusConflict, "invalid_transition"},
		{errors.Wrap(errors.ErrConflict, "x"), http.StatusConflict, "conflict"},
		{errors.Wrap(errors.ErrRequestAlreadyPending, "x"), http.StatusConflict, "request_already_pending"},
		{errors.Wrap(errors.ErrAlreadyFinalized, "x"), http.StatusConflict, "already_finalized"},
		{errors.Wrap(errors.ErrCapacityExceeded, "x"), http.StatusUnprocessableEntity, "capacity_exceeded"},
		{errors.Wrap(errors.ErrDateBlocked, "x"), http.StatusUnprocessableEntity, "date_blocked"},
		{errors.Wrap(errors.ErrRateLimited, "x"), http.StatusTooManyRequests, "rate_limited"},
		{errors.Wrap(errors.ErrProviderOutcomeUnknown, "x"), http.StatusServiceUnavailable, "provider_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		code, name := statusFor(tc.err)
		assert.Equal(t, tc.code, code, tc.err.Error())
		assert.Equal(t, tc.name, name, tc.err.Error())
	}
}

func TestProviderFailureAsksForRetry(t *testing.T) {
	f := &fakeEngine{err: errors.Wrap(errors.ErrProviderUnavailable, "finalize quote: dial tcp 10.0.0.1:443")}
	rec := do(t, newTestServer(f), http.MethodPost, "/admin/jobs/j1/send-quote", "admin", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	p := decodeProblem(t, rec)
	assert.Equal(t, "billing provider unavailable", p.Error)
	assert.NotContains(t, rec.Body.String(), "10.0.0.1")
}

func TestInternalErrorIsNotLeaked(t *testing.T) {
	f := &fakeEngine{err: errors.New("pq: password authentication failed")}
	rec := do(t, newTestServer(f), http.MethodPost, "/admin/jobs", "admin", `{"customer_id":"c1","title":"t"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decodeProblem(t, rec).Error)
}

func TestBookUsesCallerIdentity(t *testing.T) {
	f := &fakeEngine{}
	body := `{"title":"Fence","start":"2026-03-02T09:00:00Z","duration_minutes":90,"customer_id":"someone-else"}`
	rec := do(t, newTestServer(f), http.MethodPost, "/customer/bookings", "customer", body)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "customer-1", f.gotCust)
	assert.Equal(t, 90, f.gotBooking.DurationMinutes)

	f.err = errors.WithHint(errors.ErrCapacityExceeded, "pick another day")
	rec = do(t, newTestServer(f), http.MethodPost, "/customer/bookings", "customer", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "pick another day", decodeProblem(t, rec).Hint)
}

func TestBadJSON(t *testing.T) {
	rec := do(t, newTestServer(&fakeEngine{}), http.MethodPost, "/customer/bookings", "customer", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecisionRoleComesFromRoute(t *testing.T) {
	f := &fakeEngine{}
	h := newTestServer(f)

	rec := do(t, h, http.MethodPost, "/customer/recurrence-requests/r1/decision", "customer", `{"decision":"Accept","role":"admin"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, recurrence.RoleCustomer, f.gotRole)
	assert.Equal(t, recurrence.DecisionAccept, f.gotDec)
	assert.Equal(t, "customer-1", f.gotCust)

	rec = do(t, h, http.MethodPost, "/admin/recurrence-requests/r1/decision", "admin", `{"decision":"counter"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, recurrence.RoleAdmin, f.gotRole)

	rec = do(t, h, http.MethodPost, "/admin/recurrence-requests/r1/decision", "admin", `{"decision":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookPassesHeadersThrough(t *testing.T) {
	f := &fakeEngine{}
	h := newTestServer(f)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set(HeaderWebhookTimestamp, "1767225600")
	req.Header.Set(HeaderWebhookSignature, "sha256=abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"id":"evt_1"}`, f.gotBody)
	assert.Equal(t, "sha256=abc", f.gotSig)

	f.err = errors.Wrap(errors.ErrInvalidInput, "webhook: signature mismatch")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookBodyLimit(t *testing.T) {
	big := strings.Repeat("x", maxWebhookBody+1)
	rec := do(t, newTestServer(&fakeEngine{}), http.MethodPost, "/webhooks/billing", "", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDLQListing(t *testing.T) {
	rec := do(t, newTestServer(&fakeEngine{}), http.MethodGet, "/admin/notifications/dlq?limit=5", "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"m1"`)
}
