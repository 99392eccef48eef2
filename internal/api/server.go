package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"fieldservice/internal/availability"
	"fieldservice/internal/engine"
	"fieldservice/internal/errors"
	"fieldservice/internal/lifecycle"
	"fieldservice/internal/logger"
	"fieldservice/internal/models"
	"fieldservice/internal/queue"
	"fieldservice/internal/recurrence"
	"fieldservice/internal/store"
	"fieldservice/internal/telemetry"
)

// Engine is the lifecycle engine as the HTTP layer uses it. *engine.Engine
// implements it.
type Engine interface {
	CreateJob(ctx context.Context, in engine.NewJob, actor engine.Actor) (models.Job, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error)
	Job(ctx context.Context, id string) (models.Job, error)
	Audit(ctx context.Context, jobID string) ([]models.AuditLog, error)
	AddLineItem(ctx context.Context, jobID string, in engine.NewLineItem) (models.Job, error)
	DeleteLineItem(ctx context.Context, jobID, itemID string) (models.Job, error)
	Transition(ctx context.Context, jobID string, ev lifecycle.Event, slot *lifecycle.Slot, actor engine.Actor) (models.Job, error)
	Import(ctx context.Context) (engine.ImportResult, error)

	BlockDate(ctx context.Context, day, reason string, actor engine.Actor) (models.BlockedDate, error)
	UnblockDate(ctx context.Context, day string) error
	CalendarEvents(ctx context.Context, fromDay, toDay string) ([]models.CalendarEvent, error)
	AddPersonalEvent(ctx context.Context, title string, start, end time.Time) (models.CalendarEvent, error)
	DeletePersonalEvent(ctx context.Context, id string) error
	Availability(ctx context.Context, fromDay, toDay string) (availability.Calendar, error)

	RecurrenceWorklist(ctx context.Context, limit int) ([]models.RecurrenceRequest, error)
	ProposeRecurrence(ctx context.Context, customerID, jobID string, p recurrence.Proposal) (models.RecurrenceRequest, error)
	DecideRecurrence(ctx context.Context, requestID string, role recurrence.Role, actorID string, d recurrence.Decision, counter *recurrence.Proposal) (models.RecurrenceRequest, error)

	Preferences(ctx context.Context, recipientID string) (models.NotificationPreferences, error)
	SetPreferences(ctx context.Context, p models.NotificationPreferences) error

	Book(ctx context.Context, customerID string, req engine.BookingRequest) (models.Job, error)
	CustomerJobs(ctx context.Context, customerID string) ([]models.Job, error)
	CustomerJob(ctx context.Context, customerID, jobID string) (models.Job, error)
	RespondToQuote(ctx context.Context, customerID, jobID string, r engine.QuoteResponse) (models.Job, error)

	HandleWebhook(ctx context.Context, body []byte, timestamp, signature string) error
}

// DeadLetters exposes failed notification messages. *queue.RedisQueue
// implements it.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]queue.Message, error)
}

// Headers set by the authenticating proxy in front of the API.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"

	HeaderWebhookTimestamp = "X-Billing-Timestamp"
	HeaderWebhookSignature = "X-Billing-Signature"
)

const maxWebhookBody = 1 << 20

// Server wires HTTP handlers for administrators, customers and the billing
// provider.
type Server struct {
	engine Engine
	dlq    DeadLetters
	log    *zap.SugaredLogger
}

// New constructs the API server. dlq may be nil.
func New(e Engine, dlq DeadLetters, log *zap.SugaredLogger) *Server {
	return &Server{
		engine: e,
		dlq:    dlq,
		log:    logger.Component(log, "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/billing", s.handleWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireRole(recurrence.RoleAdmin))

		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/audit", s.handleAudit)
		r.Post("/jobs/{id}/line-items", s.handleAddLineItem)
		r.Delete("/jobs/{id}/line-items/{itemID}", s.handleDeleteLineItem)
		r.Post("/jobs/{id}/{action}", s.handleAdminAction)

		r.Get("/recurrence-requests", s.handleWorklist)
		r.Post("/recurrence-requests/{id}/decision", s.handleDecide(recurrence.RoleAdmin))

		r.Post("/import", s.handleImport)

		r.Get("/availability", s.handleAvailability)
		r.Get("/calendar", s.handleCalendar)
		r.Post("/calendar/events", s.handleAddPersonalEvent)
		r.Delete("/calendar/events/{id}", s.handleDeletePersonalEvent)
		r.Put("/blocked-dates/{day}", s.handleBlockDate)
		r.Delete("/blocked-dates/{day}", s.handleUnblockDate)

		r.Get("/preferences/{recipientID}", s.handleGetPreferences)
		r.Put("/preferences/{recipientID}", s.handlePutPreferences)

		r.Get("/notifications/dlq", s.handleDLQ)
	})

	r.Route("/customer", func(r chi.Router) {
		r.Use(requireRole(recurrence.RoleCustomer))

		r.Get("/availability", s.handleAvailability)
		r.Post("/bookings", s.handleBook)
		r.Get("/jobs", s.handleCustomerJobs)
		r.Get("/jobs/{id}", s.handleCustomerJob)
		r.Post("/jobs/{id}/quote-response", s.handleQuoteResponse)
		r.Post("/jobs/{id}/recurrence-requests", s.handlePropose)
		r.Post("/recurrence-requests/{id}/decision", s.handleDecide(recurrence.RoleCustomer))
		r.Get("/preferences", s.handleGetOwnPreferences)
		r.Put("/preferences", s.handlePutOwnPreferences)
	})
	return r
}

type actorKey struct{}

type actor struct {
	ID   string
	Role recurrence.Role
}

// requireRole admits requests whose proxy-asserted role matches. Identity
// is established upstream; this is the capability check.
func requireRole(role recurrence.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderActorID)
			if id == "" {
				writeProblem(w, http.StatusUnauthorized, "unauthenticated", "missing "+HeaderActorID)
				return
			}
			if recurrence.Role(r.Header.Get(HeaderActorRole)) != role {
				writeProblem(w, http.StatusForbidden, "forbidden", "this route needs the "+string(role)+" role")
				return
			}
			ctx := context.WithValue(r.Context(), actorKey{}, actor{ID: id, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFrom(r *http.Request) actor {
	a, _ := r.Context().Value(actorKey{}).(actor)
	return a
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalidInput, "invalid json")
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(errors.ErrInvalidInput, "%s must be a non-negative integer", name)
	}
	return n, nil
}

type problem struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Hint  string `json:"hint,omitempty"`
}

// statusFor maps an engine error onto a response status and stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errors.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, errors.ErrRequestAlreadyPending):
		return http.StatusConflict, "request_already_pending"
	case errors.Is(err, errors.ErrAlreadyFinalized):
		return http.StatusConflict, "already_finalized"
	case errors.Is(err, errors.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity, "capacity_exceeded"
	case errors.Is(err, errors.ErrDateBlocked):
		return http.StatusUnprocessableEntity, "date_blocked"
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.IsProviderFailure(err):
		return http.StatusServiceUnavailable, "provider_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, name := statusFor(err)
	p := problem{Error: err.Error(), Code: name, Hint: errors.FlattenHints(err)}
	switch {
	case code == http.StatusServiceUnavailable:
		p.Error = "billing provider unavailable"
		if p.Hint == "" {
			p.Hint = "try again shortly"
		}
		w.Header().Set("Retry-After", "30")
		s.log.Warnw("provider failure", "path", r.URL.Path, logger.FieldError, err)
	case code >= http.StatusInternalServerError:
		p.Error = "internal error"
		s.log.Errorw("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), logger.FieldError, err)
	}
	writeJSON(w, code, p)
}

func writeProblem(w http.ResponseWriter, code int, name, msg string) {
	writeJSON(w, code, problem{Error: msg, Code: name})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
