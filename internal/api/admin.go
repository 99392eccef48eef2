package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"fieldservice/internal/engine"
	"fieldservice/internal/errors"
	"fieldservice/internal/lifecycle"
	"fieldservice/internal/models"
	"fieldservice/internal/store"
)

// adminActions are the transitions an administrator may trigger by path.
var adminActions = map[string]lifecycle.Event{
	"send-quote":   lifecycle.EventSendQuote,
	"schedule":     lifecycle.EventSchedule,
	"start":        lifecycle.EventStart,
	"complete":     lifecycle.EventComplete,
	"send-invoice": lifecycle.EventSendInvoice,
	"mark-paid":    lifecycle.EventMarkPaid,
	"cancel":       lifecycle.EventCancel,
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := store.JobFilter{CustomerID: r.URL.Query().Get("customer_id"), Limit: limit}
	if v := r.URL.Query().Get("status"); v != "" {
		f.Statuses = lo.Map(strings.Split(v, ","), func(part string, _ int) models.JobStatus {
			return models.JobStatus(strings.TrimSpace(part))
		})
		if bad, found := lo.Find(f.Statuses, func(st models.JobStatus) bool { return !st.Valid() }); found {
			s.writeError(w, r, errors.Wrapf(errors.ErrInvalidInput, "unknown status %q", bad))
			return
		}
	}
	jobs, err := s.engine.ListJobs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req engine.NewJob
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.engine.CreateJob(r.Context(), req, engine.Actor(actorFrom(r).ID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAddLineItem(w http.ResponseWriter, r *http.Request) {
	var req engine.NewLineItem
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.engine.AddLineItem(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleDeleteLineItem(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.DeleteLineItem(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type slotRequest struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
}

func (s *Server) handleAdminAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	ev, ok := adminActions[action]
	if !ok {
		writeProblem(w, http.StatusNotFound, "not_found", "unknown action "+action)
		return
	}

	var slot *lifecycle.Slot
	if ev == lifecycle.EventSchedule && r.ContentLength != 0 {
		var req slotRequest
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if (req.Start == nil) != (req.End == nil) {
			s.writeError(w, r, errors.Wrap(errors.ErrInvalidInput, "start and end must be given together"))
			return
		}
		if req.Start != nil {
			slot = &lifecycle.Slot{Start: req.Start.UTC(), End: req.End.UTC()}
		}
	}

	job, err := s.engine.Transition(r.Context(), chi.URLParam(r, "id"), ev, slot, engine.Actor(actorFrom(r).ID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleWorklist(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reqs, err := s.engine.RecurrenceWorklist(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Import(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.engine.CalendarEvents(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type personalEventRequest struct {
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) handleAddPersonalEvent(w http.ResponseWriter, r *http.Request) {
	var req personalEventRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := s.engine.AddPersonalEvent(r.Context(), req.Title, req.Start, req.End)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleDeletePersonalEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeletePersonalEvent(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBlockDate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	b, err := s.engine.BlockDate(r.Context(), chi.URLParam(r, "day"), req.Reason, engine.Actor(actorFrom(r).ID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleUnblockDate(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.UnblockDate(r.Context(), chi.URLParam(r, "day")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	s.getPreferences(w, r, chi.URLParam(r, "recipientID"))
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	s.putPreferences(w, r, chi.URLParam(r, "recipientID"))
}

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request, recipientID string) {
	p, err := s.engine.Preferences(r.Context(), recipientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) putPreferences(w http.ResponseWriter, r *http.Request, recipientID string) {
	var p models.NotificationPreferences
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	p.RecipientID = recipientID
	if err := s.engine.SetPreferences(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleDLQ returns notification messages that exhausted their retries.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.dlq.DLQPeek(r.Context(), int64(limit))
	if err != nil {
		s.writeError(w, r, errors.Wrap(err, "read dlq"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
