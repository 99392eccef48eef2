package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"fieldservice/internal/engine"
	"fieldservice/internal/recurrence"
)

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cal, err := s.engine.Availability(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	var req engine.BookingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.engine.Book(r.Context(), actorFrom(r).ID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleCustomerJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.engine.CustomerJobs(r.Context(), actorFrom(r).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCustomerJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.CustomerJob(r.Context(), actorFrom(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleQuoteResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Response engine.QuoteResponse `json:"response"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.engine.RespondToQuote(r.Context(), actorFrom(r).ID, chi.URLParam(r, "id"), req.Response)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var p recurrence.Proposal
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.engine.ProposeRecurrence(r.Context(), actorFrom(r).ID, chi.URLParam(r, "id"), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

type decisionRequest struct {
	Decision string               `json:"decision"`
	Counter  *recurrence.Proposal `json:"counter,omitempty"`
}

// handleDecide serves both sides of the negotiation; role comes from the
// route, never from the body.
func (s *Server) handleDecide(role recurrence.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		d, err := recurrence.ParseDecision(req.Decision)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out, err := s.engine.DecideRecurrence(r.Context(), chi.URLParam(r, "id"), role, actorFrom(r).ID, d, req.Counter)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleGetOwnPreferences(w http.ResponseWriter, r *http.Request) {
	s.getPreferences(w, r, actorFrom(r).ID)
}

func (s *Server) handlePutOwnPreferences(w http.ResponseWriter, r *http.Request) {
	s.putPreferences(w, r, actorFrom(r).ID)
}
