package api

import (
	"io"
	"net/http"

	"fieldservice/internal/errors"
)

// handleWebhook acknowledges with 200 once a delivery is applied, ignored or
// recognized as a duplicate. Any other answer makes the provider redeliver.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		s.writeError(w, r, errors.Wrap(errors.ErrInvalidInput, "read body"))
		return
	}
	if len(body) > maxWebhookBody {
		writeProblem(w, http.StatusRequestEntityTooLarge, "too_large", "webhook body too large")
		return
	}
	err = s.engine.HandleWebhook(r.Context(), body, r.Header.Get(HeaderWebhookTimestamp), r.Header.Get(HeaderWebhookSignature))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}
