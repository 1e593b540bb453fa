package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/hperssn/modtrack/internal/engine"
)

func (s *Server) respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, message string, status int) {
	s.respondJSON(w, map[string]string{"error": message}, status)
}

// respondFailure reports an operation error: rejections as an Ack with a
// status matching the reason, anything else as a bare 500.
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	if re, ok := engine.RejectionOf(err); ok {
		s.respondJSON(w, engine.AckFor(re), statusFor(re.Reason))
		return
	}
	if r.Context().Err() != nil {
		// client went away
		return
	}
	s.logger.Error("request failed", "op", op, "operator", OperatorFrom(r.Context()), "error", err)
	s.respondError(w, "internal error", http.StatusInternalServerError)
}

func statusFor(reason engine.Reason) int {
	switch reason {
	case engine.ReasonStationNotFound, engine.ReasonClientNotFound, engine.ReasonPlanNotFound:
		return http.StatusNotFound
	case engine.ReasonInvalidRequest, engine.ReasonUnknownModalityOrType:
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
