package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/relay/internal/imerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a domain error as its {code, message, details}
// body. Server-class failures are logged with their cause; client
// errors are the caller's problem and only counted.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	de := imerr.AsError(err)
	status := imerr.HTTPStatus(de.Code)
	if status >= http.StatusInternalServerError {
		s.log.Error(ctx, "request failed", "error", err)
		if s.metrics != nil {
			s.metrics.RecordError("api", string(de.Code))
		}
	}
	writeJSON(w, status, de)
}
