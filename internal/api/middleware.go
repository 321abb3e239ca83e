package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/imerr"
	"github.com/haasonsaas/relay/internal/observability"
)

type ctxKey int

const identityKey ctxKey = iota

// requestID stamps every request with a correlation id, honoring one the
// caller already chose.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(observability.AddRequestID(r.Context(), id)))
	})
}

// route registers a handler wrapped with per-route access logging and
// latency metrics. The route pattern, not the raw path, is the metric
// label so user ids never explode the cardinality.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(rec.status), elapsed.Seconds())
		}
		s.log.Debug(r.Context(), "request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

// authed rejects requests without a valid bearer token and makes the
// verified identity available to the handler.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.jwt.Validate(auth.ExtractToken(r))
		if err != nil {
			s.writeError(r.Context(), w, imerr.Unauthorized("invalid or missing token"))
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, *id)
		ctx = observability.AddUserID(ctx, id.Subject)
		next(w, r.WithContext(ctx))
	}
}

// identityFrom returns the verified identity stored by authed.
func identityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
