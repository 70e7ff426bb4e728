package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/haondt/talaria/internal/logging"
)

// CorrelationIDMiddleware tags each request with a correlation ID,
// honoring an inbound X-Correlation-ID header and echoing the ID back on
// the response. Downstream handlers reach it via GetCorrelationID.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithCorrelationID(r.Context(), id)))
	})
}

// GetCorrelationID returns the request's correlation ID, or "".
func GetCorrelationID(ctx context.Context) string {
	return logging.GetCorrelationID(ctx)
}

// statusRecorder captures the status code a handler writes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// RequestLoggingMiddleware logs one line per completed request with its
// method, path, status, duration, and client address. The health check
// and event stream log at debug to keep steady-state output quiet.
func RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger := logging.Default().WithFields(map[string]interface{}{
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"client":      getClientIP(r),
		})
		switch {
		case rec.status >= 500:
			logger.ErrorContext(r.Context(), "%s %s", r.Method, r.URL.Path)
		case rec.status >= 400:
			logger.WarnContext(r.Context(), "%s %s", r.Method, r.URL.Path)
		case r.URL.Path == "/hc" || r.URL.Path == "/ws":
			logger.DebugContext(r.Context(), "%s %s", r.Method, r.URL.Path)
		default:
			logger.InfoContext(r.Context(), "%s %s", r.Method, r.URL.Path)
		}
	})
}

// ChainMiddleware wraps h so the first middleware given is the
// outermost.
func ChainMiddleware(h http.Handler, middleware ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
