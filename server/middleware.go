package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/dataserver/telemetry"
)

// requestLog tags each request with an ID and operation, then logs and
// records metrics once the handler returns.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		r = telemetry.InjectTags(r)
		op := deriveOperation(r.Method, r.URL.Path)
		telemetry.SetOperation(r, op)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		attrs := []any{
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"operation", op,
			"status", rec.status,
			"bytes", rec.written,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", r.RemoteAddr,
		}
		tags := telemetry.GetTags(r)
		for _, kv := range [][2]string{
			{"outcome", string(tags.Outcome)},
			{"block_type", tags.BlockType},
			{"name", tags.BlockName},
		} {
			if kv[1] != "" {
				attrs = append(attrs, kv[0], kv[1])
			}
		}
		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, rec.status, rec.written, elapsed)
	})
}

// statusRecorder captures the response status and body size.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// deriveOperation names the API operation a request targets.
func deriveOperation(method, path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case method == http.MethodPost && path == "/dataserver/pushdata":
		return "push"
	case strings.HasPrefix(path, "/dataserver/data/"):
		return "query"
	case strings.HasPrefix(path, "/dataserver/update/"):
		return "update"
	default:
		return "unknown"
	}
}
