// Package logging sets up structured JSON logging and an HTTP middleware
// that attaches a request id to every control-surface request, matching
// the teacher's logging.go.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

type contextKey string

const requestIDKey contextKey = "request_id"

var (
	requestsTotal atomic.Int64
	errorsTotal   atomic.Int64
)

// RequestsTotal returns the number of HTTP requests observed by the
// logging middleware, for the metrics endpoint.
func RequestsTotal() int64 { return requestsTotal.Load() }

// ErrorsTotal returns the number of 5xx responses observed.
func ErrorsTotal() int64 { return errorsTotal.Load() }

// Init configures the default slog logger as JSON, level controlled by
// LOG_LEVEL (debug|info|warn|error, default info).
func Init() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", level.String())
}

func generateRequestID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext returns a logger enriched with the request id, if any.
func FromContext(ctx context.Context) *slog.Logger {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return slog.Default().With("request_id", id)
	}
	return slog.Default()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware logs each request with a generated request id, mirroring the
// teacher's RequestLoggingMiddleware. Requests to /health, /health/* and
// /metrics pass straight through: no request id, no log line, not counted.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/health/") || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		reqID := generateRequestID()
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-Id", reqID)

		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		attrs := []any{
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", duration.Milliseconds(),
		}
		requestsTotal.Add(1)
		switch {
		case wrapped.status >= 500:
			errorsTotal.Add(1)
			slog.Error("request failed", attrs...)
		case wrapped.status >= 400:
			slog.Warn("request error", attrs...)
		default:
			slog.Debug("request completed", attrs...)
		}
	})
}
