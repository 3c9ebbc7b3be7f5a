// Package middleware holds the HTTP middleware shared by the proxy routes.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sofatutor/vertex-proxy/internal/eventbus"
	"github.com/sofatutor/vertex-proxy/internal/logging"
	"go.uber.org/zap"
)

// Middleware defines a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

const defaultPublishTimeout = 5 * time.Second

// ObservabilityConfig controls the behavior of the observability middleware.
type ObservabilityConfig struct {
	Enabled  bool
	EventBus eventbus.EventBus

	// PublishTimeout bounds each Publish call (default: 5s).
	PublishTimeout time.Duration
}

// ObservabilityMiddleware publishes one event per request to an event bus.
// Only metadata is recorded; bodies pass through untouched.
type ObservabilityMiddleware struct {
	cfg    ObservabilityConfig
	logger *zap.Logger
}

// NewObservabilityMiddleware creates a new ObservabilityMiddleware instance.
func NewObservabilityMiddleware(cfg ObservabilityConfig, logger *zap.Logger) *ObservabilityMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return &ObservabilityMiddleware{cfg: cfg, logger: logger}
}

// Middleware returns the http middleware function. The event is published
// after the handler returns, off the request goroutine.
func (m *ObservabilityMiddleware) Middleware() Middleware {
	if !m.cfg.Enabled || m.cfg.EventBus == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &eventRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			evt := rec.event(r, start)
			m.logger.Debug("Publishing request event",
				zap.String("request_id", evt.RequestID),
				zap.Int("status", evt.Status))
			go m.publish(evt)
		})
	}
}

func (m *ObservabilityMiddleware) publish(evt eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
	defer cancel()
	m.cfg.EventBus.Publish(ctx, evt)
}

// eventRecorder tracks what the client was sent: first status, body bytes
// and whether the response was an event stream.
type eventRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int64
}

func (w *eventRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *eventRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Flush keeps streamed chunks moving through the recorder.
func (w *eventRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *eventRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *eventRecorder) event(r *http.Request, start time.Time) eventbus.Event {
	reqID, _ := logging.GetRequestID(r.Context())
	if reqID == "" {
		reqID = w.Header().Get(RequestIDHeader)
	}
	corrID, _ := logging.GetCorrelationID(r.Context())

	return eventbus.Event{
		RequestID:     reqID,
		CorrelationID: corrID,
		Method:        r.Method,
		Path:          r.URL.Path,
		Status:        w.status,
		Duration:      time.Since(start),
		Stream:        strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream"),
		ResponseBytes: w.bytes,
		Timestamp:     start.UTC(),
	}
}
