// Package proxy forwards inference requests to Vertex AI with a bearer token
// and relays the answer either buffered or as an event stream.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sofatutor/vertex-proxy/internal/logging"
	"github.com/sofatutor/vertex-proxy/internal/middleware"
	"github.com/sofatutor/vertex-proxy/internal/obfuscate"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds every outbound call.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRequestBodyBytes limits inbound request bodies.
	DefaultMaxRequestBodyBytes = 10 << 20
)

// Forwarder builds the outbound request for a route, dispatches it and relays
// the upstream response to the caller.
type Forwarder struct {
	config    ProxyConfig
	tokens    TokenProvider
	transport *http.Transport
	client    *http.Client
	logger    *zap.Logger
	metrics   *Metrics
}

// NewForwarder creates a Forwarder. A nil logger disables logging and nil
// metrics are created unregistered.
func NewForwarder(config ProxyConfig, tokens TokenProvider, logger *zap.Logger, metrics *Metrics) (*Forwarder, error) {
	if tokens == nil {
		return nil, errors.New("token provider is required")
	}
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if !base.IsAbs() || base.Host == "" {
		return nil, fmt.Errorf("upstream base URL must be absolute: %q", config.BaseURL)
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxRequestBodyBytes <= 0 {
		config.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	if config.MaxIdleConns <= 0 {
		config.MaxIdleConns = 100
	}
	if config.MaxIdleConnsPerHost <= 0 {
		config.MaxIdleConnsPerHost = 20
	}
	if config.IdleConnTimeout <= 0 {
		config.IdleConnTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	f := &Forwarder{
		config:  config,
		tokens:  tokens,
		logger:  logger,
		metrics: metrics,
	}
	f.transport = f.createTransport()
	f.client = &http.Client{Transport: f.transport}
	return f, nil
}

// createTransport creates an HTTP transport with appropriate settings
func (f *Forwarder) createTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          f.config.MaxIdleConns,
		MaxIdleConnsPerHost:   f.config.MaxIdleConnsPerHost,
		IdleConnTimeout:       f.config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: f.config.Timeout,
	}
}

// Handler returns a handler serving every route of the route table. Other
// methods on those paths get 405 and unknown paths 404.
func (f *Forwarder) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, route := range Routes {
		mux.Handle(route.Pattern(), f.Forward(route))
	}
	return middleware.Chain(mux, f.LoggingMiddleware())
}

// Forward returns the handler for a single route.
func (f *Forwarder) Forward(route Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		r.Body = http.MaxBytesReader(w, r.Body, f.config.MaxRequestBodyBytes)
		body, stream, err := decodeRequestBody(r.Body)

		var status int
		switch {
		case err != nil:
			status = f.writeError(w, r, route, err)
		case stream:
			status = f.relayStream(w, r, route, body)
		default:
			status = f.relayBuffered(w, r, route, body)
		}

		mode := modeLabel(stream)
		f.metrics.Requests.WithLabelValues(route.Name, mode, strconv.Itoa(status)).Inc()
		f.metrics.Duration.WithLabelValues(route.Name, mode).Observe(time.Since(start).Seconds())
	})
}

// Close releases idle upstream connections.
func (f *Forwarder) Close() {
	f.transport.CloseIdleConnections()
}

// EndpointURL returns the upstream URL for route.
func (f *Forwarder) EndpointURL(route Route) string {
	return f.config.BaseURL + "/" + route.Endpoint
}

// decodeRequestBody reads the inbound JSON object and its stream flag. The
// body is forwarded byte for byte; when the flag is absent, "stream":false is
// spliced in before the closing brace.
func decodeRequestBody(r io.Reader) ([]byte, bool, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, false, &RequestTooLargeError{Limit: maxErr.Limit}
		}
		return nil, false, &RequestError{Err: fmt.Errorf("read body: %w", err)}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, false, &RequestError{Err: fmt.Errorf("expected a JSON object: %w", err)}
	}
	if fields == nil {
		return nil, false, &RequestError{Err: errors.New("expected a JSON object")}
	}

	if raw, ok := fields["stream"]; ok {
		var stream bool
		if err := json.Unmarshal(raw, &stream); err != nil {
			return nil, false, &RequestError{Err: errors.New("stream must be a boolean")}
		}
		return body, stream, nil
	}

	member := `,"stream":false`
	if len(fields) == 0 {
		member = `"stream":false`
	}
	end := bytes.LastIndexByte(body, '}')
	out := make([]byte, 0, len(body)+len(member))
	out = append(out, body[:end]...)
	out = append(out, member...)
	out = append(out, body[end:]...)
	return out, false, nil
}

// newUpstreamRequest fetches a token and builds the authenticated outbound request.
func (f *Forwarder) newUpstreamRequest(ctx context.Context, r *http.Request, route Route, body []byte, stream bool) (*http.Request, error) {
	token, err := f.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, f.EndpointURL(route), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if ce := f.logger.Check(zap.DebugLevel, "Forwarding upstream"); ce != nil {
		ce.Write(append(logging.RequestFields(r.Context()),
			zap.String("route", route.Name),
			zap.String("url", req.URL.String()),
			zap.String("authorization", obfuscate.AuthorizationHeader(req.Header.Get("Authorization"))),
			zap.Bool("stream", stream))...)
	}
	return req, nil
}

// relayBuffered waits for the whole upstream body and returns it verbatim
// once it has been checked to be JSON.
func (f *Forwarder) relayBuffered(w http.ResponseWriter, r *http.Request, route Route, body []byte) int {
	ctx, cancel := context.WithTimeout(r.Context(), f.config.Timeout)
	defer cancel()

	req, err := f.newUpstreamRequest(ctx, r, route, body, false)
	if err != nil {
		return f.writeError(w, r, route, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return f.writeError(w, r, route, &GatewayError{Err: err})
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return f.writeError(w, r, route, &GatewayError{Err: fmt.Errorf("read upstream response: %w", err)})
	}

	var raw json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return f.writeError(w, r, route, &MalformedUpstreamResponseError{StatusCode: resp.StatusCode, Err: err})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(payload); err != nil {
		f.logger.Debug("Failed to write response", append(logging.RequestFields(r.Context()), zap.Error(err))...)
	}
	return resp.StatusCode
}

// relayStream forwards the upstream event stream line by line. The timeout
// applies to the response headers and then to each gap between lines.
func (f *Forwarder) relayStream(w http.ResponseWriter, r *http.Request, route Route, body []byte) int {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var idled atomic.Bool
	idle := time.AfterFunc(f.config.Timeout, func() {
		idled.Store(true)
		cancel()
	})
	defer idle.Stop()

	req, err := f.newUpstreamRequest(ctx, r, route, body, true)
	if err != nil {
		return f.writeError(w, r, route, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if idled.Load() {
			err = fmt.Errorf("no response within %s: %w", f.config.Timeout, err)
		}
		return f.writeError(w, r, route, &GatewayError{Err: err})
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flush := func() {}
	if flusher, ok := w.(http.Flusher); ok {
		flush = flusher.Flush
	}
	flush()

	chunks, done, err := relayLines(w, flush, resp.Body, func() { idle.Reset(f.config.Timeout) })
	f.metrics.StreamChunks.WithLabelValues(route.Name).Add(float64(chunks))

	fields := append(logging.RequestFields(r.Context()),
		zap.String("route", route.Name),
		zap.Int("chunks", chunks))
	switch {
	case err != nil && idled.Load():
		f.metrics.UpstreamErrors.WithLabelValues(route.Name, "idle_timeout").Inc()
		f.logger.Warn("Upstream stream went idle", append(fields, zap.Duration("timeout", f.config.Timeout))...)
	case err != nil && r.Context().Err() != nil:
		f.logger.Debug("Client disconnected during stream", fields...)
	case err != nil:
		f.metrics.UpstreamErrors.WithLabelValues(route.Name, "stream").Inc()
		f.logger.Error("Stream relay failed", append(fields, zap.Error(err))...)
	case !done:
		f.logger.Debug("Upstream stream ended without sentinel", fields...)
	}
	return resp.StatusCode
}

// LoggingMiddleware logs request details
func (f *Forwarder) LoggingMiddleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			fields := logging.RequestFields(r.Context())
			f.logger.Debug("Request started", append(fields,
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr))...)

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			f.logger.Info("Request completed", append(fields,
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.statusCode),
				zap.Duration("duration", time.Since(start)))...)
		})
	}
}

// responseRecorder captures the status code while passing flushes through
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if !r.wroteHeader {
		r.statusCode = statusCode
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
