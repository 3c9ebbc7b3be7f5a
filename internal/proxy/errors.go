package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sofatutor/vertex-proxy/internal/credentials"
	"github.com/sofatutor/vertex-proxy/internal/logging"
	"go.uber.org/zap"
)

// GatewayError reports a transport-level failure talking to the upstream API.
type GatewayError struct {
	Err error
}

func (e *GatewayError) Error() string { return "upstream request failed: " + e.Err.Error() }

func (e *GatewayError) Unwrap() error { return e.Err }

// MalformedUpstreamResponseError reports a buffered upstream body that is not valid JSON.
type MalformedUpstreamResponseError struct {
	StatusCode int
	Err        error
}

func (e *MalformedUpstreamResponseError) Error() string {
	return fmt.Sprintf("upstream returned malformed JSON (status %d): %v", e.StatusCode, e.Err)
}

func (e *MalformedUpstreamResponseError) Unwrap() error { return e.Err }

// RequestError reports an inbound body the proxy cannot read the stream flag from.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string { return "invalid request body: " + e.Err.Error() }

func (e *RequestError) Unwrap() error { return e.Err }

// RequestTooLargeError reports an inbound body over the configured limit.
type RequestTooLargeError struct {
	Limit int64
}

func (e *RequestTooLargeError) Error() string {
	return fmt.Sprintf("request body exceeds %d bytes", e.Limit)
}

// classify maps an error to its HTTP status, response body and metric kind.
func classify(err error) (int, ErrorResponse, string) {
	var (
		credErr      *credentials.CredentialError
		gatewayErr   *GatewayError
		malformedErr *MalformedUpstreamResponseError
		requestErr   *RequestError
		tooLargeErr  *RequestTooLargeError
	)

	switch {
	case errors.As(err, &tooLargeErr):
		return http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:  "Request too large",
			Detail: tooLargeErr.Error(),
			Code:   "request_too_large",
		}, ""

	case errors.As(err, &requestErr):
		return http.StatusBadRequest, ErrorResponse{
			Error:  "Invalid request",
			Detail: requestErr.Err.Error(),
			Code:   "invalid_request",
		}, ""

	case errors.As(err, &credErr):
		return http.StatusInternalServerError, ErrorResponse{
			Error:  "Credential error",
			Detail: credErr.Error(),
			Code:   "credential_error",
		}, "credential"

	case errors.As(err, &malformedErr):
		return http.StatusBadGateway, ErrorResponse{
			Error:  "Malformed upstream response",
			Detail: malformedErr.Error(),
			Code:   "malformed_upstream_response",
		}, "malformed"

	case errors.As(err, &gatewayErr):
		return http.StatusBadGateway, ErrorResponse{
			Error:  "Bad gateway",
			Detail: gatewayErr.Err.Error(),
			Code:   "bad_gateway",
		}, "transport"

	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error:  "Internal error",
			Detail: err.Error(),
			Code:   "internal_error",
		}, "internal"
	}
}

// writeError logs err and renders it as a JSON ErrorResponse.
func (f *Forwarder) writeError(w http.ResponseWriter, r *http.Request, route Route, err error) int {
	statusCode, resp, kind := classify(err)
	if kind != "" {
		f.metrics.UpstreamErrors.WithLabelValues(route.Name, kind).Inc()
	}

	fields := append(logging.RequestFields(r.Context()),
		zap.Error(err),
		zap.String("route", route.Name),
		zap.Int("status", statusCode))
	if statusCode >= http.StatusInternalServerError {
		f.logger.Error("Proxy error", fields...)
	} else {
		f.logger.Warn("Rejected request", fields...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		f.logger.Error("Failed to encode error response", zap.Error(err))
	}
	return statusCode
}
