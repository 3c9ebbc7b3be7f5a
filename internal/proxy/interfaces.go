package proxy

import (
	"context"
	"time"
)

// TokenProvider supplies the bearer token presented to the upstream API
type TokenProvider interface {
	// Token returns a currently valid access token, refreshing it if needed
	Token(ctx context.Context) (string, error)
}

// ProxyConfig contains configuration for the forwarder
type ProxyConfig struct {
	// BaseURL is the upstream prefix every endpoint suffix is appended to
	BaseURL string

	// Timeout bounds a buffered call end to end, and in streaming mode the
	// wait for response headers and for each subsequent line
	Timeout time.Duration

	// MaxRequestBodyBytes limits the inbound JSON body
	MaxRequestBodyBytes int64

	// Connection pool settings for the shared transport
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// ErrorResponse is the standard format for error responses
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	Code   string `json:"code,omitempty"`
}
