package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sofatutor/vertex-proxy/internal/logging"
)

const (
	RequestIDHeader     = "X-Request-ID"
	CorrelationIDHeader = "X-Correlation-ID"

	maxIDLength = 128
)

// NewRequestIDMiddleware propagates request and correlation IDs through the
// request context and echoes them on the response. Missing or unusable IDs
// are replaced with a fresh UUID.
func NewRequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := getOrGenerateID(r.Header.Get(RequestIDHeader))
			correlationID := getOrGenerateID(r.Header.Get(CorrelationIDHeader))

			ctx := logging.WithRequestID(r.Context(), requestID)
			ctx = logging.WithCorrelationID(ctx, correlationID)

			w.Header().Set(RequestIDHeader, requestID)
			w.Header().Set(CorrelationIDHeader, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// getOrGenerateID returns the provided ID if usable, otherwise a new UUID.
func getOrGenerateID(existingID string) string {
	existingID = strings.TrimSpace(existingID)
	if !validID(existingID) {
		return uuid.New().String()
	}
	return existingID
}

// validID accepts short printable ASCII IDs so they are safe to log and echo.
func validID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
