package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sofatutor/vertex-proxy/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name                  string
		existingRequestID     string
		existingCorrelationID string
		wantRequestID         string
		wantCorrelationID     string
	}{
		{name: "no existing headers - generates new IDs"},
		{name: "existing request ID - uses it", existingRequestID: "existing-req-123", wantRequestID: "existing-req-123"},
		{name: "existing correlation ID - uses it", existingCorrelationID: "existing-corr-456", wantCorrelationID: "existing-corr-456"},
		{name: "surrounding whitespace trimmed", existingRequestID: "  padded-id  ", wantRequestID: "padded-id"},
		{name: "control characters replaced", existingRequestID: "bad\x01id"},
		{name: "embedded spaces replaced", existingRequestID: "two words"},
		{name: "too long replaced", existingRequestID: strings.Repeat("a", maxIDLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxRequestID, ctxCorrelationID string
			handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxRequestID, _ = logging.GetRequestID(r.Context())
				ctxCorrelationID, _ = logging.GetCorrelationID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/chat/completions", nil)
			if tt.existingRequestID != "" {
				req.Header.Set(RequestIDHeader, tt.existingRequestID)
			}
			if tt.existingCorrelationID != "" {
				req.Header.Set(CorrelationIDHeader, tt.existingCorrelationID)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, ctxRequestID, rr.Header().Get(RequestIDHeader))
			assert.Equal(t, ctxCorrelationID, rr.Header().Get(CorrelationIDHeader))

			if tt.wantRequestID != "" {
				assert.Equal(t, tt.wantRequestID, ctxRequestID)
			} else {
				_, err := uuid.Parse(ctxRequestID)
				require.NoError(t, err, "expected generated UUID, got %q", ctxRequestID)
			}
			if tt.wantCorrelationID != "" {
				assert.Equal(t, tt.wantCorrelationID, ctxCorrelationID)
			} else {
				_, err := uuid.Parse(ctxCorrelationID)
				require.NoError(t, err)
			}
		})
	}
}

func TestRequestIDMiddleware_GenerateUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 50; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/embeddings", nil))
		id := rr.Header().Get(RequestIDHeader)
		assert.False(t, seen[id], "duplicate request ID %s", id)
		seen[id] = true
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, validID("abc-123_XYZ.4"))
	assert.True(t, validID(strings.Repeat("a", maxIDLength)))
	assert.False(t, validID(""))
	assert.False(t, validID("tab\tinside"))
	assert.False(t, validID("ünicode"))
}
