package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationIDGeneratesAndPropagates(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := RequestIDFromContext(r.Context())
		require.True(t, ok)
		seen = id
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestCorrelationIDKeepsProvidedID(t *testing.T) {
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := RequestIDFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, "req-123", id)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

// recordingLogger captures the fields of the last Info call.
type recordingLogger struct {
	fields map[string]interface{}
}

func (l *recordingLogger) Info(message string, fields map[string]interface{}) { l.fields = fields }
func (l *recordingLogger) Error(message string, fields map[string]interface{}) {}
func (l *recordingLogger) Warn(message string, fields map[string]interface{}) {}
func (l *recordingLogger) Debug(message string, fields map[string]interface{}) {}
func (l *recordingLogger) Fatal(message string, fields map[string]interface{}) {}

func TestRequestLogCarriesCorrelationID(t *testing.T) {
	rec := &recordingLogger{}
	h := CorrelationID(NewLoggingMiddleware(rec).Log(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	req.Header.Set("X-Request-ID", "req-456")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, rec.fields)
	assert.Equal(t, "req-456", rec.fields["request_id"])
	assert.Equal(t, http.StatusNoContent, rec.fields["status"])
}
