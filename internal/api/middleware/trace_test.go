package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/genq/internal/api/shared"
	"github.com/phrazzld/genq/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceMiddleware(t *testing.T) {
	log, logBuf := logger.GetTestLogger(t)

	var seenTrace string
	var ctxLoggerSet bool
	handler := NewTraceMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTrace = shared.GetTraceID(r.Context())
		ctxLoggerSet = logger.FromContextOrDefault(r.Context(), nil) != nil
		w.WriteHeader(http.StatusTeapot)
	}))

	t.Run("generates a trace id", func(t *testing.T) {
		logBuf.Reset()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queue/depth", nil))

		assert.Len(t, seenTrace, 32)
		assert.True(t, ctxLoggerSet)
		assert.Equal(t, seenTrace, rec.Header().Get(shared.TraceIDHeader))

		entries, err := logBuf.GetLogEntries()
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "request completed", entries[1]["msg"])
		assert.Equal(t, float64(http.StatusTeapot), entries[1]["status"])
		assert.Equal(t, seenTrace, entries[1]["trace_id"])
	})

	t.Run("reuses caller trace id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(shared.TraceIDHeader, "caller-trace-42")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "caller-trace-42", seenTrace)
		assert.Equal(t, "caller-trace-42", rec.Header().Get(shared.TraceIDHeader))
	})
}
