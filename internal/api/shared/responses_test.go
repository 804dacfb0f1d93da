package shared

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/genq/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	RespondWithJSON(w, req, http.StatusAccepted, map[string]interface{}{"id": "abc", "n": 3})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "abc", response["id"])
	assert.Equal(t, float64(3), response["n"])
}

func TestRespondWithJSONEncodingError(t *testing.T) {
	ctx, logBuf := logger.NewTestContext(t)
	req := httptest.NewRequest(http.MethodGet, "/test", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	// channels cannot be encoded
	RespondWithJSON(w, req, http.StatusOK, map[string]interface{}{"ch": make(chan int)})

	assert.Equal(t, http.StatusOK, w.Code)
	logger.AssertLogContains(t, logBuf, "failed to encode JSON response")
}

func TestRespondWithError(t *testing.T) {
	ctx := context.WithValue(context.Background(), TraceIDKey, "test-trace-id")
	req := httptest.NewRequest(http.MethodGet, "/test", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	RespondWithError(w, req, http.StatusBadRequest, "Invalid request")

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "Invalid request", response.Error)
	assert.Equal(t, "test-trace-id", response.TraceID)
	assert.NotContains(t, w.Body.String(), "status")
}

func TestRespondWithErrorAndLog(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		err           error
		expectedLevel string
	}{
		{name: "server error", statusCode: http.StatusInternalServerError, err: errors.New("redis exploded"), expectedLevel: "ERROR"},
		{name: "unavailable", statusCode: http.StatusServiceUnavailable, err: errors.New("store not connected"), expectedLevel: "WARN"},
		{name: "rate limited", statusCode: http.StatusTooManyRequests, err: errors.New("slow down"), expectedLevel: "WARN"},
		{name: "client error", statusCode: http.StatusNotFound, err: errors.New("missing"), expectedLevel: "DEBUG"},
		{name: "no error", statusCode: http.StatusBadRequest, expectedLevel: "DEBUG"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, logBuf := logger.NewTestContext(t)
			ctx = context.WithValue(ctx, TraceIDKey, "test-trace-id")
			req := httptest.NewRequest(http.MethodGet, "/test", nil).WithContext(ctx)
			w := httptest.NewRecorder()

			RespondWithErrorAndLog(w, req, tc.statusCode, "safe message", tc.err)

			assert.Equal(t, tc.statusCode, w.Code)
			var response ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, "safe message", response.Error)
			assert.Equal(t, "test-trace-id", response.TraceID)

			entries, err := logBuf.GetLogEntries()
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, tc.expectedLevel, entries[0]["level"])
			assert.Equal(t, "test-trace-id", entries[0]["trace_id"])
			if tc.err != nil {
				assert.Equal(t, tc.err.Error(), entries[0]["error"])
				assert.Contains(t, entries[0], "error_type")
			} else {
				assert.NotContains(t, entries[0], "error")
			}
		})
	}
}

func TestRespondWithErrorAndLog_RedactsSecrets(t *testing.T) {
	ctx, logBuf := logger.NewTestContext(t)
	req := httptest.NewRequest(http.MethodGet, "/test", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	secret := "sk-abcdefghijklmnopqrstuvwxyz"
	RespondWithErrorAndLog(w, req, http.StatusBadGateway, "Provider error",
		errors.New("upstream rejected key "+secret))

	assert.NotContains(t, logBuf.String(), secret)
	assert.NotContains(t, w.Body.String(), secret)
	assert.NotContains(t, w.Body.String(), "upstream")
}
