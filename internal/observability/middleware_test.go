package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epicflare/internal/httpx"
)

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestLoggerWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerTo(&buf).Warn("user_lookup_failed", map[string]any{"error": errors.New("boom"), "attempt": 2})

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "user_lookup_failed", lines[0]["message"])
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "boom", lines[0]["error"])
	assert.EqualValues(t, 2, lines[0]["attempt"])
	assert.NotEmpty(t, lines[0]["timestamp"])
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	assert.NotPanics(t, func() { logger.Info("noop", nil) })
}

func TestRequestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestLoggingMiddleware(NewLoggerTo(&buf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "http_request", lines[0]["message"])
	assert.EqualValues(t, http.StatusTeapot, lines[0]["status"])
	assert.Equal(t, "10.1.2.3", lines[0]["ip"])
}

func TestRequestLoggingMiddlewareTrustedProxyIP(t *testing.T) {
	var buf bytes.Buffer
	handler := httpx.WithOrigin("", httpx.Proxy{Trust: true}, RequestLoggingMiddleware(NewLoggerTo(&buf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.4")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "198.51.100.4", lines[0]["ip"])
}

func TestRecoverMiddleware(t *testing.T) {
	var buf bytes.Buffer
	handler := RecoverMiddleware(NewLoggerTo(&buf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("unexpected")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, rec.Body.String())
	assert.Contains(t, buf.String(), "panic_recovered")
}

func TestBestEffortSwallowsErrors(t *testing.T) {
	var buf bytes.Buffer
	BestEffort(NewLoggerTo(&buf), "password_upgrade_failed", map[string]any{"user_id": 7}, func() error {
		return errors.New("database is locked")
	})

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "database is locked", lines[0]["error"])

	buf.Reset()
	BestEffort(NewLoggerTo(&buf), "noop", nil, func() error { return nil })
	assert.Empty(t, buf.String())
}
