// Package logger_test contains tests for the logger package
package logger_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/phrazzld/genq/internal/config"
	"github.com/phrazzld/genq/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWithWriter(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
		wantErr   bool
	}{
		{level: "debug", wantDebug: true, wantInfo: true},
		{level: "INFO", wantInfo: true},
		{level: "warn"},
		{level: "error"},
		{level: "loud", wantInfo: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			buf := &logger.TestLogBuffer{}
			l, err := logger.SetupWithWriter(config.ServerConfig{LogLevel: tt.level}, buf)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			require.NotNil(t, l)

			l.Debug("debug message")
			l.Info("info message")

			entries, err := buf.GetLogEntries()
			require.NoError(t, err)

			var sawDebug, sawInfo bool
			for _, e := range entries {
				assert.Equal(t, "genq", e["service"])
				switch e["msg"] {
				case "debug message":
					sawDebug = true
				case "info message":
					sawInfo = true
				}
			}
			assert.Equal(t, tt.wantDebug, sawDebug)
			assert.Equal(t, tt.wantInfo, sawInfo)
			assert.Same(t, l, slog.Default())
		})
	}
}

func TestFromContext(t *testing.T) {
	l, buf := logger.GetTestLogger(t)

	ctx := logger.WithLogger(context.Background(), l)
	ctx = logger.WithRequestID(ctx, "req-123")

	logger.FromContext(ctx).Info("hello")
	logger.AssertLogContains(t, buf, `"request_id":"req-123"`)
	assert.Equal(t, "req-123", logger.RequestIDFromContext(ctx))

	fallback, fbBuf := logger.GetTestLogger(t)
	logger.FromContextOrDefault(context.Background(), fallback).Info("fallback")
	logger.AssertLogContains(t, fbBuf, "fallback")

	assert.Equal(t, "", logger.RequestIDFromContext(context.Background()))
}

func TestWithLogger_NilPanics(t *testing.T) {
	assert.Panics(t, func() {
		logger.WithLogger(context.Background(), nil)
	})
}
