package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestNew_ErrorLevelDisablesInfo(t *testing.T) {
	logger := New("error", "text")
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestL_AnnotatesRequestAndTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithTraceID(ctx, "abc123")

	L(ctx).Info("admitted")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "admitted", line["msg"])
	assert.Equal(t, "req-456", line["request_id"])
	assert.Equal(t, "abc123", line["trace_id"])
}

func TestL_WithoutIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))

	L(ctx).Info("plain")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, "request_id")
	assert.NotContains(t, line, "trace_id")
}

func TestFromContext_DefaultsToSlogDefault(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))
}

func TestIDs_OverwritePrevious(t *testing.T) {
	ctx := WithRequestID(context.Background(), "first")
	ctx = WithRequestID(ctx, "second")
	ctx = WithTraceID(ctx, "t1")
	ctx = WithTraceID(ctx, "t2")

	assert.Equal(t, "second", RequestID(ctx))
	assert.Equal(t, "t2", TraceID(ctx))
	assert.Empty(t, TraceID(context.Background()))
}
