package logger

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
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{" warn ", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "json", slog.LevelInfo, false).With("conn_id", "ab12")
	l.Debug("hidden")
	l.Info("accepted", "remote", "127.0.0.1:1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "accepted", rec["msg"])
	assert.Equal(t, "ab12", rec["conn_id"])
	assert.Equal(t, "127.0.0.1:1", rec["remote"])
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "text", slog.LevelDebug, false)
	l.Debug("pool reaped", "count", 2)
	out := buf.String()
	assert.Contains(t, out, "DBG")
	assert.Contains(t, out, "pool reaped")
	assert.Contains(t, out, "count=2")
	assert.NotContains(t, out, "\x1b[")
}

func TestContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "json", slog.LevelInfo, false)
	ctx := WithContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))

	ctx = context.WithValue(ctx, RequestIDKey, "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Empty(t, RequestID(context.Background()))
}
