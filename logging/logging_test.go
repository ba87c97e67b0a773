package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Format: "json", Writer: &buf})
	require.NoError(t, err)

	l.Debug("login", "pin", "1234", "Password", "hunter2", "token", "akis")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, Redacted, rec["pin"])
	assert.Equal(t, Redacted, rec["Password"])
	assert.Equal(t, "akis", rec["token"])
	assert.NotContains(t, buf.String(), "1234")
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Writer: &buf})
	require.NoError(t, err)
	l.Debug("hidden")
	l.Info("shown", "pin", "0000")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, "pin="+Redacted))
}

func TestNewErrors(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := Discard()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
}
