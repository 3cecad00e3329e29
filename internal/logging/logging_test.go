package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{" warning ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SetLevel("info"))

	l, err := New(&buf, "json")
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("dispatched", slog.String("adapter", "demo"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "dispatched", rec["msg"])
	assert.Equal(t, "demo", rec["adapter"])
}

func TestLevelChangesApplyToExistingLoggers(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SetLevel("error"))
	t.Cleanup(func() { _ = SetLevel("info") })

	l, err := New(&buf, "text")
	require.NoError(t, err)
	l.Info("quiet")
	assert.Empty(t, buf.String())

	require.NoError(t, SetLevel("debug"))
	l.Debug("loud")
	assert.Contains(t, buf.String(), "loud")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(nil, "xml")
	assert.Error(t, err)
}
