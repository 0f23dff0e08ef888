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
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestComponentLoggerTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(&buf, "info"), "parking")
	l.Debug("dropped")
	l.Info("offer sent", "ride_id", "r1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ride-dispatch", rec["service"])
	assert.Equal(t, "parking", rec["component"])
	assert.Equal(t, "r1", rec["ride_id"])
	assert.Equal(t, "offer sent", rec["msg"])
}
