package log_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forechoandlook/stepflow/log"
)

type status string

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWithWriter(
		&buf, "json", "stepflow", "test", "v0", slog.LevelInfo,
	)

	logger.Debug("hidden")
	logger.Info("Run started",
		log.SessionID("s-1"),
		log.Status(status("running")),
		log.StepIndex(2),
		log.Error(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "stepflow", rec["service"])
	assert.Equal(t, "s-1", rec["session_id"])
	assert.Equal(t, "running", rec["status"])
	assert.Equal(t, float64(2), rec["step_index"])
	assert.Equal(t, "boom", rec["error"])
}

func TestNewWithWriterText(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWithWriter(
		&buf, "text", "stepflow", "test", "v0", slog.LevelDebug,
	)
	logger.Debug("visible", log.NodeID("a"))
	assert.Contains(t, buf.String(), "node_id=a")
}

func TestParseLevel(t *testing.T) {
	lvl, err := log.ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = log.ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)

	_, err = log.ParseLevel("loud")
	assert.Error(t, err)
}

func TestErrorNil(t *testing.T) {
	assert.Equal(t, "", log.Error(nil).Value.String())
}
