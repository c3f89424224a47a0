package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterAddsContext(t *testing.T) {
	var buf bytes.Buffer
	log := WithDraw(WithTier(NewWithWriter("debug", &buf), "weekly"), "d-1")

	log.Info().Msg("draw completed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "fortuna", entry["service"])
	assert.Equal(t, "weekly", entry["tier"])
	assert.Equal(t, "d-1", entry["draw_id"])
	assert.Equal(t, "draw completed", entry["message"])
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("nonsense", &buf)

	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
