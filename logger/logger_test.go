package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LogConfig{Format: "json"})

	log.Info().Str("invoice", "INV-25-00001").Msg("invoice status changed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "INV-25-00001", line["invoice"])
	assert.Equal(t, "invoice status changed", line["message"])
}

func TestNew_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LogConfig{Format: "console"})

	log.Info().Msg("hello")

	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(buf.Bytes()), "console output is not JSON")
}

func TestSetup_RejectsUnknownLevel(t *testing.T) {
	_, err := Setup(LogConfig{Level: "loud"})

	assert.Error(t, err)
}
