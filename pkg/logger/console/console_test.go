package console

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFormatterCarriesKeyvals(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Format: "json", Prefix: "rebaser", Output: &buf})

	l.Info("[Rebaser] done", "change_set", "abc")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "[Rebaser] done", line["msg"])
	assert.Equal(t, "abc", line["change_set"])
}

func TestDebugSuppressedByDefault(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Output: &buf})
	l.Debug("hidden")
	assert.Empty(t, buf.String())

	l = NewConsoleLogger(ConsoleLoggerParams{Debug: true, Output: &buf})
	l.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}
