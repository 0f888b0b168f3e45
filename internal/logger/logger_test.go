package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture points the logger at a buffer and restores stderr afterwards.
func capture(t *testing.T, level, format string) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)
	InitWithWriter(buf, level, format)
	t.Cleanup(func() {
		InitWithWriter(os.Stderr, "INFO", "text")
	})
	return buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, "WARN", "text")

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message")
}

func TestSetLevelAtRuntime(t *testing.T) {
	buf := capture(t, "INFO", "text")

	Debug("before")
	SetLevel("DEBUG")
	Debug("after")

	out := buf.String()
	assert.NotContains(t, out, "before")
	assert.Contains(t, out, "after")
}

func TestJSONFormat(t *testing.T) {
	buf := capture(t, "INFO", "json")

	Info("structured message", KeyDocument, "doc-1", KeyVersion, uint64(7))

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	assert.Equal(t, "structured message", record["msg"])
	assert.Equal(t, "doc-1", record[KeyDocument])
	assert.Equal(t, float64(7), record[KeyVersion])
}

func TestInvalidLevelIgnored(t *testing.T) {
	buf := capture(t, "INFO", "text")

	SetLevel("SHOUTING")
	Info("still info")

	assert.Contains(t, buf.String(), "still info")
}
