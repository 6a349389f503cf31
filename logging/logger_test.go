package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}

		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}

	return out
}

func TestTaskMeshLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer

	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf})
	l.WithComponent("router").WithTask("t-1").Info("hello", "k", "v")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0]["msg"])
	assert.Equal(t, "router", lines[0]["component"])
	assert.Equal(t, "t-1", lines[0]["task_id"])
	assert.Equal(t, "v", lines[0]["k"])
}

func TestTaskMeshLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer

	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "json", Output: &buf})
	l.Info("dropped")
	l.Warn("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
}

func TestTaskMeshLogger_DomainHelpers(t *testing.T) {
	var buf bytes.Buffer

	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf})
	l.LogModelCall("anthropic-primary", "claude", 0, time.Second, errors.New("503"), "kind", "transient")
	l.LogModelCall("openai-fallback", "gpt-4o", 42, time.Second, nil)
	l.LogTopology("parallel", 3, 2, time.Second, nil, "cancelled", false)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "Model call failed", lines[0]["msg"])
	assert.Equal(t, "503", lines[0]["error"])
	assert.Equal(t, "transient", lines[0]["kind"])
	assert.Equal(t, "Model call completed", lines[1]["msg"])
	assert.Equal(t, "DEBUG", lines[1]["level"])
	assert.EqualValues(t, 42, lines[1]["token_count"])
	assert.Equal(t, "Topology execution completed", lines[2]["msg"])
	assert.EqualValues(t, 2, lines[2]["succeeded"])
	assert.Equal(t, false, lines[2]["cancelled"])
}

func TestDomainHelpers_PlainLogger(t *testing.T) {
	var buf bytes.Buffer

	l := Task(NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))), "t-9")

	ModelCall(l, "e1", "m1", 0, time.Millisecond, errors.New("boom"))
	Topology(l, "sequential", 2, 0, time.Millisecond, errors.New("store down"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "Model call failed", lines[0]["msg"])
	assert.Equal(t, "t-9", lines[0]["task_id"])
	assert.Equal(t, "e1", lines[0]["endpoint"])
	assert.Equal(t, "Topology execution failed", lines[1]["msg"])
	assert.Equal(t, "store down", lines[1]["error"])

	// Unknown loggers are returned unchanged.
	assert.Equal(t, Logger(NoOpLogger{}), Task(NoOpLogger{}, "t-9"))
	assert.Equal(t, Logger(NoOpLogger{}), Task(nil, "t-9"))
}

func TestTask_TaskMeshLogger(t *testing.T) {
	var buf bytes.Buffer

	Task(NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf}), "t-1").Info("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "t-1", lines[0]["task_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warning"))
	assert.Equal(t, LogLevelInfo, ParseLevel("bogus"))
	assert.Equal(t, "ERROR", ParseLevel("error").String())
}

func TestComponent(t *testing.T) {
	assert.Equal(t, NoOpLogger{}, Component(nil, "x"))
	assert.Equal(t, NoOpLogger{}, Component(NoOpLogger{}, "x"))

	var buf bytes.Buffer

	l := Component(NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, nil))), "bus")
	l.Info("hi")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "bus", lines[0]["component"])
}
