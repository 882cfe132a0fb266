package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestDefaultLoggingConfig(t *testing.T) {
	cfg := DefaultLoggingConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
	assert.False(t, cfg.AddSource)
}

func TestNewLogger_WritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggingConfig{Level: "warn", Format: "json", Writer: &buf})
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn().Str("stage", "discover").Msg("kept")
	entry := decodeEntry(t, &buf)
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "discover", entry["stage"])
	assert.Equal(t, "warn", entry["level"])
}

func TestNewLogger_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggingConfig{Level: "info", Format: "console", Writer: &buf})
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.NotContains(t, buf.String(), `"message"`)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input))
		})
	}
}

func TestLoggerContextChaining(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	enriched := WithTaskContext(logger, "task-1", "proj-1", "analyze")
	enriched = WithSourceContext(enriched, "arxiv", "graph neural networks")
	enriched.Info().Msg("chained")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "task-1", entry["task_id"])
	assert.Equal(t, "proj-1", entry["project_id"])
	assert.Equal(t, "analyze", entry["stage"])
	assert.Equal(t, "arxiv", entry["source"])
	assert.Equal(t, "graph neural networks", entry["query"])
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithPrincipal(WithRequestID(context.Background(), "req-9"), "alice")

	logger := LoggerFromContext(ctx, zerolog.New(&buf))
	logger.Info().Msg("x")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "req-9", entry["request_id"])
	assert.Equal(t, "alice", entry["principal"])

	buf.Reset()
	bare := LoggerFromContext(context.Background(), zerolog.New(&buf))
	bare.Info().Msg("y")
	entry = decodeEntry(t, &buf)
	assert.NotContains(t, entry, "request_id")
	assert.NotContains(t, entry, "task_id")
	assert.NotContains(t, entry, "workflow_id")

	buf.Reset()
	ctx = WithWorkflow(WithTask(context.Background(), "proj-1", "task-2"), "stage-task-2", "run-7")
	staged := LoggerFromContext(ctx, zerolog.New(&buf))
	staged.Info().Msg("z")
	entry = decodeEntry(t, &buf)
	assert.Equal(t, "proj-1", entry["project_id"])
	assert.Equal(t, "task-2", entry["task_id"])
	assert.Equal(t, "stage-task-2", entry["workflow_id"])
	assert.Equal(t, "run-7", entry["workflow_run_id"])
}

func TestTemporalLogger(t *testing.T) {
	var buf bytes.Buffer
	tl := NewTemporalLogger(zerolog.New(&buf))

	tl.With("namespace", "research").Info("worker started", "task_queue", "q-literature", 7, "odd")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "temporal-sdk", entry["component"])
	assert.Equal(t, "research", entry["namespace"])
	assert.Equal(t, "q-literature", entry["task_queue"])
	assert.Equal(t, "odd", entry["7"])
	assert.Equal(t, "info", entry["level"])
}
