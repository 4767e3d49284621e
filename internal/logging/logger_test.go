package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
)

func TestParseLogrusLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"trace", logrus.TraceLevel},
		{"debug", logrus.DebugLevel},
		{"DEBUG", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"invalid", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLogrusLevel(tt.input))
		})
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Format: "json", Output: &buf})

	WithComponent(logger, "pair_evaluator").WithField("pairs", 3).Info("scan finished")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "scan finished", entry["msg"])
	assert.Equal(t, "pair_evaluator", entry["component"])
	assert.Equal(t, float64(3), entry["pairs"])
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Format: "text", Output: &buf})

	logger.Debug("hidden")
	logger.Info("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}

func TestLogHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Output: &buf})

	LogStartup(logger, "polycorr", "1.0.0", 8080)
	LogShutdown(logger, "polycorr", "signal")
	LogDatabaseOperation(logger, "upsert", "markets", 15*time.Millisecond, 42)
	LogCacheOperation(logger, "get", "category:abc", true)

	out := buf.String()
	assert.Contains(t, out, `"event":"startup"`)
	assert.Contains(t, out, `"event":"shutdown"`)
	assert.Contains(t, out, `"rows_affected":42`)
	assert.Contains(t, out, `"event":"cache"`)
}

type recordingOTLPLogger struct {
	otellog.Logger
	mu      sync.Mutex
	records []otellog.Record
}

func (m *recordingOTLPLogger) Enabled(ctx context.Context, params otellog.EnabledParameters) bool {
	return true
}

func (m *recordingOTLPLogger) Emit(ctx context.Context, record otellog.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
}

func TestOTLPHook_Fire(t *testing.T) {
	recorder := &recordingOTLPLogger{}
	hook := NewOTLPHookWithLogger(recorder)

	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Output: &buf})
	logger.AddHook(hook)

	logger.WithField("market_id", "123").Warn("history missing")

	require.Len(t, recorder.records, 1)
	record := recorder.records[0]
	assert.Equal(t, "history missing", record.Body().AsString())
	assert.Equal(t, otellog.SeverityWarn, record.Severity())
	assert.Equal(t, 1, record.AttributesLen())
}

func TestOTLPHook_Levels(t *testing.T) {
	hook := NewOTLPHookWithLogger(&recordingOTLPLogger{})
	assert.Equal(t, logrus.AllLevels, hook.Levels())
}

func TestNewOTLPHook_Disabled(t *testing.T) {
	hook, err := NewOTLPHook(context.Background(), OTLPConfig{Enabled: false})

	assert.NoError(t, err)
	assert.Nil(t, hook)
	assert.NoError(t, hook.Shutdown(context.Background()))
}

func TestConvertLogrusLevelToSeverity(t *testing.T) {
	assert.Equal(t, otellog.SeverityTrace, convertLogrusLevelToSeverity(logrus.TraceLevel))
	assert.Equal(t, otellog.SeverityDebug, convertLogrusLevelToSeverity(logrus.DebugLevel))
	assert.Equal(t, otellog.SeverityInfo, convertLogrusLevelToSeverity(logrus.InfoLevel))
	assert.Equal(t, otellog.SeverityError, convertLogrusLevelToSeverity(logrus.ErrorLevel))
	assert.Equal(t, otellog.SeverityFatal, convertLogrusLevelToSeverity(logrus.PanicLevel))
}
