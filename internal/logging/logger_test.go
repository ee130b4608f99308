package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
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

func TestNewLogger_WritesJSONWithServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(NewDefaultConfig(), WithOutput(&buf))
	require.NoError(t, err)

	logger.Info(context.Background(), "engine started", zap.Int("agents", 3))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "engine started", lines[0]["msg"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "taskd", lines[0]["service"])
	assert.EqualValues(t, 3, lines[0]["agents"])
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Stdout = false
	cfg.OTEL = true

	// OTEL requested but no provider supplied.
	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one output")
}

func TestLogger_LevelsAndTrace(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Trace(ctx, "trace msg")
	tl.Debug(ctx, "debug msg")
	tl.Info(ctx, "info msg")
	tl.Warn(ctx, "warn msg")
	tl.Error(ctx, "error msg")

	tl.AssertLogged(t, TraceLevel, "trace msg")
	tl.AssertLogged(t, zapcore.DebugLevel, "debug msg")
	tl.AssertLogged(t, zapcore.InfoLevel, "info msg")
	tl.AssertLogged(t, zapcore.WarnLevel, "warn msg")
	tl.AssertLogged(t, zapcore.ErrorLevel, "error msg")
	assert.Len(t, tl.All(), 5)

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestLogger_TraceLevelEncodedByName(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewDefaultConfig()
	cfg.Level = TraceLevel
	logger, err := NewLogger(cfg, WithOutput(&buf))
	require.NoError(t, err)

	logger.Trace(context.Background(), "prompt sent")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace", lines[0]["level"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewDefaultConfig()
	cfg.Level = zapcore.WarnLevel
	logger, err := NewLogger(cfg, WithOutput(&buf))
	require.NoError(t, err)

	ctx := context.Background()
	logger.Info(ctx, "dropped")
	logger.Warn(ctx, "kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.False(t, logger.Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Enabled(zapcore.ErrorLevel))
}

func TestLogger_ChildLoggers(t *testing.T) {
	tl := NewTestLogger()

	tl.Named("engine").With(zap.String("component", "drive")).Info(context.Background(), "step")

	entries := tl.FilterMessage("step").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "engine", entries[0].LoggerName)
	tl.AssertField(t, "step", "component", "drive")

	tl.Component("planner").Info("from component")
	entries = tl.FilterMessage("from component").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "planner", entries[0].LoggerName)
}

func TestContextFields(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = WithTenantID(ctx, "acme")
	ctx = WithTaskContextID(ctx, "ctx-42")
	ctx = WithRequestID(ctx, "req_1")

	tl := NewTestLogger()
	tl.Info(ctx, "correlated")

	tl.AssertField(t, "correlated", "trace_id", traceID.String())
	tl.AssertField(t, "correlated", "span_id", spanID.String())
	tl.AssertField(t, "correlated", "tenant.id", "acme")
	tl.AssertField(t, "correlated", "task.context_id", "ctx-42")
	tl.AssertField(t, "correlated", "request.id", "req_1")
	tl.AssertField(t, "correlated", "trace_sampled", true)
}

func TestContext_InvalidIDsIgnored(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"newline injection", "acme\n{\"level\":\"error\"}"},
		{"spaces", "acme corp"},
		{"too long", strings.Repeat("a", maxIDLen+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, TenantIDFromContext(WithTenantID(ctx, tt.id)))
			assert.Empty(t, TaskContextIDFromContext(WithTaskContextID(ctx, tt.id)))
			assert.Empty(t, RequestIDFromContext(WithRequestID(ctx, tt.id)))
		})
	}
	assert.Empty(t, ContextFields(ctx))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "via context")
	tl.AssertLogged(t, zapcore.InfoLevel, "via context")
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "trace", Format: "console", Sampling: true})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.True(t, cfg.Sampling.Enabled)

	_, err = FromSettings(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad format", func(c *Config) { c.Format = "yaml" }, "format must be"},
		{"no outputs", func(c *Config) { c.Stdout = false }, "at least one output"},
		{"zero tick", func(c *Config) {
			c.Sampling.Enabled = true
			c.Sampling.Tick = 0
		}, "sampling tick"},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, "invalid redaction pattern"},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"env": ""} }, "empty value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewSampledCore_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	assert.Equal(t, core, newSampledCore(core, SamplingConfig{}))
}

func TestNewSampledCore_PerLevelBudgets(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.DebugLevel: {Initial: 2, Thereafter: 0},
			zapcore.InfoLevel:  {Initial: 5, Thereafter: 0},
		},
	})
	z := zap.New(sampled)

	for i := 0; i < 20; i++ {
		z.Debug("debug repeat")
		z.Info("info repeat")
		z.Warn("warn repeat")
		z.Error("error repeat")
	}

	assert.Len(t, observed.FilterMessage("debug repeat").All(), 2)
	assert.Len(t, observed.FilterMessage("info repeat").All(), 5)
	// No budget configured for warn: unsampled.
	assert.Len(t, observed.FilterMessage("warn repeat").All(), 20)
	assert.Len(t, observed.FilterMessage("error repeat").All(), 20)
}

func TestNewSampledCore_WithPreservesBands(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels:  DefaultLevelSamplingConfig(),
	})
	z := zap.New(sampled).With(zap.String("k", "v"))

	z.Error("once")
	// Each entry is written by exactly one band.
	assert.Len(t, observed.FilterMessage("once").All(), 1)
}

func TestRedactingEncoder(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(NewDefaultConfig(), WithOutput(&buf))
	require.NoError(t, err)

	ctx := context.Background()
	logger.Info(ctx, "call",
		zap.String("api_key", "sk-abcdefghijklmnopqrstuvwx"),
		zap.String("header", "Bearer eyJhbGciOi"),
		zap.String("note", "model replied with sk-ABCDEFGHIJKLMNOPQRST"),
		zap.Any("password", map[string]string{"x": "y"}),
		zap.String("goal", "ship the release"),
		Secret("reasoning_key", config.Secret("abc123")),
	)

	out := buf.String()
	assert.NotContains(t, out, "sk-abcdefghijklmnopqrstuvwx")
	assert.NotContains(t, out, "eyJhbGciOi")
	assert.NotContains(t, out, "sk-ABCDEFGHIJKLMNOPQRST")
	assert.NotContains(t, out, `"x":"y"`)
	assert.Contains(t, out, "ship the release")
	assert.Contains(t, out, "[REDACTED:6]")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{})
	require.NoError(t, err)
	assert.Empty(t, enc.keys)

	_, err = NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled:  true,
		Patterns: []string{strings.Repeat("a", maxPatternLen+1)},
	})
	assert.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("shouting")
	assert.Error(t, err)
}
