package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/recall/internal/config"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"TRACE", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg, err := FromConfig(config.LoggingConfig{Level: "debug", Format: "console", Sampling: false})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.False(t, cfg.Sampling.Enabled)
	assert.Equal(t, "recall", cfg.Fields["service"])

	_, err = FromConfig(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = FromConfig(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no outputs", func(c *Config) { c.Output.Stdout = false }},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }},
		{"negative sampling", func(c *Config) { c.Sampling.Initial = -1 }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }},
		{"long pattern", func(c *Config) { c.Redaction.Patterns = []string{string(make([]byte, maxPatternLen+1))} }},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"env": ""} }},
	}
	require.NoError(t, NewDefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	assert.NotNil(t, logger.Underlying())
	_ = logger.Sync()

	cfg.Output.Stdout = false
	cfg.Output.OTEL = true
	_, err = NewLogger(cfg, nil)
	assert.Error(t, err, "otel without a provider leaves no output")
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	ctx = WithScope(ctx, "C024BE91L")
	ctx = WithCycleID(ctx, "2f1c9a5e-0d1e-4d8e-9a55-0c3b0f7e8d11")
	ctx = WithRequestID(ctx, "req_42")

	tl.Info(ctx, "synced scope", zap.Int("indexed", 3))

	tl.AssertLogged(t, zapcore.InfoLevel, "synced scope")
	tl.AssertField(t, "synced scope", "trace_id", "4bf92f3577b34da6a3ce929d0e0e4736")
	tl.AssertField(t, "synced scope", "scope", "C024BE91L")
	tl.AssertField(t, "synced scope", "cycle_id", "2f1c9a5e-0d1e-4d8e-9a55-0c3b0f7e8d11")
	tl.AssertField(t, "synced scope", "request.id", "req_42")
	tl.AssertTraceCorrelation(t, "synced scope")
}

func TestLogger_ChildLoggers(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.With(zap.String("component", "indexer")).Info(ctx, "child")
	tl.Named("router").Warn(ctx, "named")
	tl.Trace(ctx, "very verbose")

	tl.AssertField(t, "child", "component", "indexer")
	tl.AssertLogged(t, zapcore.WarnLevel, "named")
	tl.AssertLogged(t, TraceLevel, "very verbose")
	assert.Equal(t, "router", tl.FilterMessage("named").All()[0].LoggerName)

	tl.Reset()
	assert.Empty(t, tl.All())
	tl.AssertNotLogged(t, zapcore.InfoLevel, "child")
}

func TestLogger_SecretsNeverLogged(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "connecting",
		Secret("dsn", config.Secret("postgres://recall:hunter2@db/chat")),
		RedactedString("api_key", "sk-1234567890abcdef"),
		zap.Duration("timeout", 5*time.Second),
	)
	tl.AssertNoSecrets(t)
}
