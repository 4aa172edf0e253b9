package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/checklistd/internal/telemetry"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "trace level", mutate: func(c *Config) { c.Level = "trace" }},
		{name: "bad level", mutate: func(c *Config) { c.Level = "loud" }, wantErr: "invalid level"},
		{name: "bad format", mutate: func(c *Config) { c.Format = "xml" }, wantErr: "format must be"},
		{name: "bad output", mutate: func(c *Config) { c.Output = "file" }, wantErr: "output must be"},
		{name: "zero tick", mutate: func(c *Config) { c.Sampling.Tick = 0 }, wantErr: "sampling tick"},
		{name: "bad pattern", mutate: func(c *Config) { c.Redaction.Patterns = []string{"("} }, wantErr: "invalid redaction pattern"},
		{name: "empty field value", mutate: func(c *Config) { c.Fields["env"] = "" }, wantErr: "constant field"},
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

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("nope")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "console"
	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger.Underlying())
	assert.NoError(t, logger.Sync())
}

func TestNewLogger_OTelOnlyWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = OutputOTel
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestNewLogger_ExportsToTelemetryProvider(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	cfg := NewDefaultConfig()
	cfg.Output = OutputOTel

	logger, err := NewLogger(cfg, tel.LoggerProvider())
	require.NoError(t, err)
	logger.Info(context.Background(), "cycle finished", zap.String("item_id", "profile_age"))

	records := tel.Logs.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "cycle finished", records[0].Body)
	assert.Equal(t, log.SeverityInfo, records[0].Severity)
	assert.Equal(t, "profile_age", records[0].Attrs["item_id"])
}

func TestContextFields(t *testing.T) {
	ctx := WithSessionID(context.Background(), "2f1c7c1e-5d2a-4c1e-9a55-6b0f0f7c1a10")
	ctx = WithStageID(ctx, "stage_profiling")
	ctx = WithRequestID(ctx, "req-1")

	tl := NewTestLogger()
	tl.Info(ctx, "cycle finished", zap.Int("items", 3))

	tl.AssertLogged(t, zapcore.InfoLevel, "cycle finished")
	tl.AssertField(t, "cycle finished", "session.id", "2f1c7c1e-5d2a-4c1e-9a55-6b0f0f7c1a10")
	tl.AssertField(t, "cycle finished", "stage.id", "stage_profiling")
	tl.AssertField(t, "cycle finished", "request.id", "req-1")
}

func TestWithSessionID_RejectsGarbage(t *testing.T) {
	ctx := WithSessionID(context.Background(), "has spaces and {braces}")
	assert.Empty(t, SessionIDFromContext(ctx))
	assert.Empty(t, ContextFields(ctx))
}

func TestRedactingEncoder(t *testing.T) {
	cfg := NewDefaultConfig().Redaction
	enc, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(
		zapcore.Entry{Level: zapcore.InfoLevel, Time: time.Unix(0, 0), Message: "calling oracle with Bearer abc123"},
		[]zapcore.Field{
			zap.String("api_key", "sk-or-v1-verysecretvalue"),
			zap.String("model", "google/gemini-2.5-flash"),
			zap.String("header", "Authorization: Bearer xyz"),
		},
	)
	require.NoError(t, err)
	out := buf.String()

	assert.NotContains(t, out, "verysecretvalue")
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "xyz")
	assert.Contains(t, out, "google/gemini-2.5-flash")
}

func TestRedactedString(t *testing.T) {
	f := RedactedString("api_key", "12345")
	assert.Equal(t, "[REDACTED:5]", f.String)
}

func TestSampledCore_WarnAlwaysPasses(t *testing.T) {
	tl := NewTestLogger()
	core := newSampledCore(tl.Underlying().Core(), SamplingConfig{Enabled: true, Tick: time.Minute, Initial: 1, Thereafter: 0})
	z := zap.New(core)

	for i := 0; i < 5; i++ {
		z.Info("noisy")
		z.Warn("oracle failed")
	}

	assert.Equal(t, 1, tl.FilterMessage("noisy").Len())
	assert.Equal(t, 5, tl.FilterMessage("oracle failed").Len())
}
