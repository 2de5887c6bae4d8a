package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MAX_NOTIFICATIONS", "")
	t.Setenv("AUTO_CLOSE_MS", "")
	t.Setenv("RECONNECT_JITTER", "")

	cfg := Load()

	assert.Equal(t, 10, cfg.Feed.MaxNotifications)
	assert.Equal(t, 5*time.Second, cfg.Feed.AutoClose)
	assert.Equal(t, 0.5, cfg.Reconnect.Jitter)
}

func TestLoadTracing(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_SAMPLE_RATIO", "")
	t.Setenv("OTEL_SERVICE_NAME", "")
	// getEnv treats an empty variable as set.
	for _, key := range []string{"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME"} {
		require.NoError(t, os.Unsetenv(key))
	}

	cfg := Load()
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "localhost:4318", cfg.Tracing.Endpoint)
	assert.Equal(t, "media-forensics-telemetry", cfg.Tracing.ServiceName)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)

	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "jaeger:4318")
	t.Setenv("OTEL_SAMPLE_RATIO", "0.25")

	cfg = Load()
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "jaeger:4318", cfg.Tracing.Endpoint)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_NOTIFICATIONS", "3")
	t.Setenv("AUTO_CLOSE_MS", "250")
	t.Setenv("RECONNECT_BASE_MS", "100")
	t.Setenv("RECONNECT_JITTER", "0.2")
	t.Setenv("SESSION_TTL_MINUTES", "2")
	t.Setenv("TELEMETRY_TRANSPORT", "nats")
	t.Setenv("GO_ENV", "production")

	cfg := Load()

	assert.Equal(t, 3, cfg.Feed.MaxNotifications)
	assert.Equal(t, 250*time.Millisecond, cfg.Feed.AutoClose)
	assert.Equal(t, 100*time.Millisecond, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 0.2, cfg.Reconnect.Jitter)
	assert.Equal(t, 2*time.Minute, cfg.Session.TTL)
	assert.Equal(t, "nats", cfg.Analysis.Transport)
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvAsIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("SOME_INT", "ten")
	assert.Equal(t, 7, getEnvAsInt("SOME_INT", 7))
}
