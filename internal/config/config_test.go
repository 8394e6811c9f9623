package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.Pipeline.BatchSize)
	assert.Equal(t, 0.7, cfg.Pipeline.AlertThreshold)
	assert.Equal(t, 5, cfg.Pipeline.MaxConcurrent)
	assert.Equal(t, 100*time.Millisecond, cfg.Pipeline.BatchInterval)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.ProcessingInterval)
	assert.Equal(t, 1000, cfg.Pipeline.BufferCapacity)
	assert.Equal(t, 500, cfg.Pipeline.BufferKeep)
}

func TestLoad_YAMLWithExpansion(t *testing.T) {
	t.Setenv("TEST_SIEM_NATS_HOST", "nats.internal")
	path := writeFile(t, "siemflux.yaml", `
pipeline:
  batch_size: 25
  batch_interval: 250ms
  processing_interval: 5s
llm:
  provider: local
  base_url: ${TEST_SIEM_LLM_URL:-http://localhost:11434}
nats:
  enabled: true
  url: nats://${TEST_SIEM_NATS_HOST}:4222
context:
  assets:
    10.9.9.9:
      type: jump_host
      criticality: critical
  indicators:
    malicious_ips: ["203.0.113.66"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Pipeline.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.BatchInterval)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.ProcessingInterval)
	assert.Equal(t, 0.7, cfg.Pipeline.AlertThreshold, "unset keys keep defaults")
	assert.Equal(t, "http://localhost:11434", cfg.LLM.BaseURL)
	assert.Equal(t, "nats://nats.internal:4222", cfg.NATS.URL)
	assert.Equal(t, "critical", cfg.Context.Assets["10.9.9.9"].Criticality)
	require.NotNil(t, cfg.Context.Indicators)
	assert.Equal(t, []string{"203.0.113.66"}, cfg.Context.Indicators.MaliciousIPs)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "siemflux.yaml", "pipeline:\n  batch_size: 25\n")
	t.Setenv("SIEM_BATCH_SIZE", "10")
	t.Setenv("SIEM_ALERT_THRESHOLD", "0.55")
	t.Setenv("SIEM_MAX_CONCURRENT", "not-a-number")
	t.Setenv("SIEM_PROCESSING_INTERVAL", "1m")
	t.Setenv("SIEM_KAFKA_ENABLED", "true")
	t.Setenv("SIEM_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Pipeline.BatchSize)
	assert.Equal(t, 0.55, cfg.Pipeline.AlertThreshold)
	assert.Equal(t, 5, cfg.Pipeline.MaxConcurrent, "unparsable override falls back")
	assert.Equal(t, time.Minute, cfg.Pipeline.ProcessingInterval)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "pipeline: [unterminated"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "invalid.yaml", "pipeline:\n  batch_size: 0\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantMsg string
	}{
		{"threshold", func(c *Config) { c.Pipeline.AlertThreshold = 1.5 }, "alert_threshold"},
		{"concurrency", func(c *Config) { c.Pipeline.MaxConcurrent = 0 }, "max_concurrent"},
		{"buffer keep", func(c *Config) { c.Pipeline.BufferKeep = 2000 }, "buffer_keep"},
		{"processing interval", func(c *Config) { c.Pipeline.ProcessingInterval = 0 }, "processing_interval"},
		{"provider", func(c *Config) { c.LLM.Provider = "mystery" }, "llm.provider"},
		{"kafka", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Topic = "" }, "kafka.brokers"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	t.Run("routes file allows custom provider", func(t *testing.T) {
		cfg := Default()
		cfg.LLM.Provider = ""
		cfg.LLM.RoutesFile = "routes.yaml"
		assert.NoError(t, cfg.Validate())
	})
}

func TestExpand(t *testing.T) {
	t.Setenv("TEST_SIEM_SET", "value")
	t.Setenv("TEST_SIEM_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"${TEST_SIEM_SET}", "value"},
		{"${TEST_SIEM_SET:-fallback}", "value"},
		{"${TEST_SIEM_EMPTY:-fallback}", "fallback"},
		{"${TEST_SIEM_UNSET_VAR:-postgres://localhost/siem}", "postgres://localhost/siem"},
		{"${TEST_SIEM_UNSET_VAR}", ""},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Expand(tt.in))
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "TEST_SIEM_DOTENV=from-file\nSIEM_TEST_PRESET=from-file\n")
	t.Setenv("SIEM_TEST_PRESET", "from-env")
	t.Cleanup(func() { os.Unsetenv("TEST_SIEM_DOTENV") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("TEST_SIEM_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("SIEM_TEST_PRESET"))
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
