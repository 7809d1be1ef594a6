package tripmind

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tripmind.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("TRIPMIND_PORT", "")
	t.Setenv("TRIPMIND_UPSTREAM_URL", "")

	cfg, err := DefaultConfig()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(20<<20), cfg.maxBodyBytes)
	assert.Equal(t, defaultBaseURL, cfg.Upstream.BaseURL)
	assert.Equal(t, "GEMINI_API_KEY", cfg.Upstream.APIKeyEnv)
	assert.Equal(t, 90*time.Second, cfg.Upstream.timeoutDur)
	assert.Equal(t, 10*time.Second, cfg.Upstream.videoPollDur)
	assert.Equal(t, "gemini-3-flash-preview", cfg.Models.Text)
	assert.Equal(t, "gemini-2.5-flash", cfg.Models.Grounded)
	assert.Equal(t, "veo-3.1-fast-generate-preview", cfg.Models.Video)

	p := cfg.RetryPolicy()
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultInitialDelay, p.InitialDelay)
	assert.Equal(t, DefaultMaxJitter, p.MaxJitter)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TRIPMIND_PORT", "")
	t.Setenv("TRIPMIND_UPSTREAM_URL", "")

	path := writeConfig(t, `
server:
  port: 9090
  maxBodySize: 1mb
upstream:
  baseURL: http://localhost:9999/v1beta/
  apiKeyEnv: TRIP_KEY
  requestsPerSecond: 2.5
  burst: 3
  videoPollInterval: 2s
models:
  text: text-model
retry:
  maxAttempts: 2
  initialDelay: 500ms
  maxJitter: 0s
logging:
  level: debug
  format: json
  statsEvery: 1m
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, int64(1<<20), cfg.maxBodyBytes)
	assert.Equal(t, "http://localhost:9999/v1beta", cfg.Upstream.BaseURL)
	assert.Equal(t, "TRIP_KEY", cfg.Upstream.APIKeyEnv)
	assert.Equal(t, 2.5, cfg.Upstream.RequestsPerSecond)
	assert.Equal(t, 3, cfg.Upstream.Burst)
	assert.Equal(t, 2*time.Second, cfg.Upstream.videoPollDur)
	assert.Equal(t, "text-model", cfg.Models.Text)
	assert.Equal(t, "gemini-2.5-flash", cfg.Models.Grounded)
	assert.Equal(t, time.Minute, cfg.Logging.statsEveryDur)

	p := cfg.RetryPolicy()
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.InitialDelay)
	assert.Equal(t, time.Duration(-1), p.MaxJitter)
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("TRIPMIND_PORT", "7000")
	t.Setenv("TRIPMIND_UPSTREAM_URL", "http://upstream.test")

	cfg, err := LoadConfig(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "http://upstream.test", cfg.Upstream.BaseURL)

	t.Setenv("TRIPMIND_PORT", "seventy")
	_, err = DefaultConfig()
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("TRIPMIND_PORT", "")
	t.Setenv("TRIPMIND_UPSTREAM_URL", "")

	bad := map[string]string{
		"body size":     "server:\n  maxBodySize: lots\n",
		"poll interval": "upstream:\n  videoPollInterval: 0s\n",
		"timeout":       "upstream:\n  timeout: soon\n",
		"attempts":      "retry:\n  maxAttempts: -1\n",
		"rate":          "upstream:\n  requestsPerSecond: -2\n",
		"log format":    "logging:\n  format: xml\n",
		"log level":     "logging:\n  level: loud\n",
		"exporter":      "tracing:\n  exporter: zipkin\n",
		"otlp endpoint": "tracing:\n  exporter: otlp\n",
	}
	for name, body := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
