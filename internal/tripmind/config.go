package tripmind

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port        int    `yaml:"port"`
		MaxBodySize string `yaml:"maxBodySize"`
	} `yaml:"server"`

	Upstream struct {
		BaseURL           string  `yaml:"baseURL"`
		APIKeyEnv         string  `yaml:"apiKeyEnv"`
		Timeout           string  `yaml:"timeout"`
		RequestsPerSecond float64 `yaml:"requestsPerSecond"`
		Burst             int     `yaml:"burst"`
		VideoPollInterval string  `yaml:"videoPollInterval"`
		MaxVideoSize      string  `yaml:"maxVideoSize"`

		// compiled
		timeoutDur    time.Duration
		videoPollDur  time.Duration
		maxVideoBytes int64
	} `yaml:"upstream"`

	Models struct {
		Text     string `yaml:"text"`
		Grounded string `yaml:"grounded"`
		Video    string `yaml:"video"`
	} `yaml:"models"`

	Retry struct {
		MaxAttempts  int    `yaml:"maxAttempts"`
		InitialDelay string `yaml:"initialDelay"`
		MaxJitter    string `yaml:"maxJitter"`

		// compiled
		initialDelayDur time.Duration
		maxJitterDur    time.Duration
	} `yaml:"retry"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		StatsEvery string `yaml:"statsEvery"`

		// compiled
		statsEveryDur time.Duration
	} `yaml:"logging"`

	Tracing struct {
		Exporter string `yaml:"exporter"` // none | stdout | otlp
		Endpoint string `yaml:"endpoint"`
		Insecure bool   `yaml:"insecure"`
	} `yaml:"tracing"`

	maxBodyBytes int64
}

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultAPIKeyEnv = "GEMINI_API_KEY"
)

// DefaultConfig is the configuration used when no file is given. It still
// honours the environment overrides.
func DefaultConfig() (Config, error) {
	var cfg Config
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// finish applies environment overrides and defaults, then compiles durations
// and sizes.
func (cfg *Config) finish() error {
	if v := os.Getenv("TRIPMIND_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRIPMIND_PORT: %w", err)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("TRIPMIND_UPSTREAM_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxBodySize == "" {
		cfg.Server.MaxBodySize = "20mb"
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = defaultBaseURL
	}
	cfg.Upstream.BaseURL = strings.TrimRight(cfg.Upstream.BaseURL, "/")
	if cfg.Upstream.APIKeyEnv == "" {
		cfg.Upstream.APIKeyEnv = defaultAPIKeyEnv
	}
	if cfg.Upstream.Timeout == "" {
		cfg.Upstream.Timeout = "90s"
	}
	if cfg.Upstream.VideoPollInterval == "" {
		cfg.Upstream.VideoPollInterval = "10s"
	}
	if cfg.Upstream.MaxVideoSize == "" {
		cfg.Upstream.MaxVideoSize = "256mb"
	}
	if cfg.Upstream.RequestsPerSecond < 0 {
		return fmt.Errorf("upstream.requestsPerSecond: negative")
	}
	if cfg.Upstream.Burst <= 0 {
		cfg.Upstream.Burst = 1
	}
	if cfg.Models.Text == "" {
		cfg.Models.Text = "gemini-3-flash-preview"
	}
	if cfg.Models.Grounded == "" {
		cfg.Models.Grounded = "gemini-2.5-flash"
	}
	if cfg.Models.Video == "" {
		cfg.Models.Video = "veo-3.1-fast-generate-preview"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.maxAttempts: negative")
	}
	if cfg.Retry.InitialDelay == "" {
		cfg.Retry.InitialDelay = DefaultInitialDelay.String()
	}
	if cfg.Retry.MaxJitter == "" {
		cfg.Retry.MaxJitter = DefaultMaxJitter.String()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "none"
	}

	var err error
	if cfg.maxBodyBytes, err = parseBytes(cfg.Server.MaxBodySize); err != nil {
		return fmt.Errorf("server.maxBodySize: %w", err)
	}
	if cfg.Upstream.maxVideoBytes, err = parseBytes(cfg.Upstream.MaxVideoSize); err != nil {
		return fmt.Errorf("upstream.maxVideoSize: %w", err)
	}
	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"upstream.timeout", cfg.Upstream.Timeout, &cfg.Upstream.timeoutDur},
		{"upstream.videoPollInterval", cfg.Upstream.VideoPollInterval, &cfg.Upstream.videoPollDur},
		{"retry.initialDelay", cfg.Retry.InitialDelay, &cfg.Retry.initialDelayDur},
		{"retry.maxJitter", cfg.Retry.MaxJitter, &cfg.Retry.maxJitterDur},
		{"logging.statsEvery", cfg.Logging.StatsEvery, &cfg.Logging.statsEveryDur},
	}
	for _, d := range durations {
		if d.src == "" {
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
		*d.dst = v
	}
	if cfg.Upstream.videoPollDur == 0 {
		return fmt.Errorf("upstream.videoPollInterval: must be positive")
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch cfg.Tracing.Exporter {
	case "none", "stdout":
	case "otlp":
		if cfg.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint: required for otlp")
		}
	default:
		return fmt.Errorf("tracing.exporter: unknown exporter %q", cfg.Tracing.Exporter)
	}
	return nil
}

// RetryPolicy is the retry policy described by the retry section.
func (cfg Config) RetryPolicy() RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.initialDelayDur,
		MaxJitter:    cfg.Retry.maxJitterDur,
	}
	if p.MaxJitter == 0 {
		p.MaxJitter = -1
	}
	return p
}

// NewLogger builds the process logger from the logging section.
func (cfg Config) NewLogger() *slog.Logger {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(cfg.Logging.Level))
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
