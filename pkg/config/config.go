package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Streaming struct {
		MaxViewers        int           `yaml:"max_viewers"`
		DrainTimeout      time.Duration `yaml:"drain_timeout"`
		StaleGracePeriod  time.Duration `yaml:"stale_grace_period"`
		ApprovalTimeout   time.Duration `yaml:"approval_timeout"`
		StallWarnAfter    time.Duration `yaml:"stall_warn_after"`
		StallErrorAfter   time.Duration `yaml:"stall_error_after"`
		CaptureQueueDepth int           `yaml:"capture_queue_depth"`
		StallCapture      bool          `yaml:"stall_capture"` // stall instead of drop-oldest on full capture queue
	} `yaml:"streaming"`

	ABR struct {
		MinBitrateBps         int           `yaml:"min_bitrate_bps"`
		MaxBitrateBps         int           `yaml:"max_bitrate_bps"`
		TickInterval          time.Duration `yaml:"tick_interval"`
		MinAdjustmentInterval time.Duration `yaml:"min_adjustment_interval"`
	} `yaml:"abr"`

	Jitter struct {
		MinDelay time.Duration `yaml:"min_delay"`
		MaxDelay time.Duration `yaml:"max_delay"`
		K        float64       `yaml:"k"`
	} `yaml:"jitter"`

	FramePool struct {
		RawDepth     int `yaml:"raw_depth"`
		EncodedDepth int `yaml:"encoded_depth"`
		MaxWidth     int `yaml:"max_width"`
		MaxHeight    int `yaml:"max_height"`
	} `yaml:"framepool"`

	Recording struct {
		RequireConsent bool   `yaml:"require_consent"`
		Directory      string `yaml:"directory"`
	} `yaml:"recording"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}

	if c.Streaming.MaxViewers <= 0 {
		return fmt.Errorf("streaming.max_viewers must be > 0")
	}
	if c.Streaming.DrainTimeout <= 0 {
		return fmt.Errorf("streaming.drain_timeout must be > 0")
	}
	if c.Streaming.CaptureQueueDepth <= 0 {
		return fmt.Errorf("streaming.capture_queue_depth must be > 0")
	}

	if c.ABR.MinBitrateBps <= 0 {
		return fmt.Errorf("abr.min_bitrate_bps must be > 0")
	}
	if c.ABR.MaxBitrateBps < c.ABR.MinBitrateBps {
		return fmt.Errorf("abr.max_bitrate_bps must be >= abr.min_bitrate_bps")
	}
	if c.ABR.TickInterval <= 0 {
		return fmt.Errorf("abr.tick_interval must be > 0")
	}
	if c.ABR.MinAdjustmentInterval < c.ABR.TickInterval {
		return fmt.Errorf("abr.min_adjustment_interval must be >= abr.tick_interval")
	}

	if c.Jitter.MinDelay <= 0 || c.Jitter.MaxDelay <= c.Jitter.MinDelay {
		return fmt.Errorf("jitter delay bounds must satisfy 0 < min < max")
	}
	if c.Jitter.K <= 0 {
		return fmt.Errorf("jitter.k must be > 0")
	}

	if c.FramePool.RawDepth <= 0 || c.FramePool.EncodedDepth <= 0 {
		return fmt.Errorf("framepool depths must be > 0")
	}
	if c.FramePool.MaxWidth <= 0 || c.FramePool.MaxHeight <= 0 {
		return fmt.Errorf("framepool max resolution must be > 0")
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Streaming.MaxViewers = 10
	cfg.Streaming.DrainTimeout = 2 * time.Second
	cfg.Streaming.StaleGracePeriod = 5 * time.Second
	cfg.Streaming.ApprovalTimeout = 30 * time.Second
	cfg.Streaming.StallWarnAfter = 1 * time.Second
	cfg.Streaming.StallErrorAfter = 5 * time.Second
	cfg.Streaming.CaptureQueueDepth = 3
	cfg.Streaming.StallCapture = false

	cfg.ABR.MinBitrateBps = 250_000
	cfg.ABR.MaxBitrateBps = 8_000_000
	cfg.ABR.TickInterval = 200 * time.Millisecond
	cfg.ABR.MinAdjustmentInterval = 2 * time.Second

	cfg.Jitter.MinDelay = 20 * time.Millisecond
	cfg.Jitter.MaxDelay = 400 * time.Millisecond
	cfg.Jitter.K = 4

	cfg.FramePool.RawDepth = 8
	cfg.FramePool.EncodedDepth = 32
	cfg.FramePool.MaxWidth = 1920
	cfg.FramePool.MaxHeight = 1080

	cfg.Recording.RequireConsent = true
	cfg.Recording.Directory = "recordings"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "kizuna"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("KIZUNA_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("KIZUNA_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("KIZUNA_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if dir := os.Getenv("KIZUNA_RECORDING_DIR"); dir != "" {
		c.Recording.Directory = dir
	}
}
