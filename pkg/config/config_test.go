package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 10, cfg.Streaming.MaxViewers)
	assert.Equal(t, 250_000, cfg.ABR.MinBitrateBps)
	assert.Equal(t, 8_000_000, cfg.ABR.MaxBitrateBps)
	assert.Equal(t, 20*time.Millisecond, cfg.Jitter.MinDelay)
	assert.True(t, cfg.Recording.RequireConsent)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty address", func(c *Config) { c.Server.Address = "" }, "server.address"},
		{"zero read timeout", func(c *Config) { c.Server.ReadTimeout = 0 }, "server.read_timeout"},
		{"zero viewers", func(c *Config) { c.Streaming.MaxViewers = 0 }, "streaming.max_viewers"},
		{"zero queue depth", func(c *Config) { c.Streaming.CaptureQueueDepth = 0 }, "streaming.capture_queue_depth"},
		{"zero min bitrate", func(c *Config) { c.ABR.MinBitrateBps = 0 }, "abr.min_bitrate_bps"},
		{"inverted bitrates", func(c *Config) { c.ABR.MaxBitrateBps = c.ABR.MinBitrateBps - 1 }, "abr.max_bitrate_bps"},
		{"adjustment below tick", func(c *Config) { c.ABR.MinAdjustmentInterval = c.ABR.TickInterval / 2 }, "abr.min_adjustment_interval"},
		{"inverted jitter bounds", func(c *Config) { c.Jitter.MaxDelay = c.Jitter.MinDelay }, "jitter delay bounds"},
		{"zero jitter k", func(c *Config) { c.Jitter.K = 0 }, "jitter.k"},
		{"zero pool depth", func(c *Config) { c.FramePool.RawDepth = 0 }, "framepool depths"},
		{"zero pool geometry", func(c *Config) { c.FramePool.MaxWidth = 0 }, "framepool max resolution"},
		{"prometheus without port", func(c *Config) {
			c.Monitoring.PrometheusEnabled = true
			c.Monitoring.PrometheusPort = 0
		}, "monitoring.prometheus_port"},
		{"empty log level", func(c *Config) { c.Logging.Level = "" }, "logging.level"},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, "auth.jwt_secret"},
		{"rate limit without rate", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.RequestsPerSecond = 0
		}, "rate_limiting.requests_per_second"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Address, cfg.Server.Address)
}

func TestLoadOverlaysYAMLOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  address: ":9999"
streaming:
  max_viewers: 4
recording:
  require_consent: false
  directory: "/tmp/rec"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, 4, cfg.Streaming.MaxViewers)
	assert.False(t, cfg.Recording.RequireConsent)
	assert.Equal(t, "/tmp/rec", cfg.Recording.Directory)
	// Untouched sections keep their defaults.
	assert.Equal(t, 8_000_000, cfg.ABR.MaxBitrateBps)
}

func TestLoadRejectsInvalidYAMLValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("streaming:\n  max_viewers: -1\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "streaming.max_viewers")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KIZUNA_SERVER_ADDRESS", ":7777")
	t.Setenv("KIZUNA_LOG_LEVEL", "debug")
	t.Setenv("KIZUNA_JWT_SECRET", "env-secret")
	t.Setenv("KIZUNA_RECORDING_DIR", "/var/recordings")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "/var/recordings", cfg.Recording.Directory)
}
