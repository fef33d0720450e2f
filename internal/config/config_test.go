package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Queue.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Capture.Timeout)
	assert.Equal(t, 3, cfg.Capture.MinViews)
	assert.Equal(t, 7, cfg.Capture.MaxViews)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.False(t, cfg.Auth.Enabled())
}

func TestLoadFileThenEnvironment(t *testing.T) {
	t.Setenv("SWIPEFLOW_MAX_RETRIES", "2")
	t.Setenv("SWIPEFLOW_CAPTURE_TIMEOUT", "45s")
	t.Setenv("SWIPEFLOW_AUTH_ALGORITHMS", "HS256, RS256")

	cfg, err := Load(filepath.Join("testdata", "swipeflow.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, "captures", cfg.Queue.Name)
	assert.Equal(t, 30*time.Second, cfg.Queue.RetryDelay)
	assert.Equal(t, 2, cfg.Queue.MaxRetries, "environment wins over file")
	assert.Equal(t, 45*time.Second, cfg.Capture.Timeout)
	assert.Equal(t, 5, cfg.Capture.MaxViews)
	assert.Equal(t, 3, cfg.Capture.MinViews, "unset file keys keep defaults")
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "swipeflow-api", cfg.Auth.Audience)
	assert.Equal(t, []string{"HS256", "RS256"}, cfg.Auth.Algorithms)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("queue: [unterminated"), 0o600))
	_, err = Load(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "memory store without url", mutate: func(c *Config) { c.Store = StoreConfig{Driver: "memory"} }},
		{name: "empty broker", mutate: func(c *Config) { c.Queue.BrokerURL = "" }, wantErr: "broker_url"},
		{name: "negative retries", mutate: func(c *Config) { c.Queue.MaxRetries = -1 }, wantErr: "max_retries"},
		{name: "zero retry delay", mutate: func(c *Config) { c.Queue.RetryDelay = 0 }, wantErr: "retry_delay"},
		{name: "zero capture timeout", mutate: func(c *Config) { c.Capture.Timeout = 0 }, wantErr: "capture.timeout"},
		{name: "views inverted", mutate: func(c *Config) { c.Capture.MinViews = 8 }, wantErr: "capture views"},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mongo" }, wantErr: "unsupported store driver"},
		{name: "postgres without url", mutate: func(c *Config) { c.Store = StoreConfig{Driver: "postgres"} }, wantErr: "store.url"},
		{name: "unknown emitter", mutate: func(c *Config) { c.Capture.Emitter = "ftp" }, wantErr: "capture emitter"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log format"},
		{name: "rate limit without window", mutate: func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.Window = 0 }, wantErr: "rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
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

func TestRedisConnOpt(t *testing.T) {
	opt, err := QueueConfig{BrokerURL: "redis://:secret@cache:6380/3"}.RedisConnOpt()
	require.NoError(t, err)

	clientOpt, ok := opt.(asynq.RedisClientOpt)
	require.True(t, ok)
	assert.Equal(t, "cache:6380", clientOpt.Addr)
	assert.Equal(t, "secret", clientOpt.Password)
	assert.Equal(t, 3, clientOpt.DB)

	_, err = QueueConfig{BrokerURL: "http://cache"}.RedisConnOpt()
	assert.Error(t, err)
}
