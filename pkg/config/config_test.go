package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/biodoia/novelcorpus/internal/pool"
	"github.com/biodoia/novelcorpus/internal/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
pool:
  enabled: true
  circuit_cooldown: 10s
  backends:
    - provider: openai
      api_key: ${TEST_OPENAI_KEY}
      rate_limit: 60
      cost_per_1k_tokens: 0.002
    - name: local
      provider: custom
      base_url: http://localhost:11434/v1/chat/completions
      rate_limit: 10
      priority: 5
      enabled: false
optimizer:
  policy: balanced
topology:
  mode: swarm
  concurrency: 4
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Pool.Backends, 2)
	assert.Equal(t, "sk-test", cfg.Pool.Backends[0].APIKey)
	assert.Nil(t, cfg.Pool.Backends[0].Priority)
	require.NotNil(t, cfg.Pool.Backends[1].Priority)
	assert.Equal(t, 5, *cfg.Pool.Backends[1].Priority)
	require.NotNil(t, cfg.Pool.Backends[1].Enabled)
	assert.False(t, *cfg.Pool.Backends[1].Enabled)

	assert.Equal(t, 10*time.Second, cfg.Pool.CircuitCooldown)
	assert.Equal(t, time.Minute, cfg.Pool.RateWindow)
	assert.Equal(t, 5, cfg.Pool.CircuitThreshold)
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 3, cfg.Client.MaxRetries)
	assert.Equal(t, time.Second, cfg.Client.BackoffBase)
	assert.Equal(t, "swarm", cfg.Topology.Mode)
	assert.Equal(t, 16, cfg.Topology.QueueSize)
	assert.Equal(t, 4, cfg.Topology.Concurrency)
	assert.Equal(t, "sqlite", cfg.Database.Type)

	require.NoError(t, cfg.Validate())

	opts := cfg.PoolOptions()
	assert.Equal(t, 10*time.Second, opts.CircuitCooldown)
	assert.Equal(t, time.Hour, opts.CacheTTL)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("NOVELCORPUS_ADMIN_PORT", "9191")
	t.Setenv("NOVELCORPUS_LOG_LEVEL", "debug")
	t.Setenv("NOVELCORPUS_ADMIN_JWT_SECRET", "0123456789abcdef")

	cfg, err := Load(writeConfig(t, "pool:\n  enabled: false\n"))
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Admin.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "0123456789abcdef", cfg.Admin.JWTSecret)
	assert.Equal(t, 24*time.Hour, cfg.Admin.TokenTTL)
	assert.False(t, cfg.Pool.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(writeConfig(t, "admin:\n  port: 8080\n"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		configErr bool
	}{
		{
			name: "missing api key",
			mutate: func(c *Config) {
				c.Pool.Backends = []pool.BackendSpec{{Provider: "openai", RateLimit: 10}}
			},
			configErr: true,
		},
		{
			name: "unknown provider",
			mutate: func(c *Config) {
				c.Pool.Backends = []pool.BackendSpec{{Provider: "nope", APIKey: "k", RateLimit: 10}}
			},
			configErr: true,
		},
		{
			name: "non positive rate limit",
			mutate: func(c *Config) {
				c.Pool.Backends = []pool.BackendSpec{{Provider: "openai", APIKey: "k"}}
			},
			configErr: true,
		},
		{
			name: "duplicate name",
			mutate: func(c *Config) {
				c.Pool.Backends = []pool.BackendSpec{
					{Name: "x", Provider: "openai", APIKey: "k", RateLimit: 1},
					{Name: "x", Provider: "deepseek", APIKey: "k", RateLimit: 1},
				}
			},
			configErr: true,
		},
		{
			name:   "bad policy",
			mutate: func(c *Config) { c.Optimizer.Policy = "cheapest" },
		},
		{
			name:   "bad topology",
			mutate: func(c *Config) { c.Topology.Mode = "ring" },
		},
		{
			name:   "bad database",
			mutate: func(c *Config) { c.Database.Type = "mysql" },
		},
		{
			name:   "bad port",
			mutate: func(c *Config) { c.Admin.Port = 0 },
		},
		{
			name:   "short jwt secret",
			mutate: func(c *Config) { c.Admin.JWTSecret = "abc" },
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.Log.Format = "xml" },
		},
	}

	require.NoError(t, valid().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var cerr *pool.ConfigError
			assert.Equal(t, tt.configErr, errors.As(err, &cerr))
		})
	}
}

func TestValidate_KeyOptionalProvider(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log:\n  format: console\n"))
	require.NoError(t, err)

	cfg.Pool.Backends = []pool.BackendSpec{{Provider: "custom", RateLimit: 5}}
	assert.NoError(t, cfg.Validate())

	cfg.Pool.Backends = []pool.BackendSpec{{Provider: "anthropic", RateLimit: 5}}
	assert.ErrorIs(t, cfg.Validate(), providers.ErrMissingAPIKey)
}

func TestRedacted(t *testing.T) {
	cfg := &Config{}
	cfg.Pool.Backends = []pool.BackendSpec{
		{Name: "a", Provider: "openai", APIKey: "sk-1234567890abcd"},
		{Name: "b", Provider: "deepseek", APIKey: "short"},
		{Name: "c", Provider: "custom"},
	}
	cfg.Cache.Redis.Password = "secret"
	cfg.Admin.JWTSecret = "0123456789abcdef"

	red := cfg.Redacted()
	assert.Equal(t, "sk-1****abcd", red.Pool.Backends[0].APIKey)
	assert.Equal(t, "****", red.Pool.Backends[1].APIKey)
	assert.Empty(t, red.Pool.Backends[2].APIKey)
	assert.Equal(t, "****", red.Cache.Redis.Password)
	assert.Equal(t, "****", red.Admin.JWTSecret)

	// l'originale non cambia
	assert.Equal(t, "sk-1234567890abcd", cfg.Pool.Backends[0].APIKey)
	assert.Equal(t, "secret", cfg.Cache.Redis.Password)
}
