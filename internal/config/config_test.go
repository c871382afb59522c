package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Empty(t, cfg.Server.TrustedHosts)
	assert.Equal(t, int64(10<<20), cfg.Server.MaxRequestBody)

	assert.True(t, cfg.Retrieval.EnableWeb)
	assert.True(t, cfg.Retrieval.EnableVector)
	assert.True(t, cfg.Retrieval.EnableKG)
	assert.Equal(t, 3*time.Second, cfg.Retrieval.TotalTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Retrieval.WebTimeout)
	assert.Equal(t, 2*time.Second, cfg.Retrieval.VectorTimeout)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 10, cfg.Retrieval.TopKFinal)

	assert.False(t, cfg.Providers.EnablePaidAPI)
	assert.Equal(t, 15*time.Second, cfg.Providers.LLMTimeout)

	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.BlockDuration)

	assert.Equal(t, 60*time.Second, cfg.Streaming.MaxDuration)
	assert.Equal(t, 5*time.Second, cfg.Streaming.HeartbeatInterval)

	assert.Equal(t, 500*time.Millisecond, cfg.Guided.Budget)
	assert.Equal(t, 1.0, cfg.Guided.DailyBudgetUSD)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Positive(t, cfg.Workers.PoolSize)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENABLE_WEB_SEARCH", "false")
	t.Setenv("RETRIEVAL_TIMEOUT_MS", "1200")
	t.Setenv("RETRIEVAL_TOP_K", "8")
	t.Setenv("TRUSTED_HOSTS", "api.example.com, internal.example.com")
	t.Setenv("ENABLE_PAID_API", "yes")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "120")
	t.Setenv("GUIDED_PROMPT_DAILY_BUDGET_USD", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Retrieval.EnableWeb)
	assert.True(t, cfg.Retrieval.EnableVector)
	assert.Equal(t, 1200*time.Millisecond, cfg.Retrieval.TotalTimeout)
	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.Equal(t, []string{"api.example.com", "internal.example.com"}, cfg.Server.TrustedHosts)
	assert.True(t, cfg.Providers.EnablePaidAPI)
	assert.Equal(t, "sk-test", cfg.Providers.OpenAIAPIKey)
	assert.Equal(t, 120, cfg.RateLimit.PerMinute)
	assert.Equal(t, 2.5, cfg.Guided.DailyBudgetUSD)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("WEB_TIMEOUT_MS", "-50")
	t.Setenv("ENABLE_KNOWLEDGE_GRAPH", "maybe")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1500*time.Millisecond, cfg.Retrieval.WebTimeout)
	assert.True(t, cfg.Retrieval.EnableKG)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"total timeout", func(c *Config) { c.Retrieval.TotalTimeout = 0 }, "total timeout"},
		{"top_k", func(c *Config) { c.Retrieval.TopK = 0 }, "top_k"},
		{"rate limit", func(c *Config) { c.RateLimit.PerMinute = 0 }, "rate limit"},
		{"sse below heartbeat", func(c *Config) {
			c.Streaming.MaxDuration = time.Second
			c.Streaming.HeartbeatInterval = 5 * time.Second
		}, "heartbeat"},
		{"pool size", func(c *Config) { c.Workers.PoolSize = 0 }, "pool size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
