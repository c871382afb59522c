// Package config resolves all environment knobs and the model catalog
// into a single validated Config at boot. Components receive the slice
// of configuration they need; nothing reads the environment at call
// sites.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config is the complete resolved configuration.
type Config struct {
	Server    ServerConfig
	Retrieval RetrievalConfig
	Providers ProviderCredentials
	Stores    StoreConfig
	RateLimit RateLimitConfig
	Streaming StreamingConfig
	Guided    GuidedConfig
	Logging   LoggingConfig
	Workers   WorkerConfig

	// ModelCatalogPath locates the providers[]/models[] YAML file.
	ModelCatalogPath string
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port           int
	TrustedHosts   []string // empty = allow all
	MaxRequestBody int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

// RetrievalConfig holds lane toggles, budgets, and top-k ceilings.
type RetrievalConfig struct {
	EnableWeb    bool
	EnableVector bool
	EnableKG     bool

	WebTimeout    time.Duration
	VectorTimeout time.Duration
	KGTimeout     time.Duration
	FusionTimeout time.Duration
	TotalTimeout  time.Duration

	TopK      int // default per-lane ceiling
	TopKFinal int
}

// ProviderCredentials carries LLM provider endpoints and keys. Absence
// of a key removes the provider from the candidate set.
type ProviderCredentials struct {
	EnablePaidAPI     bool
	LLMTimeout        time.Duration
	OllamaBaseURL     string
	HuggingFaceAPIKey string
	OpenAIAPIKey      string
	AnthropicAPIKey   string
	GPURemoteURL      string
}

// StoreConfig carries datastore endpoints for the vector and KG lanes
// and the web search provider.
type StoreConfig struct {
	VectorDBURL    string
	VectorDBAPIKey string
	ArangoURL      string
	ArangoUsername string
	ArangoPassword string
	ArangoDatabase string
	MeilisearchURL string
	MeilisearchKey string
	WebSearchURL   string
}

// RateLimitConfig defines the per-IP limiter parameters.
type RateLimitConfig struct {
	PerMinute     int
	Burst         int
	BlockDuration time.Duration
	RedisURL      string // optional shared store
}

// StreamingConfig bounds SSE sessions.
type StreamingConfig struct {
	MaxDuration       time.Duration
	HeartbeatInterval time.Duration
}

// GuidedConfig bounds the guided-prompt engine.
type GuidedConfig struct {
	Budget          time.Duration
	MaxOutputTokens int
	DailyBudgetUSD  float64
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// WorkerConfig sizes the pool absorbing blocking lane clients.
type WorkerConfig struct {
	PoolSize int
}

// Load resolves the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           envInt("PORT", 8080),
			TrustedHosts:   envList("TRUSTED_HOSTS"),
			MaxRequestBody: 10 << 20,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   120 * time.Second,
			IdleTimeout:    60 * time.Second,
		},
		Retrieval: RetrievalConfig{
			EnableWeb:     envBool("ENABLE_WEB_SEARCH", true),
			EnableVector:  envBool("ENABLE_VECTOR_SEARCH", true),
			EnableKG:      envBool("ENABLE_KNOWLEDGE_GRAPH", true),
			WebTimeout:    envDurationMS("WEB_TIMEOUT_MS", 1500*time.Millisecond),
			VectorTimeout: envDurationMS("VECTOR_TIMEOUT_MS", 2000*time.Millisecond),
			KGTimeout:     envDurationMS("KG_TIMEOUT_MS", 1500*time.Millisecond),
			FusionTimeout: envDurationMS("FUSION_TIMEOUT_MS", 200*time.Millisecond),
			TotalTimeout:  envDurationMS("RETRIEVAL_TIMEOUT_MS", 3000*time.Millisecond),
			TopK:          envInt("RETRIEVAL_TOP_K", 5),
			TopKFinal:     10,
		},
		Providers: ProviderCredentials{
			EnablePaidAPI:     envBool("ENABLE_PAID_API", false),
			LLMTimeout:        time.Duration(envInt("LLM_TIMEOUT_SECONDS", 15)) * time.Second,
			OllamaBaseURL:     os.Getenv("OLLAMA_BASE_URL"),
			HuggingFaceAPIKey: os.Getenv("HUGGINGFACE_API_KEY"),
			OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
			AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
			GPURemoteURL:      os.Getenv("GPU_REMOTE_URL"),
		},
		Stores: StoreConfig{
			VectorDBURL:    os.Getenv("VECTOR_DB_URL"),
			VectorDBAPIKey: os.Getenv("VECTOR_DB_API_KEY"),
			ArangoURL:      os.Getenv("ARANGODB_URL"),
			ArangoUsername: os.Getenv("ARANGODB_USERNAME"),
			ArangoPassword: os.Getenv("ARANGODB_PASSWORD"),
			ArangoDatabase: envStr("ARANGODB_DATABASE", "_system"),
			MeilisearchURL: os.Getenv("MEILISEARCH_URL"),
			MeilisearchKey: os.Getenv("MEILISEARCH_MASTER_KEY"),
			WebSearchURL:   os.Getenv("WEB_SEARCH_URL"),
		},
		RateLimit: RateLimitConfig{
			PerMinute:     envInt("RATE_LIMIT_PER_MINUTE", 60),
			Burst:         envInt("RATE_LIMIT_BURST", 10),
			BlockDuration: time.Duration(envInt("RATE_LIMIT_BLOCK_MINUTES", 5)) * time.Minute,
			RedisURL:      os.Getenv("RATE_LIMIT_REDIS_URL"),
		},
		Streaming: StreamingConfig{
			MaxDuration:       time.Duration(envInt("SSE_MAX_DURATION_SECONDS", 60)) * time.Second,
			HeartbeatInterval: time.Duration(envInt("HEARTBEAT_INTERVAL_SECONDS", 5)) * time.Second,
		},
		Guided: GuidedConfig{
			Budget:          envDurationMS("GUIDED_PROMPT_BUDGET_MS", 500*time.Millisecond),
			MaxOutputTokens: 300,
			DailyBudgetUSD:  envFloat("GUIDED_PROMPT_DAILY_BUDGET_USD", 1.0),
		},
		Logging: LoggingConfig{
			Level:  envStr("LOG_LEVEL", "info"),
			Format: envStr("LOG_FORMAT", "json"),
		},
		Workers: WorkerConfig{
			PoolSize: envInt("WORKER_POOL_SIZE", 2*runtime.NumCPU()),
		},
		ModelCatalogPath: envStr("MODEL_CATALOG_PATH", "config/models.yaml"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors. It fails fast on
// values that would make the service misbehave silently.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Retrieval.TotalTimeout <= 0 {
		return fmt.Errorf("retrieval total timeout must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval top_k must be positive")
	}
	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("rate limit per minute must be positive")
	}
	if c.Streaming.MaxDuration < c.Streaming.HeartbeatInterval {
		return fmt.Errorf("sse max duration %s below heartbeat interval %s",
			c.Streaming.MaxDuration, c.Streaming.HeartbeatInterval)
	}
	if c.Workers.PoolSize <= 0 {
		return fmt.Errorf("worker pool size must be positive")
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func envDurationMS(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
