// Command server runs the retrieval orchestrator gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relago-ai/relago/internal/api"
	"github.com/relago-ai/relago/internal/config"
	"github.com/relago-ai/relago/internal/guided"
	"github.com/relago-ai/relago/internal/lane"
	"github.com/relago-ai/relago/internal/metrics"
	"github.com/relago-ai/relago/internal/observability"
	"github.com/relago-ai/relago/internal/provider"
	"github.com/relago-ai/relago/internal/resilience"
	"github.com/relago-ai/relago/internal/router"
	"github.com/relago-ai/relago/internal/streaming"
	"github.com/relago-ai/relago/pkg/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	redactor := observability.NewRedactor()
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      logLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format == "json",
	}, redactor)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := config.NewCatalogManager(cfg.ModelCatalogPath, logger.Slog())
	if err != nil {
		return fmt.Errorf("load model catalog: %w", err)
	}
	if err := catalog.Watch(ctx); err != nil {
		logger.Warn("catalog hot reload unavailable", "error", err.Error())
	}

	breakers := resilience.NewManager(resilience.ManagerConfig{
		CircuitBreaker: resilience.DefaultCircuitBreakerConfig(),
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			logger.Info("circuit state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	breakers.StartSweeper(ctx, time.Minute, 10*time.Minute)

	registry := provider.NewRegistry(cfg.Providers, catalog, breakers)
	modelRouter := router.New(registry, router.DefaultWeights(), logger.WithFields("component", "router"))

	pool := breakers.GetSemaphore("lane-pool", cfg.Workers.PoolSize)
	runner := lane.NewRunner(pool, breakers)
	lanes, embedder := buildLanes(cfg, logger)

	// Store endpoints may embed credentials; this line goes through the
	// redactor.
	logger.RedactedInfo("stores configured",
		"vector_db", cfg.Stores.VectorDBURL,
		"arangodb", cfg.Stores.ArangoURL,
		"web_search", cfg.Stores.WebSearchURL,
	)

	warmup := lane.NewWarmup(embedder, runner, lanes, logger.WithFields("component", "warmup"))
	orchestrator := lane.NewOrchestrator(cfg.Retrieval, runner, lanes, warmup, logger.WithFields("component", "lane"))

	guidedEngine := guided.NewEngine(cfg.Guided, registry, redactor, logger.WithFields("component", "guided"))
	pipeline := api.NewPipeline(cfg, guidedEngine, orchestrator, modelRouter, registry, logger)

	server := api.NewServer(pipeline, guidedEngine, warmup, registry, streaming.Config{
		MaxDuration:       cfg.Streaming.MaxDuration,
		HeartbeatInterval: cfg.Streaming.HeartbeatInterval,
	}, breakers, logger)

	limiter := buildLimiter(cfg.RateLimit, logger)
	go sweepLimiter(ctx, limiter)

	handler := chain(server.Routes(),
		metrics.Middleware,
		trustedHostMiddleware(cfg.Server.TrustedHosts),
		bodySizeMiddleware(cfg.Server.MaxRequestBody),
		rateLimitMiddleware(limiter, logger),
		queryLengthMiddleware,
		observability.TraceIDMiddleware,
		securityHeadersMiddleware,
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Warm the lanes before traffic wants them; requests arriving
	// earlier are served degraded with warmup_cold flagged.
	go warmup.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.RedactedError("server failed", "error", err)
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildLanes constructs the lane adapters from the store endpoints.
// Unconfigured external stores fall back to in-memory implementations
// so the service always boots.
func buildLanes(cfg *config.Config, logger *observability.Logger) (map[types.LaneName]lane.Lane, lane.Embedder) {
	embedder := lane.Embedder(lane.NewCachingEmbedder(lane.NewHashEmbedder(384)))

	var store lane.VectorStore
	if cfg.Stores.VectorDBURL != "" {
		qs, err := lane.NewQdrantStore(lane.QdrantConfig{
			APIBase: cfg.Stores.VectorDBURL,
			APIKey:  cfg.Stores.VectorDBAPIKey,
			Timeout: cfg.Retrieval.VectorTimeout,
		})
		if err != nil {
			logger.Warn("qdrant unavailable, using in-memory vector store", "error", err.Error())
		} else {
			store = qs
		}
	}
	if store == nil {
		store = lane.NewMemoryVectorStore()
	}

	var graph lane.GraphStore
	if cfg.Stores.ArangoURL != "" {
		as, err := lane.NewArangoStore(lane.ArangoConfig{
			URL:      cfg.Stores.ArangoURL,
			Database: cfg.Stores.ArangoDatabase,
			Username: cfg.Stores.ArangoUsername,
			Password: cfg.Stores.ArangoPassword,
			Timeout:  cfg.Retrieval.KGTimeout,
		})
		if err != nil {
			logger.Warn("arangodb unavailable, using in-memory graph store", "error", err.Error())
		} else {
			graph = as
		}
	}
	if graph == nil {
		graph = lane.NewMemoryGraphStore()
	}

	return map[types.LaneName]lane.Lane{
		types.LaneWeb:    lane.NewWebLane(cfg.Stores.WebSearchURL, cfg.Retrieval.WebTimeout),
		types.LaneVector: lane.NewVectorLane(embedder, store),
		types.LaneKG:     lane.NewKGLane(graph),
	}, embedder
}

// buildLimiter picks the shared Redis limiter when configured, else
// the in-process one.
func buildLimiter(cfg config.RateLimitConfig, logger *observability.Logger) resilience.LimiterStore {
	limiterCfg := resilience.IPRateLimiterConfig{
		PerMinute:     cfg.PerMinute,
		Burst:         cfg.Burst,
		BlockDuration: cfg.BlockDuration,
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("invalid rate limit redis url, using in-process limiter", "error", err.Error())
		} else {
			logger.Info("rate limiting via shared redis store")
			return resilience.NewRedisLimiterStore(redis.NewClient(opts), limiterCfg)
		}
	}
	return resilience.NewIPRateLimiter(limiterCfg)
}

func sweepLimiter(ctx context.Context, store resilience.LimiterStore) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Sweep(10 * time.Minute)
		}
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
