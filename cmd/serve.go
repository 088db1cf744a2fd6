package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quarrylabs/quarry/pkg/auth"
	"github.com/quarrylabs/quarry/pkg/cache"
	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/corpus"
	"github.com/quarrylabs/quarry/pkg/embedding/openai"
	"github.com/quarrylabs/quarry/pkg/engine"
	"github.com/quarrylabs/quarry/pkg/identity"
	"github.com/quarrylabs/quarry/pkg/mcpserver"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/ratelimit"
	"github.com/quarrylabs/quarry/pkg/rerank"
	"github.com/quarrylabs/quarry/pkg/telemetry"
	"github.com/quarrylabs/quarry/pkg/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Quarry MCP server",
	Long: `Starts the MCP server over streamable HTTP.

Example:
  quarry serve --port 8080

The server exposes:
  POST /         - MCP JSON-RPC endpoint
  GET  /         - SSE stream (heartbeats, notifications)
  GET  /health   - Health check
  GET  /metrics  - Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "HTTP server port")
	serveCmd.Flags().String("host", "0.0.0.0", "HTTP server host")
	serveCmd.Flags().Bool("stateless", false, "disable session management")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if stateless, _ := cmd.Flags().GetBool("stateless"); stateless {
		cfg.Server.Sessions = false
	}

	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := telemetry.Init(ctx, cfg.Telemetry.Tracing, version)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	m := metrics.New()

	// Corpus store: Postgres is authoritative; vector search can be
	// offloaded to Qdrant or Pinecone.
	pgStore, err := corpus.NewPostgresStore(ctx, cfg.Corpus)
	if err != nil {
		return fmt.Errorf("failed to connect to corpus database: %w", err)
	}
	defer pgStore.Close()

	var store corpus.Store = pgStore
	switch cfg.Corpus.VectorBackend {
	case "", "postgres":
	case "qdrant":
		qs, err := corpus.NewQdrantSearcher(cfg.Corpus.Qdrant)
		if err != nil {
			return fmt.Errorf("failed to create qdrant searcher: %w", err)
		}
		defer qs.Close()
		store = corpus.WithVectorBackend(pgStore, qs)
	case "pinecone":
		ps, err := corpus.NewPineconeSearcher(ctx, cfg.Corpus.Pinecone)
		if err != nil {
			return fmt.Errorf("failed to create pinecone searcher: %w", err)
		}
		defer ps.Close()
		store = corpus.WithVectorBackend(pgStore, ps)
	default:
		return fmt.Errorf("unsupported vector backend: %s", cfg.Corpus.VectorBackend)
	}

	// Redis backs rate limit counters and the identity cache. Without
	// it the server runs unlimited with an in-memory cache.
	var (
		redisClient *redis.Client
		limiter     *ratelimit.Limiter
		idCache     cache.Cache
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		if cfg.Redis.PoolSize > 0 {
			opts.PoolSize = cfg.Redis.PoolSize
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}

		limiter = ratelimit.New(redisClient, cfg.Redis.KeyPrefix, cfg.RateLimit.Plans, logger)
		idCache = cache.NewRedisCache(redisClient, cfg.Redis.KeyPrefix, cache.Config{
			DefaultTTL: cfg.Identity.CacheTTL,
		})
	} else {
		logger.Warn().Msg("redis not configured, rate limiting disabled")
		idCache = cache.NewMemoryCache(cache.Config{
			MaxSize:    int64(cfg.Identity.CacheSize),
			DefaultTTL: cfg.Identity.CacheTTL,
		})
	}
	defer idCache.Close()

	idStore := identity.NewStore(pgStore.Pool(), idCache, cfg.Identity, m, logger)
	defer idStore.Close()

	embedder, err := openai.NewClient(openai.Config{
		APIKeys:    cfg.Embedding.APIKeys,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimension:  cfg.Corpus.Dimension,
		Timeout:    cfg.Embedding.Timeout,
		MaxRetries: cfg.Embedding.MaxRetries,
		OnRetry:    func() { m.RecordUpstreamRetry("embedding") },
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create embedding client: %w", err)
	}

	reranker, err := rerank.NewClient(rerank.Config{
		APIKeys:     cfg.Rerank.APIKeys,
		Model:       cfg.Rerank.Model,
		BaseURL:     cfg.Rerank.BaseURL,
		Instruction: cfg.Rerank.Instruction,
		Timeout:     cfg.Rerank.Timeout,
		MaxRetries:  cfg.Rerank.MaxRetries,
		OnRetry:     func() { m.RecordUpstreamRetry("rerank") },
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create rerank client: %w", err)
	}

	eng := engine.New(store, embedder, reranker, cfg.Engine, m, logger, tracer)

	executor := tools.NewExecutor(eng, store, limiterOrNil(limiter), idStore, m, tracer, logger, tools.Config{
		AdvertisedMaxResults:    cfg.Engine.AdvertisedMaxResults,
		MaxResults:              cfg.Engine.MaxResults,
		SurfaceRateLimitAsError: cfg.RateLimit.SurfaceAsError,
	})

	resolver := auth.NewResolver(idStore, logger)

	sessions := mcpserver.NewRegistry(m, logger)
	defer sessions.Close()
	inflight := mcpserver.NewInflight()
	defer inflight.Close()

	srv := mcpserver.New(cfg.Server, executor, resolver, sessions, inflight, m, tracer, logger, version, tools.Definitions(cfg.Engine.AdvertisedMaxResults))

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", srv.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
		close(done)
	}()

	logger.Info().
		Str("addr", addr).
		Str("vector_backend", backendName(cfg.Corpus.VectorBackend)).
		Bool("sessions", cfg.Server.Sessions).
		Bool("rate_limiting", limiter != nil).
		Msg("quarry listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info().Msg("server stopped")
	return nil
}

// limiterOrNil keeps a typed nil pointer out of the RateChecker
// interface when redis is absent.
func limiterOrNil(l *ratelimit.Limiter) tools.RateChecker {
	if l == nil {
		return nil
	}
	return l
}

func backendName(name string) string {
	if name == "" {
		return "postgres"
	}
	return name
}
