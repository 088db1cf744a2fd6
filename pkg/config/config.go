// Package config provides configuration file support for Quarry.
// It handles loading, validation, and environment variable interpolation
// for quarry.yaml configuration files.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full Quarry configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Corpus    CorpusConfig    `mapstructure:"corpus"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Rerank    RerankConfig    `mapstructure:"rerank"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server and MCP session settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// Sessions enables the stateful session table. When disabled every
	// request is treated as implicitly initialized.
	Sessions bool `mapstructure:"sessions"`

	// RequestTimeout bounds each tools/call before an internal
	// cancellation fires.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// StreamTimeout is the hard per-connection limit for the SSE
	// heartbeat stream.
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
}

// CorpusConfig holds corpus store settings.
type CorpusConfig struct {
	// DatabaseURL is the Postgres DSN for chunks, pages, and identity data.
	DatabaseURL string `mapstructure:"database_url"`

	// VectorBackend selects where vector search runs: postgres (default),
	// qdrant, or pinecone. Keyword search and page fetch always use Postgres.
	VectorBackend string `mapstructure:"vector_backend"`

	// Dimension is the embedding dimensionality of the corpus.
	Dimension int `mapstructure:"dimension"`

	MaxConns       int           `mapstructure:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`

	Qdrant   QdrantConfig   `mapstructure:"qdrant"`
	Pinecone PineconeConfig `mapstructure:"pinecone"`
}

// QdrantConfig holds settings for the Qdrant vector backend.
type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	GRPCPort   int    `mapstructure:"grpc_port"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
}

// PineconeConfig holds settings for the Pinecone vector backend.
type PineconeConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Index     string `mapstructure:"index"`
	Namespace string `mapstructure:"namespace"`
	// Filter restricts queries to vectors whose metadata matches every
	// key/value pair, e.g. {"source": "docs"}.
	Filter map[string]string `mapstructure:"filter"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	BaseURL  string `mapstructure:"base_url"`

	// APIKeys supports credential failover: a key rejected by the
	// provider is marked dead and the next one is tried.
	APIKeys []string `mapstructure:"api_keys"`

	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// RerankConfig holds reranker provider settings.
type RerankConfig struct {
	BaseURL string   `mapstructure:"base_url"`
	Model   string   `mapstructure:"model"`
	APIKeys []string `mapstructure:"api_keys"`

	// Instruction is the task description sent with every rerank call.
	Instruction string `mapstructure:"instruction"`

	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// EngineConfig holds hybrid retrieval engine settings.
type EngineConfig struct {
	// SmallDocThreshold is the content length below which results are
	// packed together before reranking.
	SmallDocThreshold int `mapstructure:"small_doc_threshold"`

	// MaxResults is the hard cap on requested result counts.
	MaxResults int `mapstructure:"max_results"`

	// AdvertisedMaxResults is the cap declared in the tool schema.
	AdvertisedMaxResults int `mapstructure:"advertised_max_results"`

	// AdditionalURLCap bounds the additional-URLs section.
	AdditionalURLCap int `mapstructure:"additional_url_cap"`
}

// IdentityConfig holds identity resolution settings.
type IdentityConfig struct {
	// CacheTTL bounds how long token/IP lookups are served from memory.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// CacheSize is the max number of cached identity records.
	CacheSize int `mapstructure:"cache_size"`

	// QueueSize bounds the async last-used update queue; updates are
	// dropped when it is full.
	QueueSize int `mapstructure:"queue_size"`
}

// PlanLimits holds the per-window request budgets for one plan tier.
type PlanLimits struct {
	// Short is the burst budget per minute window.
	Short int `mapstructure:"short"`

	// Long is the quota per week window.
	Long int `mapstructure:"long"`
}

// RateLimitConfig holds rate limiter settings.
type RateLimitConfig struct {
	// Plans maps plan tier names to their limits. The "anonymous" entry
	// applies to unauthenticated callers.
	Plans map[string]PlanLimits `mapstructure:"plans"`

	// SurfaceAsError returns rate-limit breaches as JSON-RPC errors
	// instead of plain-text tool output.
	SurfaceAsError bool `mapstructure:"surface_as_error"`
}

// RedisConfig holds Redis connection settings for rate counters and caching.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			Sessions:       true,
			RequestTimeout: 30 * time.Second,
			StreamTimeout:  5 * time.Minute,
		},
		Corpus: CorpusConfig{
			VectorBackend:  "postgres",
			Dimension:      2560,
			MaxConns:       20,
			ConnectTimeout: 5 * time.Second,
			IdleTimeout:    300 * time.Second,
			Qdrant: QdrantConfig{
				GRPCPort: 6334,
			},
		},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "qwen3-embedding",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Rerank: RerankConfig{
			Model:       "rerank-2",
			Instruction: "Given a developer documentation query, rank the passages by how well they answer it.",
			Timeout:     30 * time.Second,
			MaxRetries:  2,
		},
		Engine: EngineConfig{
			SmallDocThreshold:    1500,
			MaxResults:           50,
			AdvertisedMaxResults: 10,
			AdditionalURLCap:     10,
		},
		Identity: IdentityConfig{
			CacheTTL:  5 * time.Minute,
			CacheSize: 10000,
			QueueSize: 1024,
		},
		RateLimit: RateLimitConfig{
			Plans: map[string]PlanLimits{
				"anonymous": {Short: 10, Long: 500},
				"free":      {Short: 60, Long: 2000},
				"pro":       {Short: 300, Long: 50000},
			},
		},
		Redis: RedisConfig{
			URL:          "redis://localhost:6379",
			KeyPrefix:    "quarry:",
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "otlp",
				Endpoint:   "localhost:4317",
				SampleRate: 1.0,
				Insecure:   true,
			},
		},
	}
}

// Load reads configuration from the given viper instance and returns
// a validated Config. Environment variables in string values are
// interpolated using ${VAR} syntax.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	interpolateConfig(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads a specific config file and returns a validated Config.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Load(v)
}

// Validate checks the configuration for errors and returns a descriptive
// error if any field is invalid.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port: must be between 0 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout: must be non-negative")
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout: must be non-negative")
	}
	if cfg.Server.RequestTimeout <= 0 {
		errs = append(errs, "server.request_timeout: must be positive")
	}

	validBackends := map[string]bool{"postgres": true, "qdrant": true, "pinecone": true, "": true}
	if !validBackends[cfg.Corpus.VectorBackend] {
		errs = append(errs, fmt.Sprintf("corpus.vector_backend: unsupported backend %q (supported: postgres, qdrant, pinecone)", cfg.Corpus.VectorBackend))
	}
	if cfg.Corpus.Dimension <= 0 {
		errs = append(errs, fmt.Sprintf("corpus.dimension: must be positive, got %d", cfg.Corpus.Dimension))
	}
	if cfg.Corpus.MaxConns <= 0 {
		errs = append(errs, "corpus.max_conns: must be positive")
	}
	if cfg.Corpus.VectorBackend == "qdrant" && cfg.Corpus.Qdrant.Host == "" {
		errs = append(errs, "corpus.qdrant.host: required for the qdrant backend")
	}
	if cfg.Corpus.VectorBackend == "pinecone" && cfg.Corpus.Pinecone.Index == "" {
		errs = append(errs, "corpus.pinecone.index: required for the pinecone backend")
	}

	validProviders := map[string]bool{"openai": true, "": true}
	if !validProviders[cfg.Embedding.Provider] {
		errs = append(errs, fmt.Sprintf("embedding.provider: unsupported provider %q (supported: openai)", cfg.Embedding.Provider))
	}
	if cfg.Embedding.MaxRetries < 0 {
		errs = append(errs, "embedding.max_retries: must be non-negative")
	}
	if cfg.Rerank.MaxRetries < 0 {
		errs = append(errs, "rerank.max_retries: must be non-negative")
	}

	if cfg.Engine.SmallDocThreshold < 0 {
		errs = append(errs, "engine.small_doc_threshold: must be non-negative")
	}
	if cfg.Engine.MaxResults < 1 || cfg.Engine.MaxResults > 50 {
		errs = append(errs, fmt.Sprintf("engine.max_results: must be between 1 and 50, got %d", cfg.Engine.MaxResults))
	}
	if cfg.Engine.AdvertisedMaxResults < 1 || cfg.Engine.AdvertisedMaxResults > cfg.Engine.MaxResults {
		errs = append(errs, "engine.advertised_max_results: must be between 1 and engine.max_results")
	}

	if cfg.Identity.CacheTTL < 0 {
		errs = append(errs, "identity.cache_ttl: must be non-negative")
	}
	if cfg.Identity.QueueSize <= 0 {
		errs = append(errs, "identity.queue_size: must be positive")
	}

	if _, ok := cfg.RateLimit.Plans["anonymous"]; !ok {
		errs = append(errs, "ratelimit.plans: an \"anonymous\" entry is required")
	}
	for name, limits := range cfg.RateLimit.Plans {
		if limits.Short <= 0 || limits.Long <= 0 {
			errs = append(errs, fmt.Sprintf("ratelimit.plans.%s: limits must be positive", name))
		}
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true, "": true}
	if !validExporters[cfg.Telemetry.Tracing.Exporter] {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.exporter: unsupported exporter %q (supported: otlp, stdout, none)", cfg.Telemetry.Tracing.Exporter))
	}
	if cfg.Telemetry.Tracing.SampleRate < 0 || cfg.Telemetry.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.sample_rate: must be between 0 and 1, got %f", cfg.Telemetry.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnv replaces ${VAR} and ${VAR:-default} patterns in a string
// with the corresponding environment variable values.
func InterpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		return match
	})
}

// interpolateConfig applies environment variable interpolation to all
// string fields in the config.
func interpolateConfig(cfg *Config) {
	cfg.Server.Host = InterpolateEnv(cfg.Server.Host)

	cfg.Corpus.DatabaseURL = InterpolateEnv(cfg.Corpus.DatabaseURL)
	cfg.Corpus.VectorBackend = InterpolateEnv(cfg.Corpus.VectorBackend)
	cfg.Corpus.Qdrant.Host = InterpolateEnv(cfg.Corpus.Qdrant.Host)
	cfg.Corpus.Qdrant.Collection = InterpolateEnv(cfg.Corpus.Qdrant.Collection)
	cfg.Corpus.Qdrant.APIKey = InterpolateEnv(cfg.Corpus.Qdrant.APIKey)
	cfg.Corpus.Pinecone.APIKey = InterpolateEnv(cfg.Corpus.Pinecone.APIKey)
	cfg.Corpus.Pinecone.Index = InterpolateEnv(cfg.Corpus.Pinecone.Index)
	cfg.Corpus.Pinecone.Namespace = InterpolateEnv(cfg.Corpus.Pinecone.Namespace)

	cfg.Embedding.Provider = InterpolateEnv(cfg.Embedding.Provider)
	cfg.Embedding.Model = InterpolateEnv(cfg.Embedding.Model)
	cfg.Embedding.BaseURL = InterpolateEnv(cfg.Embedding.BaseURL)
	for i, key := range cfg.Embedding.APIKeys {
		cfg.Embedding.APIKeys[i] = InterpolateEnv(key)
	}

	cfg.Rerank.BaseURL = InterpolateEnv(cfg.Rerank.BaseURL)
	cfg.Rerank.Model = InterpolateEnv(cfg.Rerank.Model)
	cfg.Rerank.Instruction = InterpolateEnv(cfg.Rerank.Instruction)
	for i, key := range cfg.Rerank.APIKeys {
		cfg.Rerank.APIKeys[i] = InterpolateEnv(key)
	}

	cfg.Redis.URL = InterpolateEnv(cfg.Redis.URL)
	cfg.Redis.Password = InterpolateEnv(cfg.Redis.Password)

	cfg.Telemetry.Tracing.Exporter = InterpolateEnv(cfg.Telemetry.Tracing.Exporter)
	cfg.Telemetry.Tracing.Endpoint = InterpolateEnv(cfg.Telemetry.Tracing.Endpoint)
}

// GenerateTemplate returns a YAML template string with all available
// configuration options and their defaults, suitable for writing to
// a quarry.yaml file.
func GenerateTemplate() string {
	return `# Quarry Configuration

server:
  port: 8080
  host: 0.0.0.0
  read_timeout: 30s
  write_timeout: 60s
  sessions: true          # stateful MCP sessions
  request_timeout: 30s    # per tools/call deadline
  stream_timeout: 5m      # SSE heartbeat connection cap

corpus:
  database_url: ${QUARRY_DATABASE_URL}
  vector_backend: postgres   # postgres, qdrant, or pinecone
  dimension: 2560
  max_conns: 20
  connect_timeout: 5s
  idle_timeout: 300s
  qdrant:
    host: ""
    grpc_port: 6334
    collection: ""
    api_key: ""
    use_tls: false
  pinecone:
    api_key: ""
    index: ""
    namespace: ""
    filter: {}       # metadata equality filter, e.g. {source: docs}

embedding:
  provider: openai
  model: qwen3-embedding
  base_url: ""
  api_keys:
    - ${QUARRY_EMBEDDING_API_KEY}
  timeout: 30s
  max_retries: 3

rerank:
  base_url: ""
  model: rerank-2
  api_keys:
    - ${QUARRY_RERANK_API_KEY}
  instruction: "Given a developer documentation query, rank the passages by how well they answer it."
  timeout: 30s
  max_retries: 2

engine:
  small_doc_threshold: 1500
  max_results: 50
  advertised_max_results: 10
  additional_url_cap: 10

identity:
  cache_ttl: 5m
  cache_size: 10000
  queue_size: 1024

ratelimit:
  surface_as_error: false
  plans:
    anonymous: { short: 10, long: 500 }
    free:      { short: 60, long: 2000 }
    pro:       { short: 300, long: 50000 }

redis:
  url: redis://localhost:6379
  key_prefix: "quarry:"
  pool_size: 10
  dial_timeout: 5s
  read_timeout: 3s
  write_timeout: 3s

telemetry:
  tracing:
    enabled: false
    exporter: otlp       # otlp, stdout, or none
    endpoint: localhost:4317
    sample_rate: 1.0     # 0.0 to 1.0
    insecure: true
`
}
