// Package config loads recall configuration from a YAML file and RECALL_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete recall configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Indexer       IndexerConfig       `koanf:"indexer"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	Router        RouterConfig        `koanf:"router"`
	Source        SourceConfig        `koanf:"source"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig locates persisted state: the embedded index and the
// checkpoint database.
type StorageConfig struct {
	Path string `koanf:"path"`
}

// EmbeddingsConfig selects and tunes the embedding provider.
type EmbeddingsConfig struct {
	Provider        string   `koanf:"provider"` // tei, fastembed, openai, ollama
	Model           string   `koanf:"model"`
	BaseURL         string   `koanf:"base_url"`
	APIKey          Secret   `koanf:"api_key"`
	Dimension       int      `koanf:"dimension"`
	CacheDir        string   `koanf:"cache_dir"`
	QueryPrefix     string   `koanf:"query_prefix"`
	DocumentPrefix  string   `koanf:"document_prefix"`
	MinLength       int      `koanf:"min_length"`
	MaxBatchSize    int      `koanf:"max_batch_size"`
	InterBatchDelay Duration `koanf:"inter_batch_delay"`
}

// VectorStoreConfig selects the vector store backend.
type VectorStoreConfig struct {
	Provider string        `koanf:"provider"` // chromem, qdrant
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded store. Its directory is
// <storage.path>/index.
type ChromemConfig struct {
	Compress   bool   `koanf:"compress"`
	Collection string `koanf:"collection"`
}

// QdrantConfig configures the remote store.
type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"` // gRPC port
	CollectionName string `koanf:"collection_name"`
	UseTLS         bool   `koanf:"use_tls"`
	APIKey         Secret `koanf:"api_key"`
}

// IndexerConfig controls background synchronization.
type IndexerConfig struct {
	Enabled      bool     `koanf:"enabled"`
	Interval     Duration `koanf:"interval"`
	Scopes       []string `koanf:"scopes"`
	ScrubSecrets bool     `koanf:"scrub_secrets"`
	// ScrubGitleaks adds the gitleaks ruleset to the built-in rules.
	ScrubGitleaks bool `koanf:"scrub_gitleaks"`
	// AllowListFile is a gitleaks-style TOML file of matches to keep.
	AllowListFile string `koanf:"allow_list_file"`
}

// RetrievalConfig holds query-time defaults.
type RetrievalConfig struct {
	Enabled          bool         `koanf:"enabled"`
	MaxResults       int          `koanf:"max_results"`
	MinScore         float64      `koanf:"min_score"`
	ContextWindow    int          `koanf:"context_window"`
	FallbackUnscoped bool         `koanf:"fallback_unscoped"`
	Rerank           RerankConfig `koanf:"rerank"`
}

// RerankConfig selects the secondary relevance pass.
type RerankConfig struct {
	Provider          string   `koanf:"provider"` // none, simple, llm
	Backend           string   `koanf:"backend"`  // openai, ollama (llm only)
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Timeout           Duration `koanf:"timeout"`
}

// RouterConfig tunes the query router.
type RouterConfig struct {
	CacheSize int `koanf:"cache_size"`
	// Aliases maps channel names as people type them to scope ids.
	Aliases map[string]string `koanf:"aliases"`
}

// SourceConfig locates the source of truth and the deletion feed.
type SourceConfig struct {
	Postgres PostgresConfig `koanf:"postgres"`
	NATS     NATSConfig     `koanf:"nats"`
}

// PostgresConfig configures the message table reader.
type PostgresConfig struct {
	DSN       Secret `koanf:"dsn"`
	Table     string `koanf:"table"`
	PageLimit int    `koanf:"page_limit"`
}

// NATSConfig configures the deletion feed. An empty URL disables it.
type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
	Buffer  int    `koanf:"buffer"`
}

// LoggingConfig holds the operator-facing logging knobs.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"` // json, console
	OTEL     bool   `koanf:"otel"`
	Sampling bool   `koanf:"sampling"`
}

// ObservabilityConfig holds OpenTelemetry export configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"` // grpc, http
	Insecure        bool    `koanf:"insecure"`
	ServiceName     string  `koanf:"service_name"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}

	switch c.Embeddings.Provider {
	case "tei", "fastembed", "openai", "ollama":
	default:
		return fmt.Errorf("unsupported embeddings provider: %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Model == "" {
		return errors.New("embeddings.model is required")
	}
	if c.Embeddings.MinLength < 0 || c.Embeddings.MaxBatchSize < 0 {
		return errors.New("embeddings.min_length and embeddings.max_batch_size must not be negative")
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unsupported vectorstore provider: %q (supported: chromem, qdrant)", c.VectorStore.Provider)
	}

	if c.Indexer.Enabled {
		if c.Indexer.Interval.Duration() < time.Second {
			return fmt.Errorf("indexer.interval must be at least 1s, got %s", c.Indexer.Interval.Duration())
		}
		if !c.Source.Postgres.DSN.IsSet() {
			return errors.New("source.postgres.dsn is required when the indexer is enabled")
		}
	}

	if c.Retrieval.MaxResults < 1 {
		return fmt.Errorf("retrieval.max_results must be positive, got %d", c.Retrieval.MaxResults)
	}
	if c.Retrieval.MinScore < -1 || c.Retrieval.MinScore > 1 {
		return fmt.Errorf("retrieval.min_score must be in [-1, 1], got %v", c.Retrieval.MinScore)
	}
	if c.Retrieval.ContextWindow < 0 {
		return fmt.Errorf("retrieval.context_window must not be negative, got %d", c.Retrieval.ContextWindow)
	}
	switch c.Retrieval.Rerank.Provider {
	case "none", "simple":
	case "llm":
		if c.Retrieval.Rerank.Model == "" {
			return errors.New("retrieval.rerank.model is required for the llm reranker")
		}
	default:
		return fmt.Errorf("unsupported rerank provider: %q", c.Retrieval.Rerank.Provider)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	return nil
}
