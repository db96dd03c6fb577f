package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyInput indicates an empty or nil batch was handed to a provider.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Intent tells the provider how the text will be used. Asymmetric models
// embed queries and passages differently.
type Intent string

const (
	IntentDocument Intent = "document"
	IntentQuery    Intent = "query"
)

// Provider generates vectors for a batch of texts, one per input, in order.
type Provider interface {
	Embed(ctx context.Context, texts []string, intent Intent) ([][]float32, error)
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Model returns the configured model identifier.
	Model() string
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is one of "tei" (default), "fastembed", "openai", "ollama".
	Provider string
	Model    string
	// Dimension overrides model-based detection. Zero means detect.
	Dimension int
	// BaseURL is used by the HTTP providers.
	BaseURL string
	APIKey  string
	// CacheDir is the model cache directory (FastEmbed only).
	CacheDir string
	// QueryPrefix and DocumentPrefix are prepended by HTTP providers
	// for asymmetric models such as e5 ("query: ", "passage: ").
	QueryPrefix    string
	DocumentPrefix string
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	switch cfg.Provider {
	case "tei", "":
		return NewTEIProvider(TEIConfig{
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			APIKey:         cfg.APIKey,
			Dimension:      dimensionFor(cfg),
			QueryPrefix:    cfg.QueryPrefix,
			DocumentPrefix: cfg.DocumentPrefix,
		})
	case "fastembed":
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "openai", "ollama":
		return NewLangChainProvider(LangChainConfig{
			Backend:        cfg.Provider,
			Model:          cfg.Model,
			BaseURL:        cfg.BaseURL,
			APIKey:         cfg.APIKey,
			Dimension:      dimensionFor(cfg),
			QueryPrefix:    cfg.QueryPrefix,
			DocumentPrefix: cfg.DocumentPrefix,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

func dimensionFor(cfg ProviderConfig) int {
	if cfg.Dimension > 0 {
		return cfg.Dimension
	}
	return detectDimensionFromModel(cfg.Model)
}

// knownDimensions maps common model names to their output dimension.
var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-large-en-v1.5":                 1024,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"intfloat/e5-small-v2":                   384,
	"intfloat/e5-base-v2":                    768,
	"nomic-embed-text":                       768,
	"mxbai-embed-large":                      1024,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 384 if the model is unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "large"):
		return 1024
	case strings.Contains(lower, "base"):
		return 768
	default:
		return 384
	}
}

func withPrefix(texts []string, prefix string) []string {
	if prefix == "" {
		return texts
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = prefix + t
	}
	return out
}

func prefixFor(intent Intent, queryPrefix, documentPrefix string) string {
	if intent == IntentQuery {
		return queryPrefix
	}
	return documentPrefix
}
