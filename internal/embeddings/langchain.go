package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/recallerr"
)

// embeddingClient is the subset of the langchaingo LLM clients used here.
type embeddingClient interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// LangChainConfig configures a hosted embedding backend.
type LangChainConfig struct {
	// Backend is "openai" or "ollama".
	Backend   string
	Model     string
	BaseURL   string
	APIKey    string
	Dimension int

	QueryPrefix    string
	DocumentPrefix string
}

// LangChainProvider embeds through a langchaingo client.
type LangChainProvider struct {
	config  LangChainConfig
	client  embeddingClient
	metrics *Metrics
}

// NewLangChainProvider builds the langchaingo client for the backend.
func NewLangChainProvider(cfg LangChainConfig) (*LangChainProvider, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	var (
		client embeddingClient
		err    error
	)
	switch cfg.Backend {
	case "openai":
		opts := []openai.Option{openai.WithEmbeddingModel(cfg.Model)}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		client, err = openai.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		client, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("%w: unknown langchain backend %q", ErrInvalidConfig, cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", cfg.Backend, err)
	}

	return newLangChainProvider(cfg, client), nil
}

func newLangChainProvider(cfg LangChainConfig, client embeddingClient) *LangChainProvider {
	return &LangChainProvider{
		config:  cfg,
		client:  client,
		metrics: NewMetrics(zap.NewNop()),
	}
}

// Embed sends one batch to the backend.
func (p *LangChainProvider) Embed(ctx context.Context, texts []string, intent Intent) ([][]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		p.metrics.RecordGeneration(ctx, p.config.Model, string(intent), time.Since(start), len(texts), genErr)
	}()

	if len(texts) == 0 {
		genErr = fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		return nil, genErr
	}

	inputs := withPrefix(texts, prefixFor(intent, p.config.QueryPrefix, p.config.DocumentPrefix))
	vectors, err := p.client.CreateEmbedding(ctx, inputs)
	if err != nil {
		genErr = recallerr.New(recallerr.KindEmbeddingProvider, "embeddings."+p.config.Backend, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err))
		return nil, genErr
	}
	return vectors, nil
}

func (p *LangChainProvider) Dimension() int { return p.config.Dimension }

func (p *LangChainProvider) Model() string { return p.config.Model }

func (p *LangChainProvider) Close() error { return nil }
