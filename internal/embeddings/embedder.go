package embeddings

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/recallerr"
)

const (
	DefaultMinLength       = 5
	DefaultMaxBatchSize    = 32
	DefaultInterBatchDelay = 200 * time.Millisecond
)

// Config tunes an Embedder.
type Config struct {
	MinLength    int
	MaxBatchSize int
	// InterBatchDelay is waited between consecutive provider calls of one
	// EmbedBatch call. Negative disables the delay.
	InterBatchDelay time.Duration
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.MinLength == 0 {
		c.MinLength = DefaultMinLength
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.InterBatchDelay == 0 {
		c.InterBatchDelay = DefaultInterBatchDelay
	}
}

// Embedder normalizes text and embeds it in bounded batches.
type Embedder struct {
	provider   Provider
	normalizer Normalizer
	config     Config
	metrics    *Metrics
	logger     *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Embedder over provider.
func New(provider Provider, cfg Config, logger *zap.Logger) (*Embedder, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if provider.Dimension() <= 0 {
		return nil, fmt.Errorf("%w: provider %q reports dimension %d", ErrInvalidConfig, provider.Model(), provider.Dimension())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if cfg.MaxBatchSize < 0 {
		return nil, fmt.Errorf("%w: max batch size must be positive", ErrInvalidConfig)
	}
	return &Embedder{
		provider:   provider,
		normalizer: Normalizer{MinLength: cfg.MinLength},
		config:     cfg,
		metrics:    NewMetrics(logger),
		logger:     logger,
		sleep:      sleepContext,
	}, nil
}

// Normalize rewrites markup and reports whether the text should be embedded.
func (e *Embedder) Normalize(text string) (string, bool) {
	return e.normalizer.Normalize(text)
}

// Dimension returns the vector dimension of the provider's model.
func (e *Embedder) Dimension() int {
	return e.provider.Dimension()
}

// Model returns the provider's model identifier.
func (e *Embedder) Model() string {
	return e.provider.Model()
}

// Embed embeds a single text. Empty or too-short text returns the zero
// vector and no error; callers treat it as nothing to index.
func (e *Embedder) Embed(ctx context.Context, text string, intent Intent) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text}, intent)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts, returning one vector per input at the same index.
// Skipped inputs get a zero vector in their slot. Any provider failure fails
// the whole call, and so does an input that is not valid UTF-8.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string, intent Intent) ([][]float32, error) {
	for i, t := range texts {
		if !utf8.ValidString(t) {
			return nil, recallerr.Errorf(recallerr.KindInvalidInput, "embeddings.embed_batch", "input %d is not valid UTF-8", i)
		}
	}

	dim := e.provider.Dimension()
	out := make([][]float32, len(texts))

	positions := make([]int, 0, len(texts))
	pending := make([]string, 0, len(texts))
	for i, t := range texts {
		normalized, ok := e.normalizer.Normalize(t)
		if !ok {
			out[i] = Zero(dim)
			continue
		}
		positions = append(positions, i)
		pending = append(pending, normalized)
	}
	e.metrics.RecordSkipped(ctx, e.provider.Model(), len(texts)-len(pending))

	size := e.config.MaxBatchSize
	for start := 0; start < len(pending); start += size {
		if start > 0 && e.config.InterBatchDelay > 0 {
			if err := e.sleep(ctx, e.config.InterBatchDelay); err != nil {
				return nil, err
			}
		}
		end := min(start+size, len(pending))

		vecs, err := e.provider.Embed(ctx, pending[start:end], intent)
		if err != nil {
			e.logger.Warn("embedding batch failed",
				zap.String("model", e.provider.Model()),
				zap.Int("batch_start", start),
				zap.Int("batch_size", end-start),
				zap.Error(err))
			if recallerr.KindOf(err) != "" {
				return nil, err
			}
			return nil, recallerr.New(recallerr.KindEmbeddingProvider, "embeddings.embed_batch", err)
		}
		if len(vecs) != end-start {
			return nil, recallerr.Errorf(recallerr.KindEmbeddingProvider, "embeddings.embed_batch",
				"provider returned %d vectors for %d inputs", len(vecs), end-start)
		}
		for j, v := range vecs {
			if len(v) != dim {
				return nil, recallerr.Errorf(recallerr.KindEmbeddingProvider, "embeddings.embed_batch",
					"provider returned dimension %d, expected %d", len(v), dim)
			}
			out[positions[start+j]] = v
		}
	}
	return out, nil
}

// Close closes the provider.
func (e *Embedder) Close() error {
	return e.provider.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
