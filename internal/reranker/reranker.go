// Package reranker reorders retrieval candidates by a second relevance
// signal. A Reranker only permutes and truncates the documents it is given.
package reranker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrNilContext is returned when a nil context is passed to Rerank.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid reranker configuration")
)

// Document is one candidate.
type Document struct {
	ID      string
	Content string
	// Score is the similarity score from the vector search.
	Score float32
}

// ScoredDocument is a reranked candidate.
type ScoredDocument struct {
	Document
	// RerankerScore is in [0, 1].
	RerankerScore float32
	// OriginalRank is the position in the input, 0-indexed.
	OriginalRank int
}

// Reranker reorders documents by relevance to query.
type Reranker interface {
	// Rerank returns at most topK of docs sorted by relevance, best first.
	// topK <= 0 returns all of them.
	Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error)

	// Close releases any resources.
	Close() error
}

// Config selects and tunes a Reranker.
type Config struct {
	// Provider is "none", "simple" or "llm".
	Provider string
	// Backend is the LLM backend for the llm provider: "openai" or "ollama".
	Backend string
	Model   string
	BaseURL string
	APIKey  string
	// RequestsPerSecond throttles LLM calls. Default: 2.
	RequestsPerSecond float64
	// Timeout bounds one LLM call. Default: 10s.
	Timeout time.Duration
}

// New builds the configured Reranker. Provider "none" or "" returns nil.
func New(cfg Config) (Reranker, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "simple":
		return NewSimpleReranker(), nil
	case "llm":
		r, err := NewLLMReranker(cfg)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// sortScored orders by reranker score, then by original rank.
func sortScored(docs []ScoredDocument, key func(ScoredDocument) float32) {
	slices.SortStableFunc(docs, func(a, b ScoredDocument) int {
		return cmp.Or(cmp.Compare(key(b), key(a)), cmp.Compare(a.OriginalRank, b.OriginalRank))
	})
}

func truncate(docs []ScoredDocument, topK int) []ScoredDocument {
	if topK > 0 && topK < len(docs) {
		return docs[:topK]
	}
	return docs
}
