// Package embeddingstest provides a deterministic embeddings.Provider for
// tests in other packages.
package embeddingstest

import (
	"context"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/recall/internal/embeddings"
)

// KeywordProvider embeds text as a bag of vocabulary words. Each vocabulary
// entry is one dimension counting occurrences of its words; an entry such as
// "redis|database|caching" groups synonyms. A final constant dimension keeps
// vectors of unrelated text non-zero. Texts sharing words are similar, texts
// sharing none are nearly orthogonal.
type KeywordProvider struct {
	Vocabulary []string
	// Fail, if set, is consulted for every text; a non-nil error fails the
	// whole batch.
	Fail func(text string) error

	mu    sync.Mutex
	calls int
	texts []string
}

var _ embeddings.Provider = (*KeywordProvider)(nil)

// NewKeywordProvider returns a provider over vocabulary.
func NewKeywordProvider(vocabulary ...string) *KeywordProvider {
	return &KeywordProvider{Vocabulary: vocabulary}
}

func (p *KeywordProvider) Embed(_ context.Context, texts []string, _ embeddings.Intent) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	p.texts = append(p.texts, texts...)
	p.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		if p.Fail != nil {
			if err := p.Fail(t); err != nil {
				return nil, err
			}
		}
		out[i] = p.Vector(t)
	}
	return out, nil
}

// Vector returns the embedding of text.
func (p *KeywordProvider) Vector(text string) []float32 {
	lower := strings.ToLower(text)
	v := make([]float32, len(p.Vocabulary)+1)
	for i, entry := range p.Vocabulary {
		for _, w := range strings.Split(strings.ToLower(entry), "|") {
			v[i] += float32(strings.Count(lower, w))
		}
	}
	v[len(p.Vocabulary)] = 0.05
	return v
}

// Calls returns how many batches were embedded.
func (p *KeywordProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Texts returns every text embedded so far, in order.
func (p *KeywordProvider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

func (p *KeywordProvider) Dimension() int { return len(p.Vocabulary) + 1 }
func (p *KeywordProvider) Model() string  { return "keyword-test" }
func (p *KeywordProvider) Close() error   { return nil }

// NewEmbedder wraps p in an Embedder without inter-batch delay.
func NewEmbedder(p embeddings.Provider) (*embeddings.Embedder, error) {
	return embeddings.New(p, embeddings.Config{InterBatchDelay: -1}, nil)
}
