package reranker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"
)

// ErrUnparseableResponse means the model did not return any scores.
var ErrUnparseableResponse = errors.New("reranker response contained no scores")

// generator is the part of a langchaingo model the reranker calls.
type generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// LLMReranker asks a language model to grade each candidate from 0 to 10.
// Ungraded candidates score 0 and keep their relative order.
type LLMReranker struct {
	model   generator
	limiter *rate.Limiter
	timeout time.Duration
	name    string
}

// NewLLMReranker builds the langchaingo client for cfg.Backend.
func NewLLMReranker(cfg Config) (*LLMReranker, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}

	var (
		model generator
		err   error
	)
	switch cfg.Backend {
	case "", "openai":
		opts := []openai.Option{openai.WithModel(cfg.Model)}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("%w: unknown llm backend %q", ErrInvalidConfig, cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", cfg.Backend, err)
	}
	return newLLMReranker(model, cfg), nil
}

func newLLMReranker(model generator, cfg Config) *LLMReranker {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LLMReranker{
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		timeout: timeout,
		name:    cfg.Model,
	}
}

const gradePrompt = `You grade chat messages for relevance to a question.

Question: %s

Messages:
%s
For every message reply with one line "<number>: <grade>", where grade is an
integer from 0 (unrelated) to 10 (answers the question). Reply with nothing else.`

var gradeLine = regexp.MustCompile(`(?m)^\s*\[?(\d+)\]?\s*[:=\-]\s*(\d+(?:\.\d+)?)`)

// Rerank makes one model call for the whole candidate set.
func (r *LLMReranker) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if len(docs) == 0 {
		return []ScoredDocument{}, nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.model.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, buildPrompt(query, docs))},
		llms.WithTemperature(0),
	)
	if err != nil {
		return nil, fmt.Errorf("grading with %s: %w", r.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrUnparseableResponse
	}

	grades := parseGrades(resp.Choices[0].Content, len(docs))
	if len(grades) == 0 {
		return nil, ErrUnparseableResponse
	}

	out := make([]ScoredDocument, len(docs))
	for i, doc := range docs {
		out[i] = ScoredDocument{Document: doc, RerankerScore: grades[i], OriginalRank: i}
	}
	sortScored(out, func(d ScoredDocument) float32 { return d.RerankerScore })
	return truncate(out, topK), nil
}

func (r *LLMReranker) Close() error { return nil }

func buildPrompt(query string, docs []Document) string {
	var b strings.Builder
	for i, d := range docs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.ReplaceAll(d.Content, "\n", " "))
	}
	return fmt.Sprintf(gradePrompt, query, b.String())
}

// parseGrades maps 0-indexed document positions to grades scaled to [0, 1].
// Out-of-range numbers are ignored.
func parseGrades(content string, n int) map[int]float32 {
	grades := make(map[int]float32)
	for _, m := range gradeLine.FindAllStringSubmatch(content, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > n {
			continue
		}
		g, err := strconv.ParseFloat(m[2], 32)
		if err != nil {
			continue
		}
		grades[idx-1] = float32(min(max(g, 0), 10) / 10)
	}
	return grades
}
