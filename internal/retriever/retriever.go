// Package retriever answers similarity queries against the index and
// renders the results for inclusion in a generated answer.
package retriever

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/recall/internal/embeddings"
	"github.com/fyrsmithlabs/recall/internal/recallerr"
	"github.com/fyrsmithlabs/recall/internal/reranker"
	"github.com/fyrsmithlabs/recall/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/recall/internal/retriever"

// candidateFactor is how many candidates are fetched per requested result,
// giving the reranker something to choose from.
const candidateFactor = 2

// maxContextFetches bounds concurrent neighbor lookups per query.
const maxContextFetches = 4

// Config holds query defaults.
type Config struct {
	MaxResults    int
	MinScore      float32
	ContextWindow int
	// FallbackUnscoped searches every scope when a scoped search finds
	// nothing.
	FallbackUnscoped bool
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.MaxResults <= 0 {
		c.MaxResults = 5
	}
}

// Options shape one query. Zero values take the configured defaults.
type Options struct {
	Limit int
	Scope string
	// MinScore is the inclusive similarity floor. Nil takes the configured
	// default; a pointer to 0 is a real floor of 0.
	MinScore *float32
	// ContextWindow is the number of neighbors on each side of a result.
	// Negative disables context.
	ContextWindow int
	// DisableFallback keeps a scoped search scoped even when it is empty.
	DisableFallback bool
}

// Result is one hit with its surrounding conversation.
type Result struct {
	Record vectorstore.Record `json:"record"`
	Score  float32            `json:"score"`
	// RerankScore is set when a reranker reordered the candidates.
	RerankScore *float32             `json:"rerank_score,omitempty"`
	Context     []vectorstore.Record `json:"context,omitempty"`
}

// Response is the outcome of a query.
type Response struct {
	Query string `json:"query"`
	// Scope is the requested scope, kept even when results come from
	// elsewhere.
	Scope string `json:"scope,omitempty"`
	// OutOfScope is true when the requested scope had no matches and the
	// results come from an unscoped search.
	OutOfScope bool     `json:"out_of_scope"`
	Results    []Result `json:"results"`
}

// Retriever runs queries. It never writes to the store.
type Retriever struct {
	embedder *embeddings.Embedder
	store    vectorstore.Store
	reranker reranker.Reranker
	config   Config
	logger   *zap.Logger
}

// New creates a Retriever. rr may be nil to keep similarity order.
func New(embedder *embeddings.Embedder, store vectorstore.Store, rr reranker.Reranker, cfg Config, logger *zap.Logger) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Retriever{embedder: embedder, store: store, reranker: rr, config: cfg, logger: logger}, nil
}

func (r *Retriever) resolve(opts Options) Options {
	if opts.Limit <= 0 {
		opts.Limit = r.config.MaxResults
	}
	if opts.MinScore == nil {
		floor := r.config.MinScore
		opts.MinScore = &floor
	}
	switch {
	case opts.ContextWindow == 0:
		opts.ContextWindow = r.config.ContextWindow
	case opts.ContextWindow < 0:
		opts.ContextWindow = 0
	}
	if !r.config.FallbackUnscoped {
		opts.DisableFallback = true
	}
	return opts
}

// Retrieve embeds query and returns the best matches. A query too short to
// embed returns an empty response without touching the store.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) (*Response, error) {
	opts = r.resolve(opts)
	resp := &Response{Query: query, Scope: opts.Scope, Results: []Result{}}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "retriever.retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("scope", opts.Scope),
		attribute.Int("limit", opts.Limit),
	)

	if floor := *opts.MinScore; floor < -1 || floor > 1 {
		return nil, recallerr.Errorf(recallerr.KindInvalidInput, "retriever.retrieve", "min score %v outside [-1, 1]", floor)
	}
	if !utf8.ValidString(query) {
		return nil, recallerr.Errorf(recallerr.KindInvalidInput, "retriever.retrieve", "query is not valid UTF-8")
	}

	normalized, ok := r.embedder.Normalize(query)
	if !ok {
		return resp, nil
	}
	vec, err := r.embedder.Embed(ctx, normalized, embeddings.IntentQuery)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if embeddings.IsZero(vec) {
		return resp, nil
	}

	candidates, err := r.search(ctx, vec, opts.Scope, opts)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 && opts.Scope != "" && !opts.DisableFallback {
		candidates, err = r.search(ctx, vec, "", opts)
		if err != nil {
			return nil, err
		}
		resp.OutOfScope = len(candidates) > 0
		if resp.OutOfScope {
			r.logger.Debug("no matches in scope, using unscoped results",
				zap.String("scope", opts.Scope), zap.Int("results", len(candidates)))
		}
	}

	results := r.rerank(ctx, normalized, candidates)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	if opts.ContextWindow > 0 {
		if err := r.attachContext(ctx, results, opts.ContextWindow); err != nil {
			return nil, err
		}
	}
	resp.Results = results
	span.SetAttributes(attribute.Int("results", len(results)), attribute.Bool("out_of_scope", resp.OutOfScope))
	return resp, nil
}

func (r *Retriever) search(ctx context.Context, vec []float32, scope string, opts Options) ([]vectorstore.ScoredResult, error) {
	hits, err := r.store.Search(ctx, vec, vectorstore.SearchOptions{
		Limit:    candidateFactor * opts.Limit,
		Scope:    scope,
		MinScore: *opts.MinScore,
	})
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	return hits, nil
}

// rerank reorders candidates. It can only permute the set it is given, so
// nothing below the store's floor comes back. A reranker failure keeps
// similarity order.
func (r *Retriever) rerank(ctx context.Context, query string, candidates []vectorstore.ScoredResult) []Result {
	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = Result{Record: c.Record, Score: c.Score}
	}
	if r.reranker == nil || len(candidates) < 2 {
		return results
	}

	docs := make([]reranker.Document, len(candidates))
	for i, c := range candidates {
		docs[i] = reranker.Document{ID: c.Record.ID, Content: c.Record.Text, Score: c.Score}
	}
	start := time.Now()
	ranked, err := r.reranker.Rerank(ctx, query, docs, len(docs))
	if err != nil {
		r.logger.Warn("rerank failed, keeping similarity order", zap.Error(err))
		return results
	}
	r.logger.Debug("reranked candidates",
		zap.Int("candidates", len(docs)),
		zap.Duration("duration", time.Since(start)))

	out := make([]Result, 0, len(ranked))
	for _, d := range ranked {
		if d.OriginalRank < 0 || d.OriginalRank >= len(results) {
			continue
		}
		res := results[d.OriginalRank]
		score := d.RerankerScore
		res.RerankScore = &score
		out = append(out, res)
	}
	return out
}

func (r *Retriever) attachContext(ctx context.Context, results []Result, window int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxContextFetches)
	for i := range results {
		g.Go(func() error {
			neighbors, err := r.store.Neighbors(gctx, results[i].Record, window)
			if err != nil {
				return fmt.Errorf("loading context for %s: %w", results[i].Record.ID, err)
			}
			results[i].Context = neighbors
			return nil
		})
	}
	return g.Wait()
}
