package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/retriever"
)

// Retriever is the query side the Enricher drives.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retriever.Options) (*retriever.Response, error)
}

// Enricher adds retrieved history to an utterance when the Strategy asks
// for it. It never fails: any retrieval error yields no context, so the
// answer goes ahead without history.
type Enricher struct {
	strategy  Strategy
	retriever Retriever
	enabled   bool
	opts      retriever.Options
	logger    *zap.Logger
	now       func() time.Time
}

// EnricherOption configures an Enricher.
type EnricherOption func(*Enricher)

// WithEnabled turns enrichment on or off. Default: on.
func WithEnabled(enabled bool) EnricherOption {
	return func(e *Enricher) { e.enabled = enabled }
}

// WithOptions sets the retrieval options used for every query. A scope
// extracted from the utterance overrides opts.Scope.
func WithOptions(opts retriever.Options) EnricherOption {
	return func(e *Enricher) { e.opts = opts }
}

// NewEnricher creates an Enricher.
func NewEnricher(strategy Strategy, r Retriever, logger *zap.Logger, opts ...EnricherOption) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Enricher{strategy: strategy, retriever: r, enabled: true, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich returns formatted history relevant to text, or "".
func (e *Enricher) Enrich(ctx context.Context, text string) string {
	if !e.enabled || e.strategy == nil || e.retriever == nil {
		return ""
	}
	if !e.strategy.ShouldRetrieve(text) {
		return ""
	}

	opts := e.opts
	if scope, ok := e.strategy.ExtractScope(text); ok {
		opts.Scope = scope
	}

	resp, err := e.retriever.Retrieve(ctx, text, opts)
	if err != nil {
		e.logger.Warn("retrieval failed, answering without history",
			zap.String("scope", opts.Scope), zap.Error(err))
		return ""
	}
	return retriever.Format(resp, e.now())
}
