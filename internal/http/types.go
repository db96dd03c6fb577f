package http

import (
	"github.com/fyrsmithlabs/recall/internal/indexer"
	"github.com/fyrsmithlabs/recall/internal/retriever"
)

// RetrieveRequest is the body of POST /api/v1/retrieve. Zero values take the
// configured defaults, and an absent min_score does too. An empty Scope lets
// the router extract one from the query.
type RetrieveRequest struct {
	Query           string   `json:"query"`
	Scope           string   `json:"scope,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	MinScore        *float32 `json:"min_score,omitempty"`
	ContextWindow   int      `json:"context_window,omitempty"`
	DisableFallback bool     `json:"disable_fallback,omitempty"`
}

// RetrieveResponse is the retriever's response plus its rendered form.
type RetrieveResponse struct {
	*retriever.Response
	Formatted string `json:"formatted"`
}

// RouteRequest is the body of POST /api/v1/route and POST /api/v1/enrich.
type RouteRequest struct {
	Text string `json:"text"`
}

// RouteResponse reports the router's decision.
type RouteResponse struct {
	ShouldRetrieve bool   `json:"should_retrieve"`
	Scope          string `json:"scope,omitempty"`
}

// EnrichResponse carries the history block to prepend to an answer, empty
// when none applies.
type EnrichResponse struct {
	Context string `json:"context"`
}

// ResetRequest is the body of POST /api/v1/index/reset.
type ResetRequest struct {
	Scope string `json:"scope"`
}

// SyncResponse is returned by POST /api/v1/index/sync. Failed is set when
// some scopes failed; the rest were synced.
type SyncResponse struct {
	*indexer.Report
	Failed map[string]string `json:"failed,omitempty"`
}

// ScrubRequest is the body of POST /api/v1/scrub.
type ScrubRequest struct {
	Content string `json:"content"`
}

// ScrubResponse shows what the indexer would store for Content.
type ScrubResponse struct {
	Content       string   `json:"content"`
	FindingsCount int      `json:"findings_count"`
	Rules         []string `json:"rules,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version,omitempty"`
	Records int           `json:"records"`
	Indexer indexer.Phase `json:"indexer,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
