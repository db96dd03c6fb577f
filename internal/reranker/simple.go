package reranker

import (
	"context"
	"strings"
	"unicode"
)

// SimpleReranker blends the similarity score with query term overlap.
type SimpleReranker struct {
	// OverlapWeight is the share of the final score taken by term overlap.
	OverlapWeight float32
}

// NewSimpleReranker returns a SimpleReranker weighting both signals equally.
func NewSimpleReranker() *SimpleReranker {
	return &SimpleReranker{OverlapWeight: 0.5}
}

// Rerank scores each document as
//
//	(1-w)*similarity + w*overlap
//
// where overlap is the share of distinct query terms present in the
// document. A query without usable terms keeps similarity order.
func (r *SimpleReranker) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if len(docs) == 0 {
		return []ScoredDocument{}, nil
	}

	queryTerms := terms(query)
	w := r.OverlapWeight
	if len(queryTerms) == 0 {
		w = 0
	}

	combined := make(map[int]float32, len(docs))
	out := make([]ScoredDocument, len(docs))
	for i, doc := range docs {
		overlap := termOverlap(queryTerms, terms(doc.Content))
		out[i] = ScoredDocument{Document: doc, RerankerScore: overlap, OriginalRank: i}
		combined[i] = (1-w)*doc.Score + w*overlap
	}
	sortScored(out, func(d ScoredDocument) float32 { return combined[d.OriginalRank] })
	return truncate(out, topK), nil
}

func (r *SimpleReranker) Close() error { return nil }

// terms lowercases text and returns its distinct content words.
func terms(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len([]rune(f)) > 2 && !stopwords[f] {
			out[f] = struct{}{}
		}
	}
	return out
}

func termOverlap(query, doc map[string]struct{}) float32 {
	if len(query) == 0 {
		return 0
	}
	n := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			n++
		}
	}
	return float32(n) / float32(len(query))
}

// stopwords are English function words plus the normalizer's placeholder
// names, none of which say anything about relevance.
var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true, "from": true,
	"was": true, "are": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "you": true, "she": true, "they": true, "what": true,
	"which": true, "who": true, "when": true, "where": true, "why": true, "how": true,
	"our": true, "about": true, "just": true, "any": true, "all": true,
	"user": true, "channel": true, "link": true, "emoji": true, "secret": true,
}
