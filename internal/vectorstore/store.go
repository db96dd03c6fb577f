package vectorstore

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/recall/internal/recallerr"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates the remote store could not be reached.
	ErrConnectionFailed = errors.New("failed to connect to vector store")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// Payload keys reserved by the store.
const (
	keyScope     = "scope"
	keyAuthor    = "author"
	keyTimestamp = "timestamp"
	keyThreadID  = "thread_id"
	keyRecordID  = "record_id"
	keyText      = "text"
)

// Metadata is the provenance of a record.
type Metadata struct {
	Scope     string            `json:"scope"`
	Author    string            `json:"author"`
	Timestamp time.Time         `json:"timestamp"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Record is one indexed unit of content.
type Record struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	Vector   []float32 `json:"-"`
	Metadata Metadata  `json:"metadata"`
}

// ScoredResult is a search hit.
type ScoredResult struct {
	Record Record  `json:"record"`
	Score  float32 `json:"score"`
}

// SearchOptions bounds a search.
type SearchOptions struct {
	// Limit is the maximum number of results. Zero returns nothing.
	Limit int
	// Scope restricts the candidate set before ranking. Empty searches all.
	Scope string
	// MinScore is an inclusive floor on cosine similarity.
	MinScore float32
}

// Store is the vector index.
//
// Implementations are safe for concurrent readers and one writer. Upserts are
// idempotent on Record.ID and the last write wins wholesale.
type Store interface {
	Upsert(ctx context.Context, record Record) error
	UpsertBatch(ctx context.Context, records []Record) error
	Search(ctx context.Context, vector []float32, opts SearchOptions) ([]ScoredResult, error)
	// Delete removes a record. Unknown ids are not an error.
	Delete(ctx context.Context, id string) error
	DeleteByScope(ctx context.Context, scope string) error
	Count(ctx context.Context) (int, error)
	// Neighbors returns up to window records on each side of anchor's
	// timestamp within its scope (and thread, if set), oldest first,
	// excluding anchor itself.
	Neighbors(ctx context.Context, anchor Record, window int) ([]Record, error)
	Close() error
}

func validateRecord(op string, r Record, dim int) error {
	switch {
	case r.ID == "":
		return recallerr.Errorf(recallerr.KindInvalidInput, op, "record id is empty")
	case r.Text == "":
		return recallerr.Errorf(recallerr.KindInvalidInput, op, "record %q has empty text", r.ID)
	case r.Metadata.Scope == "":
		return recallerr.Errorf(recallerr.KindInvalidInput, op, "record %q has no scope", r.ID)
	case len(r.Vector) != dim:
		return recallerr.Errorf(recallerr.KindInvalidInput, op, "record %q has dimension %d, store expects %d", r.ID, len(r.Vector), dim)
	case zeroMagnitude(r.Vector):
		return recallerr.Errorf(recallerr.KindInvalidInput, op, "record %q has a zero vector", r.ID)
	}
	return nil
}

func validateQuery(op string, vector []float32, opts SearchOptions, dim int) error {
	if len(vector) != dim {
		return recallerr.Errorf(recallerr.KindInvalidInput, op, "query has dimension %d, store expects %d", len(vector), dim)
	}
	if opts.Limit < 0 {
		return recallerr.Errorf(recallerr.KindInvalidInput, op, "limit must not be negative, got %d", opts.Limit)
	}
	return nil
}

func zeroMagnitude(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// rank orders hits by descending score then ascending id, drops hits below
// the floor and truncates to limit. It sorts in place.
func rank(hits []ScoredResult, opts SearchOptions) []ScoredResult {
	slices.SortFunc(hits, func(a, b ScoredResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Record.ID, b.Record.ID)
	})
	out := hits[:0]
	for _, h := range hits {
		if len(out) == opts.Limit || h.Score < opts.MinScore {
			break
		}
		out = append(out, h)
	}
	return out
}

func compareByTime(a, b Record) int {
	if c := a.Metadata.Timestamp.Compare(b.Metadata.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// neighborsOf picks up to window records on each side of anchor from
// candidates sharing anchor's scope or thread.
func neighborsOf(anchor Record, candidates []Record, window int) []Record {
	if window <= 0 {
		return nil
	}
	others := make([]Record, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != anchor.ID {
			others = append(others, c)
		}
	}
	slices.SortFunc(others, compareByTime)

	split, _ := slices.BinarySearchFunc(others, anchor, compareByTime)
	lo := max(0, split-window)
	hi := min(len(others), split+window)
	return others[lo:hi]
}

// toStringMap flattens metadata for backends that store strings.
func (m Metadata) toStringMap() map[string]string {
	out := make(map[string]string, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	out[keyScope] = m.Scope
	out[keyAuthor] = m.Author
	out[keyTimestamp] = strconv.FormatInt(m.Timestamp.UnixMicro(), 10)
	if m.ThreadID != "" {
		out[keyThreadID] = m.ThreadID
	} else {
		delete(out, keyThreadID)
	}
	return out
}

func metadataFromStringMap(in map[string]string) Metadata {
	m := Metadata{
		Scope:    in[keyScope],
		Author:   in[keyAuthor],
		ThreadID: in[keyThreadID],
	}
	if ts, err := strconv.ParseInt(in[keyTimestamp], 10, 64); err == nil {
		m.Timestamp = time.UnixMicro(ts).UTC()
	}
	for k, v := range in {
		if reservedKey(k) {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]string)
		}
		m.Extra[k] = v
	}
	return m
}

func reservedKey(k string) bool {
	switch k {
	case keyScope, keyAuthor, keyTimestamp, keyThreadID, keyRecordID, keyText:
		return true
	}
	return false
}

// sanitizeScore maps NaN to 0 so ranking stays total.
func sanitizeScore(s float32) float32 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	return s
}

// unavailable classifies a backend failure unless it already carries a kind.
func unavailable(op string, err error) error {
	if recallerr.KindOf(err) != "" {
		return err
	}
	return recallerr.New(recallerr.KindStoreUnavailable, op, err)
}
