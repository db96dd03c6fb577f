package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/recallerr"
)

const backendChromem = "chromem"

var chromemTracer = otel.Tracer("recall.vectorstore.chromem")

// collectionNamePattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// ChromemConfig holds configuration for the embedded store.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps the index in
	// memory only.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// Collection is the collection name. Default: "recall_messages".
	Collection string

	// VectorSize is the expected embedding dimension.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "recall_messages"
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// ChromemStore implements Store on chromem-go.
//
// chromem keeps every document in memory behind a read-write lock and
// writes one gob file per document when persistent. Queries compute cosine
// similarity over normalized vectors.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger

	// shrink is held for writing by deletes and for reading from Count to
	// QueryEmbedding, which rejects a result count above the live size.
	shrink sync.RWMutex
}

// NewChromemStore opens or creates the store.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var (
		db  *chromem.DB
		err error
	)
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		config.Path = path
		db, err = chromem.NewPersistentDB(path, config.Compress)
		if err != nil {
			return nil, unavailable("vectorstore.chromem.open", fmt.Errorf("creating chromem DB: %w", err))
		}
	}

	collection, err := db.GetOrCreateCollection(config.Collection, nil, noTextEmbedding)
	if err != nil {
		return nil, unavailable("vectorstore.chromem.open", fmt.Errorf("getting/creating collection %s: %w", config.Collection, err))
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.Bool("persistent", config.Path != ""),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
		zap.String("collection", config.Collection),
		zap.Int("records", collection.Count()),
	)

	return &ChromemStore{
		db:         db,
		collection: collection,
		config:     config,
		logger:     logger,
	}, nil
}

// noTextEmbedding is installed as the collection's embedding function.
// Every record and query arrives with its vector already computed.
func noTextEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("vectorstore: text embedding is not supported, pass vectors")
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (s *ChromemStore) toDocument(r Record) chromem.Document {
	// chromem normalizes the stored embedding in place.
	vec := make([]float32, len(r.Vector))
	copy(vec, r.Vector)
	return chromem.Document{
		ID:        r.ID,
		Content:   r.Text,
		Metadata:  r.Metadata.toStringMap(),
		Embedding: vec,
	}
}

func fromResult(r chromem.Result) Record {
	return Record{
		ID:       r.ID,
		Text:     r.Content,
		Vector:   r.Embedding,
		Metadata: metadataFromStringMap(r.Metadata),
	}
}

// Upsert writes one record.
func (s *ChromemStore) Upsert(ctx context.Context, record Record) error {
	return s.UpsertBatch(ctx, []Record{record})
}

// UpsertBatch validates every record before writing any of them.
func (s *ChromemStore) UpsertBatch(ctx context.Context, records []Record) (err error) {
	defer observe(backendChromem, "upsert", time.Now(), &err)
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.UpsertBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("record_count", len(records)))

	if len(records) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		if err := validateRecord("vectorstore.chromem.upsert", r, s.config.VectorSize); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		docs[i] = s.toDocument(r)
	}

	// AddDocument replaces any document with the same id under the
	// collection's write lock, so the last writer wins wholesale.
	for _, doc := range docs {
		if err := s.collection.AddDocument(ctx, doc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return unavailable("vectorstore.chromem.upsert", fmt.Errorf("adding document %s: %w", doc.ID, err))
		}
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("upserted records to chromem",
		zap.String("collection", s.config.Collection),
		zap.Int("count", len(docs)),
	)
	return nil
}

// Search ranks every record in scope against vector.
func (s *ChromemStore) Search(ctx context.Context, vector []float32, opts SearchOptions) (hits []ScoredResult, err error) {
	defer observe(backendChromem, "search", time.Now(), &err)
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.Int("limit", opts.Limit),
		attribute.String("scope", opts.Scope),
		attribute.Float64("min_score", float64(opts.MinScore)),
	)

	if err := validateQuery("vectorstore.chromem.search", vector, opts, s.config.VectorSize); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if opts.Limit == 0 || zeroMagnitude(vector) {
		return []ScoredResult{}, nil
	}

	// Ask for every document passing the filter so ties at the cut are
	// resolved by id rather than by map iteration order.
	results, err := s.queryAll(ctx, vector, scopeFilter(opts.Scope, ""))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hits = make([]ScoredResult, len(results))
	for i, r := range results {
		hits[i] = ScoredResult{Record: fromResult(r), Score: sanitizeScore(r.Similarity)}
	}
	hits = rank(hits, opts)

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

func (s *ChromemStore) queryAll(ctx context.Context, vector []float32, where map[string]string) ([]chromem.Result, error) {
	s.shrink.RLock()
	defer s.shrink.RUnlock()

	n := s.collection.Count()
	if n == 0 {
		return nil, nil
	}
	results, err := s.collection.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, unavailable("vectorstore.chromem.query", fmt.Errorf("querying collection %s: %w", s.config.Collection, err))
	}
	return results, nil
}

func scopeFilter(scope, thread string) map[string]string {
	if scope == "" && thread == "" {
		return nil
	}
	where := make(map[string]string, 2)
	if scope != "" {
		where[keyScope] = scope
	}
	if thread != "" {
		where[keyThreadID] = thread
	}
	return where
}

// Delete removes one record.
func (s *ChromemStore) Delete(ctx context.Context, id string) (err error) {
	defer observe(backendChromem, "delete", time.Now(), &err)
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()

	if id == "" {
		return recallerr.Errorf(recallerr.KindInvalidInput, "vectorstore.chromem.delete", "id is empty")
	}
	s.shrink.Lock()
	err = s.collection.Delete(ctx, nil, nil, id)
	s.shrink.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return unavailable("vectorstore.chromem.delete", fmt.Errorf("deleting %s: %w", id, err))
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteByScope removes every record in scope.
func (s *ChromemStore) DeleteByScope(ctx context.Context, scope string) (err error) {
	defer observe(backendChromem, "delete_scope", time.Now(), &err)
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteByScope")
	defer span.End()
	span.SetAttributes(attribute.String("scope", scope))

	if scope == "" {
		return recallerr.Errorf(recallerr.KindInvalidInput, "vectorstore.chromem.delete_scope", "scope is empty")
	}
	s.shrink.Lock()
	err = s.collection.Delete(ctx, scopeFilter(scope, ""), nil)
	s.shrink.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return unavailable("vectorstore.chromem.delete_scope", fmt.Errorf("deleting scope %s: %w", scope, err))
	}
	span.SetStatus(codes.Ok, "success")
	s.logger.Info("deleted scope from chromem", zap.String("scope", scope))
	return nil
}

// Count returns the number of stored records.
func (s *ChromemStore) Count(_ context.Context) (int, error) {
	n := s.collection.Count()
	RecordsTotal.WithLabelValues(backendChromem).Set(float64(n))
	return n, nil
}

// Neighbors returns records adjacent in time to anchor within its scope
// and thread.
func (s *ChromemStore) Neighbors(ctx context.Context, anchor Record, window int) (out []Record, err error) {
	defer observe(backendChromem, "neighbors", time.Now(), &err)
	if window <= 0 || anchor.Metadata.Scope == "" {
		return nil, nil
	}

	// Any non-zero probe returns the whole filtered set.
	probe := anchor.Vector
	if len(probe) != s.config.VectorSize || zeroMagnitude(probe) {
		probe = make([]float32, s.config.VectorSize)
		probe[0] = 1
	}
	results, err := s.queryAll(ctx, probe, scopeFilter(anchor.Metadata.Scope, anchor.Metadata.ThreadID))
	if err != nil {
		return nil, err
	}
	candidates := make([]Record, len(results))
	for i, r := range results {
		candidates[i] = fromResult(r)
	}
	return neighborsOf(anchor, candidates, window), nil
}

// Close is a no-op. chromem writes each document when it is added.
func (s *ChromemStore) Close() error {
	return nil
}
