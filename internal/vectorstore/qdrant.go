package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/recall/internal/recallerr"
)

const backendQdrant = "qdrant"

var qdrantTracer = otel.Tracer("recall.vectorstore.qdrant")

// pointNamespace derives stable point ids from record ids, so re-upserting
// a record overwrites its point.
var pointNamespace = uuid.MustParse("6f1c1b9e-4a47-5b53-9d1e-6a0f3c2b8e11")

// tieHeadroom is fetched past the limit so equal scores at the cut can be
// ordered by id client-side. Ties wider than this are cut in server order.
const tieHeadroom = 16

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default: "localhost"
	Host string

	// Port is the Qdrant gRPC port (NOT the HTTP REST port). Default: 6334
	Port int

	// CollectionName is the collection holding all scopes.
	CollectionName string

	// VectorSize must match the embedder's output dimension.
	VectorSize uint64

	UseTLS bool
	APIKey string

	// MaxRetries is the maximum number of retry attempts for transient failures.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled on each retry.
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// CircuitBreakerThreshold is the number of failures before opening circuit.
	CircuitBreakerThreshold int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.CollectionName == "" {
		c.CollectionName = "recall_messages"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.CollectionName)
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore implements Store on a Qdrant collection. Scopes share one
// collection and are separated by a keyword-indexed payload field.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// NewQdrantStore connects, health-checks and ensures the collection and its
// payload indexes exist.
func NewQdrantStore(ctx context.Context, config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", config.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, unavailable("vectorstore.qdrant.open", fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}

	s := &QdrantStore{client: client, config: config, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, unavailable("vectorstore.qdrant.open", fmt.Errorf("health check failed: %w", err))
	}
	if err := s.ensureCollection(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant store initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.CollectionName),
		zap.Uint64("vector_size", config.VectorSize),
	)
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.config.CollectionName)
	if err != nil {
		return unavailable("vectorstore.qdrant.open", fmt.Errorf("checking collection: %w", err))
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.CollectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.config.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return unavailable("vectorstore.qdrant.open", fmt.Errorf("creating collection %s: %w", s.config.CollectionName, err))
	}

	indexes := []struct {
		field string
		kind  qdrant.FieldType
	}{
		{keyScope, qdrant.FieldType_FieldTypeKeyword},
		{keyThreadID, qdrant.FieldType_FieldTypeKeyword},
		{keyRecordID, qdrant.FieldType_FieldTypeKeyword},
		{keyTimestamp, qdrant.FieldType_FieldTypeInteger},
	}
	for _, idx := range indexes {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.config.CollectionName,
			FieldName:      idx.field,
			FieldType:      idx.kind.Enum(),
		})
		if err != nil {
			return unavailable("vectorstore.qdrant.open", fmt.Errorf("creating %s index: %w", idx.field, err))
		}
	}
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if s.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", operationName)
		}
		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}
		s.recordFailure()

		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}
		s.logger.Debug("retrying qdrant operation",
			zap.String("operation", operationName),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		// Half-open after 30 seconds.
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// pointID maps a record id to its deterministic point UUID.
func pointID(recordID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(recordID)).String())
}

func toPayload(r Record) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(r.Metadata.Extra)+6)
	for k, v := range r.Metadata.Extra {
		if !reservedKey(k) {
			payload[k] = stringValue(v)
		}
	}
	payload[keyRecordID] = stringValue(r.ID)
	payload[keyText] = stringValue(r.Text)
	payload[keyScope] = stringValue(r.Metadata.Scope)
	payload[keyAuthor] = stringValue(r.Metadata.Author)
	payload[keyTimestamp] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: r.Metadata.Timestamp.UnixMicro()}}
	if r.Metadata.ThreadID != "" {
		payload[keyThreadID] = stringValue(r.Metadata.ThreadID)
	}
	return payload
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func fromPayload(payload map[string]*qdrant.Value) Record {
	var r Record
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			switch k {
			case keyRecordID:
				r.ID = val.StringValue
			case keyText:
				r.Text = val.StringValue
			case keyScope:
				r.Metadata.Scope = val.StringValue
			case keyAuthor:
				r.Metadata.Author = val.StringValue
			case keyThreadID:
				r.Metadata.ThreadID = val.StringValue
			default:
				if r.Metadata.Extra == nil {
					r.Metadata.Extra = make(map[string]string)
				}
				r.Metadata.Extra[k] = val.StringValue
			}
		case *qdrant.Value_IntegerValue:
			if k == keyTimestamp {
				r.Metadata.Timestamp = time.UnixMicro(val.IntegerValue).UTC()
			}
		}
	}
	return r
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func timestampCondition(r *qdrant.Range) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: keyTimestamp, Range: r},
		},
	}
}

func buildFilter(scope, thread string) *qdrant.Filter {
	var must []*qdrant.Condition
	if scope != "" {
		must = append(must, keywordCondition(keyScope, scope))
	}
	if thread != "" {
		must = append(must, keywordCondition(keyThreadID, thread))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// Upsert writes one record.
func (s *QdrantStore) Upsert(ctx context.Context, record Record) error {
	return s.UpsertBatch(ctx, []Record{record})
}

// UpsertBatch writes the batch in one request and waits for it to apply.
func (s *QdrantStore) UpsertBatch(ctx context.Context, records []Record) (err error) {
	defer observe(backendQdrant, "upsert", time.Now(), &err)
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.UpsertBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("record_count", len(records)))

	if len(records) == 0 {
		return nil
	}

	// Later duplicates within one batch win.
	byPoint := make(map[string]int, len(records))
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		if err := validateRecord("vectorstore.qdrant.upsert", r, int(s.config.VectorSize)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		p := &qdrant.PointStruct{
			Id:      pointID(r.ID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: toPayload(r),
		}
		if i, ok := byPoint[r.ID]; ok {
			points[i] = p
			continue
		}
		byPoint[r.ID] = len(points)
		points = append(points, p)
	}

	err = s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.CollectionName,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return unavailable("vectorstore.qdrant.upsert", err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search queries the collection with the scope filter and score threshold
// applied server-side.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, opts SearchOptions) (hits []ScoredResult, err error) {
	defer observe(backendQdrant, "search", time.Now(), &err)
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.Int("limit", opts.Limit),
		attribute.String("scope", opts.Scope),
	)

	if err := validateQuery("vectorstore.qdrant.search", vector, opts, int(s.config.VectorSize)); err != nil {
		return nil, err
	}
	if opts.Limit == 0 || zeroMagnitude(vector) {
		return []ScoredResult{}, nil
	}

	var points []*qdrant.ScoredPoint
	err = s.retryOperation(ctx, "search", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.CollectionName,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(opts.Limit + tieHeadroom)),
			ScoreThreshold: qdrant.PtrOf(opts.MinScore),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         buildFilter(opts.Scope, ""),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, unavailable("vectorstore.qdrant.search", err)
	}

	hits = make([]ScoredResult, len(points))
	for i, p := range points {
		hits[i] = ScoredResult{Record: fromPayload(p.GetPayload()), Score: sanitizeScore(p.GetScore())}
	}
	hits = rank(hits, opts)
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// Delete removes the point for id.
func (s *QdrantStore) Delete(ctx context.Context, id string) (err error) {
	defer observe(backendQdrant, "delete", time.Now(), &err)
	if id == "" {
		return recallerr.Errorf(recallerr.KindInvalidInput, "vectorstore.qdrant.delete", "id is empty")
	}
	selector := &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Points{
			Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{pointID(id)}},
		},
	}
	return s.deletePoints(ctx, "delete", selector)
}

// DeleteByScope removes every point whose scope matches.
func (s *QdrantStore) DeleteByScope(ctx context.Context, scope string) (err error) {
	defer observe(backendQdrant, "delete_scope", time.Now(), &err)
	if scope == "" {
		return recallerr.Errorf(recallerr.KindInvalidInput, "vectorstore.qdrant.delete_scope", "scope is empty")
	}
	selector := &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: buildFilter(scope, "")},
	}
	return s.deletePoints(ctx, "delete_scope", selector)
}

func (s *QdrantStore) deletePoints(ctx context.Context, op string, selector *qdrant.PointsSelector) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore."+op)
	defer span.End()

	err := s.retryOperation(ctx, op, func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.CollectionName,
			Wait:           qdrant.PtrOf(true),
			Points:         selector,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return unavailable("vectorstore.qdrant."+op, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the exact number of points.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	var n uint64
	err := s.retryOperation(ctx, "count", func() error {
		var err error
		n, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.config.CollectionName,
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		st, ok := status.FromError(errors.Unwrap(err))
		if ok && st.Code() == grpccodes.NotFound {
			return 0, nil
		}
		return 0, unavailable("vectorstore.qdrant.count", err)
	}
	RecordsTotal.WithLabelValues(backendQdrant).Set(float64(n))
	return int(n), nil
}

// Neighbors scrolls the scope ordered by timestamp on each side of anchor.
func (s *QdrantStore) Neighbors(ctx context.Context, anchor Record, window int) (out []Record, err error) {
	defer observe(backendQdrant, "neighbors", time.Now(), &err)
	if window <= 0 || anchor.Metadata.Scope == "" {
		return nil, nil
	}
	ts := float64(anchor.Metadata.Timestamp.UnixMicro())

	before, err := s.scrollSide(ctx, anchor, &qdrant.Range{Lte: &ts}, qdrant.Direction_Desc, window+1)
	if err != nil {
		return nil, err
	}
	after, err := s.scrollSide(ctx, anchor, &qdrant.Range{Gte: &ts}, qdrant.Direction_Asc, window+1)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(before)+len(after))
	candidates := make([]Record, 0, len(before)+len(after))
	for _, r := range append(before, after...) {
		if !seen[r.ID] {
			seen[r.ID] = true
			candidates = append(candidates, r)
		}
	}
	return neighborsOf(anchor, candidates, window), nil
}

func (s *QdrantStore) scrollSide(ctx context.Context, anchor Record, r *qdrant.Range, dir qdrant.Direction, limit int) ([]Record, error) {
	filter := buildFilter(anchor.Metadata.Scope, anchor.Metadata.ThreadID)
	filter.Must = append(filter.Must, timestampCondition(r))

	var points []*qdrant.RetrievedPoint
	err := s.retryOperation(ctx, "scroll", func() error {
		res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.config.CollectionName,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			OrderBy: &qdrant.OrderBy{
				Key:       keyTimestamp,
				Direction: dir.Enum(),
			},
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		return nil, unavailable("vectorstore.qdrant.neighbors", err)
	}
	out := make([]Record, len(points))
	for i, p := range points {
		out[i] = fromPayload(p.GetPayload())
	}
	return out, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
