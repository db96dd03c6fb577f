package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/recall/internal/embeddings"

// Metrics holds embedding metrics instruments.
type Metrics struct {
	meter     metric.Meter
	logger    *zap.Logger
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	skipped   metric.Int64Counter
	errors    metric.Int64Counter
}

// NewMetrics creates embedding metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"recall.embedding.generation_duration_seconds",
		metric.WithDescription("Duration of one provider call, labeled by model and intent"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"recall.embedding.batch_size",
		metric.WithDescription("Number of texts per provider call"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		m.logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.skipped, err = m.meter.Int64Counter(
		"recall.embedding.skipped_total",
		metric.WithDescription("Texts skipped because they were empty or too short after normalization"),
		metric.WithUnit("{text}"),
	)
	if err != nil {
		m.logger.Warn("failed to create skipped counter", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"recall.embedding.errors_total",
		metric.WithDescription("Provider call failures by model and intent"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}
}

// RecordGeneration records one provider call.
func (m *Metrics) RecordGeneration(ctx context.Context, model, intent string, duration time.Duration, batchSize int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("intent", intent),
	)
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// RecordSkipped counts texts dropped by normalization.
func (m *Metrics) RecordSkipped(ctx context.Context, model string, n int) {
	if n > 0 && m.skipped != nil {
		m.skipped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("model", model)))
	}
}
