// Package logging builds the zap logger used by the recall binaries.
//
// The logger writes JSON or console output to stdout and can additionally
// bridge entries to an OpenTelemetry log provider. Secrets are redacted at
// the encoder by field name and value pattern, and everything below error
// level is sampled.
//
// Library packages accept a plain *zap.Logger; pass them Underlying():
//
//	lc, err := logging.FromConfig(cfg.Logging)
//	logger, err := logging.NewLogger(lc, otelProvider)
//	idx, err := indexer.New(src, embedder, store, checkpoints, logger.Underlying())
//
// Context helpers attach the fields that correlate one request or one
// indexing cycle across log lines:
//
//	ctx = logging.WithRequestID(ctx, "req_42")
//	ctx = logging.WithScope(ctx, "C024BE91L")
//	logger.Info(ctx, "retrieved", zap.Int("results", 3))
//
// Tests use NewTestLogger and its Assert helpers.
package logging
