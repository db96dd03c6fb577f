// Package telemetry sets up OpenTelemetry tracing and metrics export for
// recalld.
//
// New installs the tracer and meter providers globally, so packages that
// call otel.Tracer (the indexer and retriever) export spans without holding
// a *Telemetry. With telemetry disabled the global no-op providers stay in
// place.
//
// Export failures never stop the daemon: a provider that cannot be built
// marks the instance degraded and is skipped.
//
// Tests use NewTestTelemetry, which records spans in memory and collects
// metrics on demand.
package telemetry
