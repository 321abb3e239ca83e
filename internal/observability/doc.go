// Package observability provides monitoring and debugging capabilities for
// the relay services through Prometheus metrics and structured logging.
//
// # Overview
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured slog output with sensitive data redaction
//
// # Metrics
//
// Metrics track the fan-out pipeline (persisted, published, offline-queued),
// gateway session lifecycle and evictions, broker reconnects, dispatch
// outcomes, error rates by component, HTTP latency and database latency.
// Both processes expose them on /metrics via promhttp.
//
// # Logging
//
// Logging is built on log/slog with JSON output for production and text for
// development. Bearer tokens, passwords and other secrets are redacted
// before emission; request, session and user ids are carried in the
// context and stamped onto every record.
package observability
