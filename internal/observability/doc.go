// Package observability provides structured logging and Prometheus metrics
// for the telemetry gateway.
//
// Loggers are zap-based and injected into every component. Metrics live on a
// dedicated registry so tests can build isolated instances.
package observability
