// Package otel provides OpenTelemetry metric exporter bindings for hoaauth
// counters and the validate-latency histogram.
//
// [NewOTelExporter] registers an Int64ObservableCounter per engine metric and
// an Int64ObservableGauge per histogram bucket. A single callback reads
// [hoaauth.Engine.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the OTel MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
