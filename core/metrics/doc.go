// Package metrics defines the sinks that record control cycle results.
// PromSink and InfluxSink live in infra/metrics and register themselves in
// the sink factory; several configured sinks are combined in a MultiSink.
package metrics
