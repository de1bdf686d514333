// Operational counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - observations/learns:  accepted observation and learn counts
//   - predictions:          prediction computations served
//   - cache_hits/misses:    prediction cache performance
//   - errors:               failed requests
//
// For production, export these to Prometheus or similar.
package monitoring

import "sync/atomic"

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	observations atomic.Int64
	learns       atomic.Int64
	predictions  atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	errors       atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordObservation records an accepted observation.
func (mc *MetricsCollector) RecordObservation() { mc.observations.Add(1) }

// RecordLearn records a learned pattern (explicit or auto-learn).
func (mc *MetricsCollector) RecordLearn() { mc.learns.Add(1) }

// RecordPrediction records a prediction computation.
func (mc *MetricsCollector) RecordPrediction() { mc.predictions.Add(1) }

// RecordCacheHit records a prediction cache hit.
func (mc *MetricsCollector) RecordCacheHit() { mc.cacheHits.Add(1) }

// RecordCacheMiss records a prediction cache miss.
func (mc *MetricsCollector) RecordCacheMiss() { mc.cacheMisses.Add(1) }

// RecordError records a failed request.
func (mc *MetricsCollector) RecordError() { mc.errors.Add(1) }

// Stats returns current metrics.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"observations": mc.observations.Load(),
		"learns":       mc.learns.Load(),
		"predictions":  mc.predictions.Load(),
		"cache_hits":   mc.cacheHits.Load(),
		"cache_misses": mc.cacheMisses.Load(),
		"errors":       mc.errors.Load(),
	}
}
