// Package metrics provides Prometheus metrics for observability.
//
// This package exposes the async-cleaner surface under the async_cleaner
// prefix: segment lifecycle counts, space accounting gauges, journal
// lengths, projected-usage and blocked-io counters, reclaim progress, and
// the segment utilization distribution.
//
// Usage:
//
//	// Create and register metrics
//	m := metrics.NewCleanerMetrics()
//
//	// Wire into the cleaner
//	cl := cleaner.New(cfg, group, backrefs, callback, cleaner.Options{Metrics: m})
//
// The utilization distribution is a moving histogram: segments migrate
// between buckets as their utilization changes, so it is modelled as a
// gauge vector keyed by bucket upper bound rather than a Prometheus
// histogram (whose buckets can only grow).
package metrics
