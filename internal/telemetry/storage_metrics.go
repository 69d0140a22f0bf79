package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// PoolMetrics holds the metric instruments for the page pool.
type PoolMetrics struct {
	CacheHitsCounter       metric.Int64Counter
	CacheMissesCounter     metric.Int64Counter
	EvictionsCounter       metric.Int64Counter
	ResidentPagesUpDown    metric.Int64UpDownCounter
	PageAllocationsCounter metric.Int64Counter
	PageFreesCounter       metric.Int64Counter
}

// NewPoolMetrics creates and registers all the metrics for a page pool.
func NewPoolMetrics(meter metric.Meter) (*PoolMetrics, error) {
	hits, err := meter.Int64Counter(
		"vmem.pool.cache.hits_total",
		metric.WithDescription("Page locks served by an already resident page."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"vmem.pool.cache.misses_total",
		metric.WithDescription("Page locks that had to map the page."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"vmem.pool.cache.evictions_total",
		metric.WithDescription("Pages unmapped by the eviction pass."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	resident, err := meter.Int64UpDownCounter(
		"vmem.pool.cache.resident_pages",
		metric.WithDescription("Number of currently mapped pages."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	allocs, err := meter.Int64Counter(
		"vmem.pool.pages.allocated_total",
		metric.WithDescription("Pages handed out by the pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	frees, err := meter.Int64Counter(
		"vmem.pool.pages.freed_total",
		metric.WithDescription("Pages returned to the free list."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &PoolMetrics{
		CacheHitsCounter:       hits,
		CacheMissesCounter:     misses,
		EvictionsCounter:       evictions,
		ResidentPagesUpDown:    resident,
		PageAllocationsCounter: allocs,
		PageFreesCounter:       frees,
	}, nil
}

// StoreMetrics holds the metric instruments for store operations.
type StoreMetrics struct {
	OpsCounter       metric.Int64Counter
	OpLatency        metric.Int64Histogram
	ActiveOpsUpDown  metric.Int64UpDownCounter
	LockTimeoutCount metric.Int64Counter
}

// NewStoreMetrics creates and registers all the metrics for a store.
func NewStoreMetrics(meter metric.Meter) (*StoreMetrics, error) {
	ops, err := meter.Int64Counter(
		"vmem.store.ops_total",
		metric.WithDescription("Total number of store operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"vmem.store.op.duration",
		metric.WithDescription("The latency of store operations."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"vmem.store.active_ops",
		metric.WithDescription("Number of in-flight store operations."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	timeouts, err := meter.Int64Counter(
		"vmem.store.lock_timeouts_total",
		metric.WithDescription("Operations that gave up waiting for the store lock."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &StoreMetrics{
		OpsCounter:       ops,
		OpLatency:        latency,
		ActiveOpsUpDown:  active,
		LockTimeoutCount: timeouts,
	}, nil
}
