package metrics

import (
	"github.com/devrev/bsr/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the segment server
type Metrics struct {
	// Lookup metrics
	LookupsTotal    *prometheus.CounterVec
	LookupDuration  *prometheus.HistogramVec
	EvictionsTotal  *prometheus.CounterVec
	FileScansTotal  *prometheus.CounterVec
	RejectedQueries *prometheus.CounterVec

	// Kernel metrics
	KernelLoadsTotal   *prometheus.CounterVec
	KernelUnloadsTotal *prometheus.CounterVec
	KernelLoadFailures prometheus.Counter
	KernelLoadDuration prometheus.Histogram
	LoadedFiles        *prometheus.GaugeVec
	BufferedObjects    *prometheus.GaugeVec
	BufferedSegments   *prometheus.GaugeVec
	SegmentBudgetUsage *prometheus.GaugeVec

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. Passing a
// fresh registry keeps tests independent of the global one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bsr",
			Subsystem: "engine",
			Name:      "lookups_total",
			Help:      "Total number of segment lookups by how they were answered",
		}, []string{"family", "outcome"}),
		LookupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bsr",
			Subsystem: "engine",
			Name:      "lookup_duration_seconds",
			Help:      "Histogram of segment lookup durations",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10), // 1us to ~260ms
		}, []string{"family"}),
		EvictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bsr",
			Subsystem: "engine",
			Name:      "evictions_total",
			Help:      "Total number of segment lists evicted",
		}, []string{"family"}),
		FileScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bsr",
			Subsystem: "engine",
			Name:      "file_scans_total",
			Help:      "Total number of full passes over a kernel file",
		}, []string{"family"}),
		RejectedQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bsr",
			Subsystem: "engine",
			Name:      "rejected_queries_total",
			Help:      "Total number of lookups rejected with an error, by error code",
		}, []string{"family", "code"}),

		KernelLoadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bsr",
			Subsystem: "kernels",
			Name:      "loads_total",
			Help:      "Total number of kernel loads",
		}, []string{"family"}),
		KernelUnloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bsr",
			Subsystem: "kernels",
			Name:      "unloads_total",
			Help:      "Total number of kernel unloads",
		}, []string{"family"}),
		KernelLoadFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bsr",
			Subsystem: "kernels",
			Name:      "load_failures_total",
			Help:      "Total number of kernels that failed to open or load",
		}),
		KernelLoadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bsr",
			Subsystem: "kernels",
			Name:      "load_duration_seconds",
			Help:      "Histogram of kernel open and load durations",
			Buckets:   prometheus.DefBuckets,
		}),
		LoadedFiles: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bsr",
			Subsystem: "kernels",
			Name:      "loaded_files",
			Help:      "Number of loaded kernel files",
		}, []string{"family"}),
		BufferedObjects: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bsr",
			Subsystem: "engine",
			Name:      "buffered_objects",
			Help:      "Number of objects with a segment list",
		}, []string{"family"}),
		BufferedSegments: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bsr",
			Subsystem: "engine",
			Name:      "buffered_segments",
			Help:      "Number of buffered segments across all lists",
		}, []string{"family"}),
		SegmentBudgetUsage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bsr",
			Subsystem: "engine",
			Name:      "segment_budget_usage_ratio",
			Help:      "Buffered segments as a fraction of the segment budget",
		}, []string{"family"}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bsr",
			Subsystem: "system",
			Name:      "memory_usage_bytes",
			Help:      "Heap bytes allocated",
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bsr",
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of goroutines",
		}),
	}
}

// RecordLookup records an answered lookup
func (m *Metrics) RecordLookup(family string, outcome model.LookupOutcome, seconds float64) {
	m.LookupsTotal.WithLabelValues(family, string(outcome)).Inc()
	m.LookupDuration.WithLabelValues(family).Observe(seconds)
}

// RecordEviction records an evicted segment list
func (m *Metrics) RecordEviction(family string) {
	m.EvictionsTotal.WithLabelValues(family).Inc()
}

// RecordFileScan records a pass over one file
func (m *Metrics) RecordFileScan(family string) {
	m.FileScansTotal.WithLabelValues(family).Inc()
}

// RecordRejectedQuery records a lookup that failed with an error code
func (m *Metrics) RecordRejectedQuery(family, code string) {
	m.RejectedQueries.WithLabelValues(family, code).Inc()
}

// RecordKernelLoad records a kernel load
func (m *Metrics) RecordKernelLoad(family string, duration float64) {
	m.KernelLoadsTotal.WithLabelValues(family).Inc()
	m.KernelLoadDuration.Observe(duration)
}

// RecordKernelUnload records a kernel unload
func (m *Metrics) RecordKernelUnload(family string) {
	m.KernelUnloadsTotal.WithLabelValues(family).Inc()
}

// RecordKernelLoadFailure records a kernel that could not be loaded
func (m *Metrics) RecordKernelLoadFailure() {
	m.KernelLoadFailures.Inc()
}

// UpdateEngineStats publishes the occupancy of one engine
func (m *Metrics) UpdateEngineStats(s model.EngineStats) {
	m.LoadedFiles.WithLabelValues(s.Family).Set(float64(s.Files))
	m.BufferedObjects.WithLabelValues(s.Family).Set(float64(s.Objects))
	m.BufferedSegments.WithLabelValues(s.Family).Set(float64(s.Segments))
	if s.MaxSegments > 0 {
		m.SegmentBudgetUsage.WithLabelValues(s.Family).Set(float64(s.Segments) / float64(s.MaxSegments))
	}
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(memoryUsage int64, goroutines int) {
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
