package metrics

import (
	"testing"

	"github.com/devrev/bsr/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				values[mf.GetName()] += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				values[mf.GetName()] += g.GetValue()
			}
		}
	}
	return values
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordLookup("SPK", model.OutcomeReuse, 0.0001)
	m.RecordLookup("SPK", model.OutcomeFile, 0.002)
	m.RecordEviction("CK")
	m.RecordFileScan("CK")
	m.RecordFileScan("CK")
	m.RecordRejectedQuery("PCK", "NO_LOADED_FILES")
	m.UpdateEngineStats(model.EngineStats{Family: "PCK", Files: 3, Objects: 2, Segments: 50, MaxSegments: 200})

	values := gather(t, reg)
	assert.Equal(t, 2.0, values["bsr_engine_lookups_total"])
	assert.Equal(t, 1.0, values["bsr_engine_evictions_total"])
	assert.Equal(t, 2.0, values["bsr_engine_file_scans_total"])
	assert.Equal(t, 1.0, values["bsr_engine_rejected_queries_total"])
	assert.Equal(t, 3.0, values["bsr_kernels_loaded_files"])
	assert.Equal(t, 50.0, values["bsr_engine_buffered_segments"])
	assert.Equal(t, 0.25, values["bsr_engine_segment_budget_usage_ratio"])
}

func TestKernelMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordKernelLoad("SPK", 0.01)
	m.RecordKernelUnload("SPK")
	m.RecordKernelLoadFailure()
	m.UpdateSystemStats(1024, 7)

	values := gather(t, reg)
	assert.Equal(t, 1.0, values["bsr_kernels_loads_total"])
	assert.Equal(t, 1.0, values["bsr_kernels_unloads_total"])
	assert.Equal(t, 1.0, values["bsr_kernels_load_failures_total"])
	assert.Equal(t, 7.0, values["bsr_system_goroutines"])
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
