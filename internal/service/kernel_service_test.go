package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/devrev/bsr/internal/archive"
	"github.com/devrev/bsr/internal/bsr"
	"github.com/devrev/bsr/internal/errors"
	"github.com/devrev/bsr/internal/family"
	"github.com/devrev/bsr/internal/metrics"
	"github.com/devrev/bsr/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func kernel(t *testing.T, dir, name string, fam family.Family, recs ...model.SummaryRecord) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, archive.Create(path, fam, recs, nil))
	return path
}

func seg(fam family.Family, obj int32, begin, end float64, ident string) model.SummaryRecord {
	return model.SummaryRecord{Descriptor: fam.Compose(obj, begin, end), Ident: ident}
}

func newTestService(t *testing.T, cfg *Config) (*KernelService, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	s, err := NewKernelService(cfg, metrics.NewMetrics(reg), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, reg
}

func counter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestLoadAndFind(t *testing.T) {
	dir := t.TempDir()
	base := kernel(t, dir, "base.bsp", family.SPK,
		seg(family.SPK, 399, 0, 100, "base-earth"),
		seg(family.SPK, 301, 0, 100, "base-moon"))
	patch := kernel(t, dir, "patch.bsp", family.SPK,
		seg(family.SPK, 399, 40, 60, "patch-earth"))

	s, reg := newTestService(t, nil)

	info, err := s.LoadKernel(base)
	require.NoError(t, err)
	assert.Equal(t, "SPK", info.Family)
	assert.Equal(t, 2, info.Records)

	_, err = s.LoadKernel(patch)
	require.NoError(t, err)

	m, found, err := s.Find("spk", 399, 50, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "patch-earth", m.Ident)

	m, found, err = s.Find("SPK", 399, 80, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "base-earth", m.Ident)

	_, found, err = s.Find("SPK", 399, 500, 0)
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, 2.0, counter(t, reg, "bsr_kernels_loads_total"))
	assert.Equal(t, 3.0, counter(t, reg, "bsr_engine_lookups_total"))
}

func TestReloadMovesKernelToTop(t *testing.T) {
	dir := t.TempDir()
	a := kernel(t, dir, "a.bc", family.CK, seg(family.CK, -82000, 0, 10, "a"))
	b := kernel(t, dir, "b.bc", family.CK, seg(family.CK, -82000, 0, 10, "b"))

	s, _ := newTestService(t, nil)
	first, err := s.LoadKernel(a)
	require.NoError(t, err)
	_, err = s.LoadKernel(b)
	require.NoError(t, err)

	m, _, err := s.Find("CK", -82000, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, "b", m.Ident)

	again, err := s.LoadKernel(a)
	require.NoError(t, err)
	assert.Equal(t, first.Handle, again.Handle)
	assert.Greater(t, again.Priority, first.Priority)

	m, _, err = s.Find("CK", -82000, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", m.Ident)

	kernels := s.Kernels()
	require.Len(t, kernels, 2)
	assert.Equal(t, filepath.Clean(b), kernels[0].Path)
	assert.Equal(t, filepath.Clean(a), kernels[1].Path)
}

func TestUnloadKernel(t *testing.T) {
	dir := t.TempDir()
	base := kernel(t, dir, "base.bpc", family.PCK, seg(family.PCK, 3000, 0, 100, "base"))
	patch := kernel(t, dir, "patch.bpc", family.PCK, seg(family.PCK, 3000, 0, 100, "patch"))

	s, reg := newTestService(t, nil)
	_, err := s.LoadKernel(base)
	require.NoError(t, err)
	_, err = s.LoadKernel(patch)
	require.NoError(t, err)

	m, _, err := s.Find("PCK", 3000, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "patch", m.Ident)

	require.NoError(t, s.UnloadKernel(patch))
	m, _, err = s.Find("PCK", 3000, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "base", m.Ident)

	require.NoError(t, s.UnloadKernel(patch))
	require.NoError(t, s.UnloadKernel(filepath.Join(dir, "never.bpc")))
	assert.Len(t, s.Kernels(), 1)
	assert.Equal(t, 1.0, counter(t, reg, "bsr_kernels_unloads_total"))

	require.NoError(t, s.UnloadKernel(base))
	_, _, err = s.Find("PCK", 3000, 1, 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNoLoadedFiles))
}

func TestLoadKernelFailures(t *testing.T) {
	dir := t.TempDir()
	s, reg := newTestService(t, &Config{Engines: map[string]bsr.Config{"PCK": {MaxFiles: 1}}})

	_, err := s.LoadKernel("")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	_, err = s.LoadKernel(filepath.Join(dir, "missing.bpc"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeSourceFailed))

	junk := filepath.Join(dir, "junk.bpc")
	require.NoError(t, os.WriteFile(junk, []byte("not a kernel"), 0o644))
	_, err = s.LoadKernel(junk)
	assert.Error(t, err)

	one := kernel(t, dir, "one.bpc", family.PCK, seg(family.PCK, 10, 0, 1, "one"))
	two := kernel(t, dir, "two.bpc", family.PCK, seg(family.PCK, 10, 0, 1, "two"))
	_, err = s.LoadKernel(one)
	require.NoError(t, err)
	_, err = s.LoadKernel(two)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTooManyFiles))

	// The rejected archive is not left open, the accepted one still is.
	_, open := s.library.Lookup(two)
	assert.False(t, open)
	_, open = s.library.Lookup(one)
	assert.True(t, open)

	assert.Equal(t, 3.0, counter(t, reg, "bsr_kernels_load_failures_total"))
}

func TestFurnishLoadsInListOrder(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"k0.bsp", "k1.bsp", "k2.bsp", "k3.bsp"} {
		paths = append(paths, kernel(t, dir, name, family.SPK, seg(family.SPK, 5, 0, 10, name)))
	}
	missing := filepath.Join(dir, "gone.bsp")
	withMissing := append(append([]string{}, paths[:2]...), missing)
	withMissing = append(withMissing, paths[2:]...)

	s, _ := newTestService(t, &Config{Workers: 2, QueueSize: 1})
	infos, err := s.Furnish(context.Background(), withMissing)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSourceFailed))
	require.Len(t, infos, 4)
	for i := 1; i < len(infos); i++ {
		assert.Greater(t, infos[i].Priority, infos[i-1].Priority)
	}

	m, found, err := s.Find("SPK", 5, 3, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "k3.bsp", m.Ident)
}

func TestFindRejectsBadQueries(t *testing.T) {
	dir := t.TempDir()
	s, reg := newTestService(t, nil)
	_, err := s.LoadKernel(kernel(t, dir, "a.bsp", family.SPK, seg(family.SPK, 1, 0, 1, "a")))
	require.NoError(t, err)

	_, _, err = s.Find("DSK", 1, 0, 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownFamily))

	_, _, err = s.Find("SPK", 1, 0, -1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	_, _, err = s.Find("CK", 1, 0, 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNoLoadedFiles))

	assert.Equal(t, 2.0, counter(t, reg, "bsr_engine_rejected_queries_total"))
}

func TestObjectStateAndStats(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestService(t, nil)
	_, err := s.LoadKernel(kernel(t, dir, "a.bsp", family.SPK,
		seg(family.SPK, 7, 0, 10, "a"),
		seg(family.SPK, 7, 10, 20, "b")))
	require.NoError(t, err)

	state, segs, err := s.ObjectState("spk", 7)
	require.NoError(t, err)
	assert.Equal(t, model.ObjectStateAbsent, state)
	assert.Empty(t, segs)

	_, found, err := s.Find("SPK", 7, 15, 0)
	require.NoError(t, err)
	require.True(t, found)

	state, segs, err = s.ObjectState("SPK", 7)
	require.NoError(t, err)
	assert.Equal(t, model.ObjectStateComplete, state)
	assert.Len(t, segs, 2)

	stats := s.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, "SPK", stats[0].Family)
	assert.Equal(t, 1, stats[0].Files)
	assert.Equal(t, uint64(1), stats[0].Lookups)
	assert.Equal(t, "CK", stats[1].Family)
	assert.Equal(t, 0, stats[1].Files)
}

func TestMissingKernels(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestService(t, nil)
	path := kernel(t, dir, "a.bsp", family.SPK, seg(family.SPK, 1, 0, 1, "a"))
	_, err := s.LoadKernel(path)
	require.NoError(t, err)
	assert.Empty(t, s.MissingKernels())

	require.NoError(t, os.Remove(path))
	assert.Equal(t, []string{filepath.Clean(path)}, s.MissingKernels())
}

func TestSearchWithoutBuffering(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestService(t, nil)
	_, err := s.LoadKernel(kernel(t, dir, "a.bsp", family.SPK, seg(family.SPK, 7, 0, 10, "a")))
	require.NoError(t, err)

	m, found, err := s.SearchWithoutBuffering("SPK", 7, 5, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", m.Ident)

	state, _, err := s.ObjectState("SPK", 7)
	require.NoError(t, err)
	assert.Equal(t, model.ObjectStateAbsent, state)

	_, _, err = s.SearchWithoutBuffering("PCK", 7, 5, 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNoLoadedFiles))
}

func TestUnloadRacingLoadLeavesFamilyUsable(t *testing.T) {
	dir := t.TempDir()
	s, reg := newTestService(t, nil)
	path := kernel(t, dir, "a.bsp", family.SPK, seg(family.SPK, 1, 0, 10, "a"))

	// An unload lands between a load's open and its attach.
	h, r, err := s.library.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.UnloadKernel(path))
	_, err = s.attach(h, r, time.Now())
	assert.True(t, errors.IsCode(err, errors.ErrCodeSourceFailed))

	assert.Empty(t, s.Kernels())
	_, _, err = s.Find("SPK", 1, 5, 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNoLoadedFiles))

	// Same interleaving against an already loaded kernel.
	_, err = s.LoadKernel(path)
	require.NoError(t, err)
	h, r, err = s.library.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.UnloadKernel(path))
	_, err = s.attach(h, r, time.Now())
	assert.Error(t, err)
	_, _, err = s.Find("SPK", 1, 5, 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNoLoadedFiles))

	_, err = s.LoadKernel(path)
	require.NoError(t, err)
	m, found, err := s.Find("SPK", 1, 5, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", m.Ident)
	assert.Equal(t, 2.0, counter(t, reg, "bsr_kernels_load_failures_total"))
}

func TestConcurrentLoadAndUnload(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestService(t, nil)
	path := kernel(t, dir, "a.bsp", family.SPK, seg(family.SPK, 1, 0, 10, "a"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.LoadKernel(path)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.UnloadKernel(path)
			}
		}()
	}
	wg.Wait()

	_, err := s.LoadKernel(path)
	require.NoError(t, err)
	m, found, err := s.Find("SPK", 1, 5, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", m.Ident)
	assert.Len(t, s.Kernels(), 1)
}

func TestUnloadLoadedKernel(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestService(t, nil)
	path := kernel(t, dir, "a.bsp", family.SPK, seg(family.SPK, 1, 0, 10, "a"))

	err := s.UnloadLoadedKernel(path)
	assert.True(t, errors.IsCode(err, errors.ErrCodeKernelNotLoaded))

	_, err = s.LoadKernel(path)
	require.NoError(t, err)
	require.NoError(t, s.UnloadLoadedKernel(path))
	err = s.UnloadLoadedKernel(path)
	assert.True(t, errors.IsCode(err, errors.ErrCodeKernelNotLoaded))
}

func TestReturnedDescriptorsAreCopies(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestService(t, nil)
	_, err := s.LoadKernel(kernel(t, dir, "a.bsp", family.SPK, seg(family.SPK, 1, 10, 20, "a")))
	require.NoError(t, err)

	m, found, err := s.Find("SPK", 1, 15, 0)
	require.NoError(t, err)
	require.True(t, found)
	want := m.Descriptor.Clone()
	m.Descriptor.DC[0] = -999
	m.Descriptor.IC[0] = 77

	_, segs, err := s.ObjectState("SPK", 1)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	segs[0].Descriptor.DC[1] = -1

	again, found, err := s.Find("SPK", 1, 16, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, again.Descriptor)
}
