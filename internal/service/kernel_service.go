package service

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/devrev/bsr/internal/archive"
	"github.com/devrev/bsr/internal/bsr"
	"github.com/devrev/bsr/internal/errors"
	"github.com/devrev/bsr/internal/family"
	"github.com/devrev/bsr/internal/metrics"
	"github.com/devrev/bsr/internal/model"
	"github.com/devrev/bsr/internal/util/workerpool"
	"github.com/devrev/bsr/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var _ bsr.Recorder = (*metrics.Metrics)(nil)

// Config holds kernel service configuration
type Config struct {
	// Engines maps a family name to its budgets. Families left out use
	// the engine defaults.
	Engines   map[string]bsr.Config
	Workers   int
	QueueSize int
}

// KernelService owns one engine per family over a shared archive
// library. Engines are not safe for concurrent use, so every engine call
// happens under one mutex. Archives are opened outside it and closed
// under it.
type KernelService struct {
	mu      sync.Mutex
	engines map[string]*bsr.Engine
	kernels map[string]*model.KernelInfo // by archive path

	library   *archive.Library
	pool      *workerpool.Pool
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewKernelService creates the engines and the loader pool
func NewKernelService(cfg *Config, m *metrics.Metrics, logger *zap.Logger) (*KernelService, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}

	s := &KernelService{
		engines:   make(map[string]*bsr.Engine),
		kernels:   make(map[string]*model.KernelInfo),
		library:   archive.NewLibrary(logger),
		validator: validation.NewValidator(),
		metrics:   m,
		logger:    logger,
	}

	for _, fam := range family.Families() {
		ecfg := cfg.Engines[fam.Name()]
		engine, err := bsr.NewEngine(fam, s.library, &ecfg, logger, bsr.WithRecorder(m))
		if err != nil {
			return nil, err
		}
		s.engines[fam.Name()] = engine
		m.UpdateEngineStats(engine.Stats())
	}

	s.pool = workerpool.New(&workerpool.Config{
		Name:       "kernel-loader",
		MaxWorkers: cfg.Workers,
		QueueSize:  cfg.QueueSize,
		Logger:     logger,
	})
	return s, nil
}

// LoadKernel opens the archive at path and makes it the highest-priority
// file of its family. Loading a path again moves it to the top.
func (s *KernelService) LoadKernel(path string) (*model.KernelInfo, error) {
	if err := s.validator.ValidateKernelPath(path); err != nil {
		return nil, err
	}

	start := time.Now()
	h, r, err := s.library.Open(path)
	if err != nil {
		s.metrics.RecordKernelLoadFailure()
		s.logger.Warn("Failed to open kernel", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return s.attach(h, r, start)
}

// Furnish opens the archives concurrently, then loads them in list order
// so the last path ends up with the highest priority. Paths that fail are
// skipped; their errors are combined in the returned error.
func (s *KernelService) Furnish(ctx context.Context, paths []string) ([]*model.KernelInfo, error) {
	for _, p := range paths {
		if err := s.validator.ValidateKernelPath(p); err != nil {
			return nil, err
		}
	}

	type opened struct {
		handle model.Handle
		reader *archive.Reader
	}
	results := make([]opened, len(paths))
	start := time.Now()

	fns := make([]func(context.Context) error, len(paths))
	for i, p := range paths {
		i, p := i, p
		fns[i] = func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, r, err := s.library.Open(p)
			if err != nil {
				return err
			}
			results[i] = opened{handle: h, reader: r}
			return nil
		}
	}
	errs := s.pool.Run(ctx, fns)

	var (
		infos  []*model.KernelInfo
		result error
	)
	for i, p := range paths {
		if errs[i] != nil {
			s.metrics.RecordKernelLoadFailure()
			s.logger.Warn("Failed to open kernel", zap.String("path", p), zap.Error(errs[i]))
			result = multierr.Append(result, errs[i])
			continue
		}
		info, err := s.attach(results[i].handle, results[i].reader, start)
		if err != nil {
			result = multierr.Append(result, err)
			continue
		}
		infos = append(infos, info)
	}

	s.logger.Info("Kernels furnished",
		zap.Int("requested", len(paths)),
		zap.Int("loaded", len(infos)),
		zap.Duration("duration", time.Since(start)))
	return infos, result
}

func (s *KernelService) attach(h model.Handle, r *archive.Reader, start time.Time) (*model.KernelInfo, error) {
	fam := r.Family().Name()

	s.mu.Lock()
	// An unload of the same path may have closed the archive since it was
	// opened.
	if cur, ok := s.library.Reader(h); !ok || cur != r {
		s.mu.Unlock()
		s.metrics.RecordKernelLoadFailure()
		s.logger.Warn("Kernel closed before it was loaded",
			zap.String("path", r.Path()),
			zap.String("family", fam))
		return nil, errors.SourceFailed("archive was closed while loading", nil).WithDetail("path", r.Path())
	}

	engine := s.engines[fam]
	priority, err := engine.Load(h)
	if err != nil {
		var closeErr error
		if _, known := s.kernels[r.Path()]; !known {
			closeErr = s.library.Close(h)
		}
		s.mu.Unlock()
		if closeErr != nil {
			s.logger.Warn("Failed to close rejected kernel",
				zap.String("path", r.Path()),
				zap.Error(closeErr))
		}
		s.metrics.RecordKernelLoadFailure()
		s.logger.Warn("Failed to load kernel",
			zap.String("path", r.Path()),
			zap.String("family", fam),
			zap.Error(err))
		return nil, err
	}

	info := &model.KernelInfo{
		Path:     r.Path(),
		Family:   fam,
		Handle:   h,
		Priority: priority,
		Records:  r.Records(),
		LoadedAt: time.Now(),
	}
	s.kernels[info.Path] = info
	stats := engine.Stats()
	s.mu.Unlock()

	s.metrics.RecordKernelLoad(fam, time.Since(start).Seconds())
	s.metrics.UpdateEngineStats(stats)
	s.logger.Info("Kernel loaded",
		zap.String("path", info.Path),
		zap.String("family", fam),
		zap.Int32("handle", int32(h)),
		zap.Int64("priority", priority),
		zap.Int("records", info.Records))

	out := *info
	return &out, nil
}

// UnloadKernel unloads the archive at path and closes it. Unloading a
// path that is not loaded does nothing.
func (s *KernelService) UnloadKernel(path string) error {
	return s.unload(path, false)
}

// UnloadLoadedKernel is UnloadKernel, but fails with KernelNotLoaded when
// path is not loaded.
func (s *KernelService) UnloadLoadedKernel(path string) error {
	return s.unload(path, true)
}

func (s *KernelService) unload(path string, strict bool) error {
	if err := s.validator.ValidateKernelPath(path); err != nil {
		return err
	}
	path = filepath.Clean(path)

	// Engine unload and archive close share the lock attach re-checks under.
	s.mu.Lock()
	var (
		h   model.Handle
		fam string
	)
	if info, ok := s.kernels[path]; ok {
		h, fam = info.Handle, info.Family
	} else if lh, ok := s.library.Lookup(path); ok {
		r, ok := s.library.Reader(lh)
		if !ok {
			s.mu.Unlock()
			return s.notLoaded(path, strict)
		}
		h, fam = lh, r.Family().Name()
	} else {
		s.mu.Unlock()
		return s.notLoaded(path, strict)
	}

	engine := s.engines[fam]
	engine.Unload(h)
	delete(s.kernels, path)
	stats := engine.Stats()
	closeErr := s.library.Close(h)
	s.mu.Unlock()

	s.metrics.RecordKernelUnload(fam)
	s.metrics.UpdateEngineStats(stats)
	s.logger.Info("Kernel unloaded",
		zap.String("path", path),
		zap.String("family", fam),
		zap.Int32("handle", int32(h)))

	if closeErr != nil {
		return errors.SourceFailed("failed to close archive", closeErr).WithDetail("path", path)
	}
	return nil
}

func (s *KernelService) notLoaded(path string, strict bool) error {
	if strict {
		return errors.KernelNotLoaded(path)
	}
	return nil
}

// Find looks up the segment covering objectID at epoch in the named
// family. found is false when no loaded kernel has one.
func (s *KernelService) Find(familyName string, objectID int32, epoch, tolerance float64) (model.Match, bool, error) {
	fam, err := s.validator.ValidateFamily(familyName)
	if err != nil {
		return model.Match{}, false, err
	}

	s.mu.Lock()
	engine := s.engines[fam.Name()]
	match, found, err := engine.Find(objectID, epoch, tolerance)
	stats := engine.Stats()
	s.mu.Unlock()

	s.metrics.UpdateEngineStats(stats)
	if err != nil {
		s.metrics.RecordRejectedQuery(fam.Name(), errors.GetCode(err).String())
		return model.Match{}, false, err
	}
	return match, found, nil
}

// SearchWithoutBuffering scans the family's loaded kernels directly,
// leaving the buffered segments untouched.
func (s *KernelService) SearchWithoutBuffering(familyName string, objectID int32, epoch, tolerance float64) (model.Match, bool, error) {
	fam, err := s.validator.ValidateFamily(familyName)
	if err != nil {
		return model.Match{}, false, err
	}

	s.mu.Lock()
	match, found, err := s.engines[fam.Name()].SearchWithoutBuffering(objectID, epoch, tolerance)
	s.mu.Unlock()

	if err != nil {
		s.metrics.RecordRejectedQuery(fam.Name(), errors.GetCode(err).String())
		return model.Match{}, false, err
	}
	return match, found, nil
}

// ObjectState reports an object's buffering state and buffered segments
func (s *KernelService) ObjectState(familyName string, objectID int32) (model.ObjectState, []model.Segment, error) {
	fam, err := s.validator.ValidateFamily(familyName)
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	engine := s.engines[fam.Name()]
	return engine.State(objectID), engine.Segments(objectID), nil
}

// Kernels lists the loaded kernels by family, then priority
func (s *KernelService) Kernels() []model.KernelInfo {
	s.mu.Lock()
	out := make([]model.KernelInfo, 0, len(s.kernels))
	for _, k := range s.kernels {
		out = append(out, *k)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

// Stats returns the statistics of every engine in family order
func (s *KernelService) Stats() []model.EngineStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.EngineStats, 0, len(s.engines))
	for _, fam := range family.Families() {
		out = append(out, s.engines[fam.Name()].Stats())
	}
	return out
}

// MissingKernels returns the loaded kernels whose archive is no longer
// on disk.
func (s *KernelService) MissingKernels() []string {
	var missing []string
	for _, k := range s.Kernels() {
		if _, err := os.Stat(k.Path); err != nil {
			missing = append(missing, k.Path)
		}
	}
	return missing
}

// LoaderStats returns the loader pool counters
func (s *KernelService) LoaderStats() workerpool.Stats {
	return s.pool.Stats()
}

// Close stops the loader pool and closes every archive
func (s *KernelService) Close() error {
	err := s.pool.Stop(10 * time.Second)
	return multierr.Append(err, s.library.CloseAll())
}
