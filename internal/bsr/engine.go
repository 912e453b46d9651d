// Package bsr implements buffered segment retrieval: given an object id and
// an epoch, find the segment of the highest-priority loaded file that
// covers the epoch, keeping per-object segment lists and a re-use window
// so that temporally clustered lookups rarely touch the files.
//
// An Engine is not safe for concurrent use. Hosts that share one across
// goroutines wrap every call in a single mutex.
package bsr

import (
	"math"
	"time"

	"github.com/devrev/bsr/internal/errors"
	"github.com/devrev/bsr/internal/family"
	"github.com/devrev/bsr/internal/model"
	"go.uber.org/zap"
)

const (
	// DefaultMaxObjects is the default object table size
	DefaultMaxObjects = 200

	// DefaultMaxSegments is the default shared segment budget
	DefaultMaxSegments = 10000
)

// Config holds the engine budgets. Zero fields take defaults; MaxFiles
// defaults to the family ceiling.
type Config struct {
	MaxFiles    int
	MaxObjects  int
	MaxSegments int
}

// Recorder receives lookup events
type Recorder interface {
	RecordLookup(family string, outcome model.LookupOutcome, seconds float64)
	RecordEviction(family string)
	RecordFileScan(family string)
}

type nopRecorder struct{}

func (nopRecorder) RecordLookup(string, model.LookupOutcome, float64) {}
func (nopRecorder) RecordEviction(string)                             {}
func (nopRecorder) RecordFileScan(string)                             {}

// Option configures an Engine
type Option func(*Engine)

// WithRecorder routes lookup events to r
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.rec = r
		}
	}
}

// Engine answers "which segment covers object O at epoch T" for one
// kernel family.
type Engine struct {
	fam     family.Family
	source  DescriptorSource
	files   *FileTable
	objects *ObjectTable
	logger  *zap.Logger
	rec     Recorder
	stats   model.EngineStats
}

// NewEngine creates an engine reading descriptors from source
func NewEngine(fam family.Family, source DescriptorSource, cfg *Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if fam == nil {
		return nil, errors.InvalidArgument("family is required", nil)
	}
	if source == nil {
		return nil, errors.InvalidArgument("descriptor source is required", nil)
	}

	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.MaxFiles == 0 {
		c.MaxFiles = fam.MaxFiles()
	}
	if c.MaxObjects == 0 {
		c.MaxObjects = DefaultMaxObjects
	}
	if c.MaxSegments == 0 {
		c.MaxSegments = DefaultMaxSegments
	}
	if c.MaxFiles < 1 || c.MaxObjects < 1 || c.MaxSegments < 1 {
		return nil, errors.InvalidArgument("engine budgets must be positive", nil).
			WithDetail("max_files", c.MaxFiles).
			WithDetail("max_objects", c.MaxObjects).
			WithDetail("max_segments", c.MaxSegments)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		fam:     fam,
		source:  source,
		files:   NewFileTable(fam.Name(), c.MaxFiles),
		objects: NewObjectTable(c.MaxObjects, c.MaxSegments),
		logger:  logger.With(zap.String("family", fam.Name())),
		rec:     nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Family returns the family the engine decodes
func (e *Engine) Family() family.Family {
	return e.fam
}

// Load makes h the highest-priority file. Loading a handle that is already
// loaded unloads it first, so it moves to the top.
func (e *Engine) Load(h model.Handle) (int64, error) {
	if e.files.Contains(h) {
		e.Unload(h)
	}

	priority, err := e.files.Load(h)
	if err != nil {
		return 0, err
	}

	// The new file may mask any answer given so far.
	for _, entry := range e.objects.entries {
		entry.reuse.invalidate()
	}

	e.logger.Debug("Loaded file",
		zap.Int32("handle", int32(h)),
		zap.Int64("priority", priority))
	return priority, nil
}

// Unload removes h and every buffered segment sourced from it. Unloading a
// handle that is not loaded does nothing.
func (e *Engine) Unload(h model.Handle) {
	ids, ok := e.files.Unload(h)
	if !ok {
		return
	}

	removed := 0
	for _, id := range ids {
		entry, ok := e.objects.entries[id]
		if !ok {
			continue
		}
		n := entry.list.removeFile(h)
		e.objects.segments -= n
		removed += n
		entry.mutated()
	}

	for _, entry := range e.objects.entries {
		r := &entry.reuse
		if r.valid && r.index < 0 && r.detached.Handle == h {
			r.invalidate()
		}
	}

	e.logger.Debug("Unloaded file",
		zap.Int32("handle", int32(h)),
		zap.Int("objects", len(ids)),
		zap.Int("segments_removed", removed))
}

// Find returns the highest-priority segment for objectID whose coverage,
// widened by tolerance on both sides, contains epoch. found is false when
// no loaded file has one.
func (e *Engine) Find(objectID int32, epoch, tolerance float64) (model.Match, bool, error) {
	start := time.Now()

	seg, outcome, err := e.find(objectID, epoch, tolerance)
	if err != nil {
		return model.Match{}, false, err
	}

	e.count(outcome)
	e.rec.RecordLookup(e.fam.Name(), outcome, time.Since(start).Seconds())

	if outcome == model.OutcomeMiss {
		return model.Match{}, false, nil
	}
	return model.MatchOf(seg), true, nil
}

// SearchWithoutBuffering scans every loaded file in priority order without
// consulting or changing any segment list.
func (e *Engine) SearchWithoutBuffering(objectID int32, epoch, tolerance float64) (model.Match, bool, error) {
	if err := e.checkQuery(epoch, tolerance); err != nil {
		return model.Match{}, false, err
	}

	seg, found, err := e.searchFiles(objectID, epoch, tolerance, e.files.descending(), unbounded(), nil)
	if err != nil || !found {
		return model.Match{}, false, err
	}
	return model.MatchOf(seg), true, nil
}

func (e *Engine) find(obj int32, epoch, tol float64) (model.Segment, model.LookupOutcome, error) {
	if err := e.checkQuery(epoch, tol); err != nil {
		return model.Segment{}, "", err
	}

	entry := e.objects.get(obj)
	if entry != nil {
		if seg, ok := e.reused(entry, epoch, tol); ok {
			return seg, model.OutcomeReuse, nil
		}
	} else {
		if !e.makeRoom(obj, true, 0) {
			return e.unbuffered(obj, epoch, tol, e.files.descending(), unbounded(), nil)
		}
		entry = e.objects.create(obj, e.files.Highest())
	}

	// Files loaded since the list was last extended outrank all of it and
	// must be buffered in full before the list can be trusted.
	for _, f := range e.files.above(entry.newest) {
		segs, scanned, err := e.collect(f.handle, obj)
		if err != nil {
			return model.Segment{}, "", err
		}
		if !e.makeRoom(obj, false, len(segs)) {
			e.logger.Warn("No room for newer file segments, searching without buffering",
				zap.Int32("object_id", obj),
				zap.Int32("handle", int32(f.handle)),
				zap.Int("segments", len(segs)))
			return e.unbuffered(obj, epoch, tol, e.files.descending(), unbounded(), entry)
		}
		e.buffer(entry, f, segs, scanned, true)
	}

	w := unbounded()
	if i := walk(entry.list.segs, epoch, tol, &w); i >= 0 {
		e.remember(entry, i, w, tol)
		return entry.list.segs[i], model.OutcomeList, nil
	}

	// Older files not yet searched, highest first. Each is buffered whole
	// and its segments are checked after everything already walked.
	for _, f := range e.files.below(entry.oldest) {
		segs, scanned, err := e.collect(f.handle, obj)
		if err != nil {
			return model.Segment{}, "", err
		}
		if !e.makeRoom(obj, false, len(segs)) {
			e.logger.Warn("No room for older file segments, searching without buffering",
				zap.Int32("object_id", obj),
				zap.Int32("handle", int32(f.handle)),
				zap.Int("segments", len(segs)))
			if i := walkFile(segs, epoch, tol, &w); i >= 0 {
				e.detach(entry, segs[i], w, tol)
				return segs[i], model.OutcomeUnbuffered, nil
			}
			return e.unbuffered(obj, epoch, tol, e.files.below(f.priority), w, entry)
		}

		start := entry.list.len()
		e.buffer(entry, f, segs, scanned, false)
		if i := walk(entry.list.segs[start:], epoch, tol, &w); i >= 0 {
			e.remember(entry, start+i, w, tol)
			return entry.list.segs[start+i], model.OutcomeFile, nil
		}
	}

	return model.Segment{}, model.OutcomeMiss, nil
}

func (e *Engine) unbuffered(obj int32, epoch, tol float64, files []*fileEntry, w window, entry *objectEntry) (model.Segment, model.LookupOutcome, error) {
	seg, found, err := e.searchFiles(obj, epoch, tol, files, w, entry)
	if err != nil {
		return model.Segment{}, "", err
	}
	if !found {
		return model.Segment{}, model.OutcomeMiss, nil
	}
	return seg, model.OutcomeUnbuffered, nil
}

// searchFiles walks files in the given order, continuing window w. A match
// is remembered in entry's re-use slot, detached from its list.
func (e *Engine) searchFiles(obj int32, epoch, tol float64, files []*fileEntry, w window, entry *objectEntry) (model.Segment, bool, error) {
	for _, f := range files {
		segs, _, err := e.collect(f.handle, obj)
		if err != nil {
			return model.Segment{}, false, err
		}
		if i := walkFile(segs, epoch, tol, &w); i >= 0 {
			if entry != nil {
				e.detach(entry, segs[i], w, tol)
			}
			return segs[i], true, nil
		}
	}
	return model.Segment{}, false, nil
}

// collect reads the visible segments for obj from one file, in file
// order, and the number of records read.
func (e *Engine) collect(h model.Handle, obj int32) ([]model.Segment, int, error) {
	if filter, ok := e.source.(ObjectFilter); ok && !filter.MayContain(h, obj) {
		return nil, 0, nil
	}
	priority, _ := e.files.PriorityOf(h)

	it, err := e.source.Scan(h)
	if err != nil {
		return nil, 0, e.sourceError("failed to start file scan", h, err)
	}
	defer it.Close()

	var segs []model.Segment
	scanned := 0
	for it.Next() {
		rec := it.Record()
		ordinal := scanned
		scanned++

		if err := family.Validate(e.fam, rec.Descriptor); err != nil {
			return nil, scanned, err
		}
		if e.fam.ObjectID(rec.Descriptor) != obj {
			continue
		}

		begin, end := e.fam.Bounds(rec.Descriptor)
		seg := model.Segment{
			ObjectID:   obj,
			Begin:      begin,
			End:        end,
			Descriptor: rec.Descriptor,
			Ident:      rec.Ident,
			Handle:     h,
			Priority:   priority,
			Ordinal:    ordinal,
		}
		if seg.Invisible() {
			continue
		}
		segs = append(segs, seg)
	}
	if err := it.Err(); err != nil {
		return nil, scanned, e.sourceError("file scan failed", h, err)
	}

	e.stats.FileScans++
	e.rec.RecordFileScan(e.fam.Name())
	return segs, scanned, nil
}

func (e *Engine) sourceError(msg string, h model.Handle, err error) error {
	e.logger.Error(msg, zap.Int32("handle", int32(h)), zap.Error(err))
	if errors.IsBSRError(err) {
		return err
	}
	return errors.SourceFailed(msg, err).WithDetail("handle", h)
}

// buffer adds one file's segments to the entry's list, at the front for a
// newer file or at the back for an older one.
func (e *Engine) buffer(entry *objectEntry, f *fileEntry, segs []model.Segment, scanned int, front bool) {
	if front {
		entry.list.prepend(segs)
		entry.newest = f.priority
	} else {
		entry.list.extend(segs)
		entry.oldest = f.priority
	}
	entry.expense += scanned

	if len(segs) > 0 {
		e.objects.segments += len(segs)
		e.files.Attach(f.handle, entry.id)
		entry.mutated()
	}
}

// makeRoom evicts other objects until a slot (if wantSlot) and room for
// need more segments exist. It reports false when that cannot be done,
// and evicts nothing when the request could never fit.
func (e *Engine) makeRoom(obj int32, wantSlot bool, need int) bool {
	held := 0
	if entry, ok := e.objects.entries[obj]; ok {
		held = entry.list.len()
	}
	if need > e.objects.maxSegments-held {
		return false
	}

	if wantSlot {
		for e.objects.full() {
			v := e.objects.victim(obj, true)
			if v == nil {
				return false
			}
			e.evict(v)
		}
	}
	for !e.objects.fits(need) {
		v := e.objects.victim(obj, false)
		if v == nil {
			return false
		}
		e.evict(v)
	}
	return true
}

func (e *Engine) evict(v *objectEntry) {
	for _, h := range v.list.handles() {
		e.files.Detach(h, v.id)
	}
	n := v.list.len()
	e.objects.remove(v.id)

	e.stats.Evictions++
	e.rec.RecordEviction(e.fam.Name())
	e.logger.Debug("Evicted segment list",
		zap.Int32("object_id", v.id),
		zap.Int("segments", n),
		zap.Int("expense", v.expense))
}

func (e *Engine) reused(entry *objectEntry, epoch, tol float64) (model.Segment, bool) {
	r := &entry.reuse
	if !r.holds(entry.gen, epoch, tol) {
		return model.Segment{}, false
	}
	if r.index >= 0 {
		return entry.list.segs[r.index], true
	}
	return r.detached, true
}

func (e *Engine) remember(entry *objectEntry, index int, w window, tol float64) {
	entry.reuse = reuseEntry{
		valid:     true,
		gen:       entry.gen,
		tolerance: tol,
		win:       w,
		index:     index,
	}
}

func (e *Engine) detach(entry *objectEntry, seg model.Segment, w window, tol float64) {
	entry.reuse = reuseEntry{
		valid:     true,
		gen:       entry.gen,
		tolerance: tol,
		win:       w,
		index:     -1,
		detached:  seg,
	}
}

func (e *Engine) checkQuery(epoch, tol float64) error {
	if math.IsNaN(epoch) || math.IsInf(epoch, 0) {
		return errors.InvalidArgument("epoch must be finite", nil).WithDetail("epoch", epoch)
	}
	if math.IsNaN(tol) || math.IsInf(tol, 0) || tol < 0 {
		return errors.InvalidArgument("tolerance must be finite and non-negative", nil).
			WithDetail("tolerance", tol)
	}
	if e.files.Len() == 0 {
		return errors.NoLoadedFiles(e.fam.Name())
	}
	return nil
}

func (e *Engine) count(outcome model.LookupOutcome) {
	e.stats.Lookups++
	switch outcome {
	case model.OutcomeReuse:
		e.stats.ReuseHits++
	case model.OutcomeList:
		e.stats.ListHits++
	case model.OutcomeFile:
		e.stats.FileHits++
	case model.OutcomeUnbuffered:
		e.stats.Unbuffered++
	case model.OutcomeMiss:
		e.stats.Misses++
	}
}

// State reports how much of the loaded files is reflected in the object's
// segment list. An object with nothing buffered is Absent.
func (e *Engine) State(objectID int32) model.ObjectState {
	entry, ok := e.objects.entries[objectID]
	if !ok || entry.list.len() == 0 {
		return model.ObjectStateAbsent
	}
	if len(e.files.above(entry.newest)) == 0 && len(e.files.below(entry.oldest)) == 0 {
		return model.ObjectStateComplete
	}
	return model.ObjectStatePartial
}

// Segments returns a deep copy of the object's buffered segments, most
// preferred first.
func (e *Engine) Segments(objectID int32) []model.Segment {
	entry, ok := e.objects.entries[objectID]
	if !ok {
		return nil
	}
	out := make([]model.Segment, len(entry.list.segs))
	for i, seg := range entry.list.segs {
		out[i] = seg
		out[i].Descriptor = seg.Descriptor.Clone()
	}
	return out
}

// Files lists the loaded files by ascending priority
func (e *Engine) Files() []model.KernelFile {
	return e.files.Files()
}

// Stats returns the engine counters and occupancy
func (e *Engine) Stats() model.EngineStats {
	s := e.stats
	s.Family = e.fam.Name()
	s.Files = e.files.Len()
	s.Objects = len(e.objects.entries)
	s.Segments = e.objects.segments
	s.MaxFiles = e.files.Cap()
	s.MaxObjects = e.objects.maxObjects
	s.MaxSegments = e.objects.maxSegments
	return s
}
