package archive

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/devrev/bsr/internal/bsr"
	"github.com/devrev/bsr/internal/errors"
	"github.com/devrev/bsr/internal/model"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Library owns the open archives and the handles the engines refer to
// them by. It implements bsr.DescriptorSource and bsr.ObjectFilter.
type Library struct {
	mu      sync.RWMutex
	next    model.Handle
	readers map[model.Handle]*Reader
	byPath  map[string]model.Handle
	logger  *zap.Logger
}

var (
	_ bsr.DescriptorSource = (*Library)(nil)
	_ bsr.ObjectFilter     = (*Library)(nil)
)

// NewLibrary creates an empty library
func NewLibrary(logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{
		next:    1,
		readers: make(map[model.Handle]*Reader),
		byPath:  make(map[string]model.Handle),
		logger:  logger,
	}
}

// Open opens the archive at path, or returns the handle it is already
// open under. Safe for concurrent use.
func (l *Library) Open(path string) (model.Handle, *Reader, error) {
	path = filepath.Clean(path)

	l.mu.RLock()
	if h, ok := l.byPath[path]; ok {
		r := l.readers[h]
		l.mu.RUnlock()
		return h, r, nil
	}
	l.mu.RUnlock()

	r, err := Open(path)
	if err != nil {
		return 0, nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Lost a race with another opener of the same path.
	if h, ok := l.byPath[path]; ok {
		r.Close()
		return h, l.readers[h], nil
	}

	h := l.next
	l.next++
	l.readers[h] = r
	l.byPath[path] = h

	l.logger.Debug("Opened archive",
		zap.String("path", path),
		zap.Int32("handle", int32(h)),
		zap.String("family", r.Family().Name()),
		zap.Int("records", r.Records()))
	return h, r, nil
}

// Lookup returns the handle of an open archive
func (l *Library) Lookup(path string) (model.Handle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.byPath[filepath.Clean(path)]
	return h, ok
}

// Reader returns the reader behind a handle
func (l *Library) Reader(h model.Handle) (*Reader, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.readers[h]
	return r, ok
}

// Handles lists the open handles in ascending order
func (l *Library) Handles() []model.Handle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Handle, 0, len(l.readers))
	for h := range l.readers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Scan implements bsr.DescriptorSource
func (l *Library) Scan(h model.Handle) (bsr.DescriptorIterator, error) {
	r, ok := l.Reader(h)
	if !ok {
		return nil, errors.SourceFailed("unknown archive handle", nil).WithDetail("handle", h)
	}
	return r.Scan(), nil
}

// MayContain implements bsr.ObjectFilter
func (l *Library) MayContain(h model.Handle, objectID int32) bool {
	r, ok := l.Reader(h)
	if !ok {
		return true
	}
	return r.MayContain(objectID)
}

// Close closes one archive. Closing an unknown handle is a no-op.
func (l *Library) Close(h model.Handle) error {
	l.mu.Lock()
	r, ok := l.readers[h]
	if ok {
		delete(l.readers, h)
		delete(l.byPath, r.Path())
	}
	l.mu.Unlock()

	if !ok {
		return nil
	}
	return r.Close()
}

// CloseAll closes every archive and reports all failures
func (l *Library) CloseAll() error {
	l.mu.Lock()
	readers := l.readers
	l.readers = make(map[model.Handle]*Reader)
	l.byPath = make(map[string]model.Handle)
	l.mu.Unlock()

	var err error
	for _, r := range readers {
		err = multierr.Append(err, r.Close())
	}
	return err
}
