package bsr

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/devrev/bsr/internal/errors"
	"github.com/devrev/bsr/internal/model"
)

type fileEntry struct {
	handle   model.Handle
	priority int64
	objects  *roaring.Bitmap // objects with buffered segments from this file
}

// FileTable records the loaded files and their priorities. A file loaded
// later has a higher priority; priorities are never reused or renumbered.
type FileTable struct {
	family   string
	maxFiles int
	next     int64
	entries  []*fileEntry // ascending priority
	byHandle map[model.Handle]*fileEntry
}

// NewFileTable creates a file table holding at most maxFiles files
func NewFileTable(family string, maxFiles int) *FileTable {
	return &FileTable{
		family:   family,
		maxFiles: maxFiles,
		next:     1,
		byHandle: make(map[model.Handle]*fileEntry),
	}
}

// Load adds the file with the next priority
func (t *FileTable) Load(h model.Handle) (int64, error) {
	if e, ok := t.byHandle[h]; ok {
		return e.priority, nil
	}
	if len(t.entries) >= t.maxFiles {
		return 0, errors.TooManyFiles(t.family, t.maxFiles)
	}

	e := &fileEntry{
		handle:   h,
		priority: t.next,
		objects:  roaring.New(),
	}
	t.next++
	t.entries = append(t.entries, e)
	t.byHandle[h] = e
	return e.priority, nil
}

// Unload removes the file and returns, in ascending order, the objects
// that had buffered segments from it. Unloading an unknown handle is a
// no-op and reports false.
func (t *FileTable) Unload(h model.Handle) ([]int32, bool) {
	e, ok := t.byHandle[h]
	if !ok {
		return nil, false
	}
	delete(t.byHandle, h)

	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].priority >= e.priority
	})
	t.entries = append(t.entries[:i], t.entries[i+1:]...)

	keys := e.objects.ToArray()
	ids := make([]int32, len(keys))
	for i, k := range keys {
		ids[i] = objectOf(k)
	}
	return ids, true
}

// PriorityOf returns the priority of a loaded file
func (t *FileTable) PriorityOf(h model.Handle) (int64, bool) {
	e, ok := t.byHandle[h]
	if !ok {
		return 0, false
	}
	return e.priority, true
}

// Contains reports whether the handle is loaded
func (t *FileTable) Contains(h model.Handle) bool {
	_, ok := t.byHandle[h]
	return ok
}

// Len is the number of loaded files
func (t *FileTable) Len() int {
	return len(t.entries)
}

// Cap is the file ceiling
func (t *FileTable) Cap() int {
	return t.maxFiles
}

// Highest returns the highest loaded priority, or zero when empty
func (t *FileTable) Highest() int64 {
	if len(t.entries) == 0 {
		return 0
	}
	return t.entries[len(t.entries)-1].priority
}

// Attach notes that obj has buffered segments from h
func (t *FileTable) Attach(h model.Handle, obj int32) {
	if e, ok := t.byHandle[h]; ok {
		e.objects.Add(keyOf(obj))
	}
}

// Detach drops obj from the set of objects buffered from h
func (t *FileTable) Detach(h model.Handle, obj int32) {
	if e, ok := t.byHandle[h]; ok {
		e.objects.Remove(keyOf(obj))
	}
}

// Files lists the loaded files by ascending priority
func (t *FileTable) Files() []model.KernelFile {
	out := make([]model.KernelFile, len(t.entries))
	for i, e := range t.entries {
		out[i] = model.KernelFile{Handle: e.handle, Priority: e.priority}
	}
	return out
}

// above returns the files with priority greater than p, lowest first
func (t *FileTable) above(p int64) []*fileEntry {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].priority > p
	})
	return append([]*fileEntry(nil), t.entries[i:]...)
}

// below returns the files with priority less than p, highest first
func (t *FileTable) below(p int64) []*fileEntry {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].priority >= p
	})
	out := make([]*fileEntry, 0, i)
	for j := i - 1; j >= 0; j-- {
		out = append(out, t.entries[j])
	}
	return out
}

// descending returns every file, highest priority first
func (t *FileTable) descending() []*fileEntry {
	return t.below(t.next)
}

// keyOf maps an object id onto the bitmap key space keeping signed order
func keyOf(obj int32) uint32 {
	return uint32(obj) ^ 1<<31
}

func objectOf(k uint32) int32 {
	return int32(k ^ 1<<31)
}
