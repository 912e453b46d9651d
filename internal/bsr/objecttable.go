package bsr

import "sort"

// objectEntry is the buffered state of one object id
type objectEntry struct {
	id   int32
	list segmentList

	// Files with priority in [oldest, newest] have been searched for this
	// object and all their segments for it are in list. oldest > newest
	// means nothing has been searched yet.
	oldest, newest int64

	expense  int
	gen      uint64
	reuse    reuseEntry
	lastUsed uint64
}

// mutated bumps the generation, which retires the re-use entry
func (e *objectEntry) mutated() {
	e.gen++
	e.reuse.invalidate()
}

// ObjectTable maps object ids to their segment lists under two shared
// budgets: the number of objects and the total number of segments.
type ObjectTable struct {
	maxObjects  int
	maxSegments int
	entries     map[int32]*objectEntry
	segments    int
	clock       uint64
}

// NewObjectTable creates an object table with the given budgets
func NewObjectTable(maxObjects, maxSegments int) *ObjectTable {
	return &ObjectTable{
		maxObjects:  maxObjects,
		maxSegments: maxSegments,
		entries:     make(map[int32]*objectEntry),
	}
}

func (t *ObjectTable) get(id int32) *objectEntry {
	e, ok := t.entries[id]
	if ok {
		t.clock++
		e.lastUsed = t.clock
	}
	return e
}

func (t *ObjectTable) create(id int32, newest int64) *objectEntry {
	t.clock++
	e := &objectEntry{
		id:       id,
		oldest:   newest + 1,
		newest:   newest,
		lastUsed: t.clock,
	}
	t.entries[id] = e
	return e
}

func (t *ObjectTable) remove(id int32) *objectEntry {
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	t.segments -= e.list.len()
	return e
}

func (t *ObjectTable) full() bool {
	return len(t.entries) >= t.maxObjects
}

func (t *ObjectTable) fits(n int) bool {
	return t.segments+n <= t.maxSegments
}

// victim picks the entry to evict. When a slot is wanted, entries with no
// segments go first since dropping them loses nothing. Otherwise the
// entry that is cheapest to rebuild goes, oldest use breaking ties. The
// excluded id is never chosen.
func (t *ObjectTable) victim(exclude int32, wantSlot bool) *objectEntry {
	candidates := make([]*objectEntry, 0, len(t.entries))
	for id, e := range t.entries {
		if id == exclude {
			continue
		}
		if !wantSlot && e.list.len() == 0 {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if wantSlot {
			ae, be := a.list.len() == 0, b.list.len() == 0
			if ae != be {
				return ae
			}
		}
		if a.expense != b.expense {
			return a.expense < b.expense
		}
		if a.lastUsed != b.lastUsed {
			return a.lastUsed < b.lastUsed
		}
		return a.id < b.id
	})
	return candidates[0]
}
