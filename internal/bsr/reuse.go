package bsr

import (
	"math"

	"github.com/devrev/bsr/internal/model"
)

// bound is one end of a re-use window. An open bound excludes its value.
type bound struct {
	value float64
	open  bool
}

// window is the span around a matched epoch over which the same answer
// stays correct. It is narrowed while a search walks segments in
// priority order: every higher-priority segment that misses the epoch
// cuts the window at its near edge, and the match clips it to its own
// (tolerance-widened) coverage.
type window struct {
	lo, hi bound
}

func unbounded() window {
	return window{
		lo: bound{value: math.Inf(-1)},
		hi: bound{value: math.Inf(1)},
	}
}

func (w window) contains(t float64) bool {
	if t < w.lo.value || (t == w.lo.value && w.lo.open) {
		return false
	}
	if t > w.hi.value || (t == w.hi.value && w.hi.open) {
		return false
	}
	return true
}

func (w *window) raise(b bound) {
	if b.value > w.lo.value || (b.value == w.lo.value && b.open) {
		w.lo = b
	}
}

func (w *window) lower(b bound) {
	if b.value < w.hi.value || (b.value == w.hi.value && b.open) {
		w.hi = b
	}
}

// observe folds one segment into the window and reports whether it
// matches epoch. Invisible segments leave the window untouched.
func (w *window) observe(s *model.Segment, epoch, tolerance float64) bool {
	if s.Invisible() {
		return false
	}
	begin, end := s.Begin-tolerance, s.End+tolerance
	if !s.Covers(epoch, tolerance) {
		if epoch < begin {
			w.lower(bound{value: begin, open: true})
		} else {
			w.raise(bound{value: end, open: true})
		}
		return false
	}
	w.raise(bound{value: begin})
	w.lower(bound{value: end})
	return true
}

// reuseEntry remembers the last answer given for an object. The answer is
// addressed by index into the object's segment list and is only honoured
// while the list generation is unchanged. Answers that were found without
// buffering are kept as a detached copy.
type reuseEntry struct {
	valid     bool
	gen       uint64
	tolerance float64
	win       window
	index     int
	detached  model.Segment
}

func (r *reuseEntry) invalidate() {
	*r = reuseEntry{}
}

func (r *reuseEntry) holds(gen uint64, epoch, tolerance float64) bool {
	return r.valid && r.gen == gen && r.tolerance == tolerance && r.win.contains(epoch)
}
