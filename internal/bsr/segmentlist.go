package bsr

import "github.com/devrev/bsr/internal/model"

// segmentList is the buffered segments of one object, most preferred
// first: higher file priority first, and within a file the later record
// first.
type segmentList struct {
	segs []model.Segment
}

func (l *segmentList) len() int {
	return len(l.segs)
}

// prepend places the segments of a file that outranks everything already
// buffered. fileSegs is in file order.
func (l *segmentList) prepend(fileSegs []model.Segment) {
	if len(fileSegs) == 0 {
		return
	}
	merged := make([]model.Segment, 0, len(fileSegs)+len(l.segs))
	for i := len(fileSegs) - 1; i >= 0; i-- {
		merged = append(merged, fileSegs[i])
	}
	l.segs = append(merged, l.segs...)
}

// extend places the segments of a file outranked by everything already
// buffered. fileSegs is in file order.
func (l *segmentList) extend(fileSegs []model.Segment) {
	for i := len(fileSegs) - 1; i >= 0; i-- {
		l.segs = append(l.segs, fileSegs[i])
	}
}

// removeFile drops every segment sourced from h and returns how many went
func (l *segmentList) removeFile(h model.Handle) int {
	kept := l.segs[:0]
	for _, s := range l.segs {
		if s.Handle != h {
			kept = append(kept, s)
		}
	}
	removed := len(l.segs) - len(kept)
	for i := len(kept); i < len(l.segs); i++ {
		l.segs[i] = model.Segment{}
	}
	l.segs = kept
	return removed
}

// handles returns the distinct source files of the list
func (l *segmentList) handles() []model.Handle {
	var out []model.Handle
	seen := make(map[model.Handle]struct{})
	for _, s := range l.segs {
		if _, ok := seen[s.Handle]; ok {
			continue
		}
		seen[s.Handle] = struct{}{}
		out = append(out, s.Handle)
	}
	return out
}

// walk scans segs in order and returns the index of the first match, or
// -1. The window accumulates every segment examined.
func walk(segs []model.Segment, epoch, tolerance float64, w *window) int {
	for i := range segs {
		if w.observe(&segs[i], epoch, tolerance) {
			return i
		}
	}
	return -1
}

// walkFile is walk for segments in file order, where the last record wins
func walkFile(fileSegs []model.Segment, epoch, tolerance float64, w *window) int {
	for i := len(fileSegs) - 1; i >= 0; i-- {
		if w.observe(&fileSegs[i], epoch, tolerance) {
			return i
		}
	}
	return -1
}
