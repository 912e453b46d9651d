package model

// Handle identifies an open kernel archive. The engine only compares and
// forwards handles; the archive layer owns what they refer to.
type Handle int32

// Descriptor is the raw summary of one segment: ND double components
// followed by NI integer components. Its meaning is family specific.
type Descriptor struct {
	DC []float64
	IC []int32
}

// Clone returns a deep copy of the descriptor
func (d Descriptor) Clone() Descriptor {
	return Descriptor{
		DC: append([]float64(nil), d.DC...),
		IC: append([]int32(nil), d.IC...),
	}
}

// SummaryRecord is one entry yielded by a descriptor source: the raw
// descriptor plus the segment identifier stored next to it.
type SummaryRecord struct {
	Descriptor Descriptor
	Ident      string
}

// Segment is a decoded, time-bounded record for one object
type Segment struct {
	ObjectID   int32
	Begin      float64
	End        float64
	Descriptor Descriptor
	Ident      string
	Handle     Handle
	Priority   int64 // priority of the source file
	Ordinal    int   // position of the record within its file
}

// Invisible reports whether the segment has an empty coverage interval.
// Invisible segments are never matched.
func (s Segment) Invisible() bool {
	return s.End < s.Begin
}

// Covers reports whether epoch falls inside the coverage interval widened
// by tolerance on both sides.
func (s Segment) Covers(epoch, tolerance float64) bool {
	if s.Invisible() {
		return false
	}
	return s.Begin-tolerance <= epoch && epoch <= s.End+tolerance
}

// Match is the answer to a successful lookup
type Match struct {
	ObjectID   int32      `json:"object_id"`
	Handle     Handle     `json:"handle"`
	Descriptor Descriptor `json:"descriptor"`
	Ident      string     `json:"segment_id"`
	Begin      float64    `json:"begin"`
	End        float64    `json:"end"`
}

// MatchOf builds the lookup answer for a segment. The answer owns its
// descriptor.
func MatchOf(s Segment) Match {
	return Match{
		ObjectID:   s.ObjectID,
		Handle:     s.Handle,
		Descriptor: s.Descriptor.Clone(),
		Ident:      s.Ident,
		Begin:      s.Begin,
		End:        s.End,
	}
}
