package model

import "time"

// KernelFile is a loaded archive as seen by a file table
type KernelFile struct {
	Handle   Handle `json:"handle"`
	Priority int64  `json:"priority"`
}

// KernelInfo describes a kernel loaded through the service layer
type KernelInfo struct {
	Path     string    `json:"path"`
	Family   string    `json:"family"`
	Handle   Handle    `json:"handle"`
	Priority int64     `json:"priority"`
	Records  int       `json:"records"`
	LoadedAt time.Time `json:"loaded_at"`
}

// ObjectState is the buffering state of one object id
type ObjectState string

const (
	ObjectStateAbsent   ObjectState = "absent"
	ObjectStatePartial  ObjectState = "partial"
	ObjectStateComplete ObjectState = "complete"
)

// LookupOutcome tells how a lookup was answered
type LookupOutcome string

const (
	OutcomeReuse      LookupOutcome = "reuse"
	OutcomeList       LookupOutcome = "list"
	OutcomeFile       LookupOutcome = "file"
	OutcomeUnbuffered LookupOutcome = "unbuffered"
	OutcomeMiss       LookupOutcome = "miss"
)

// EngineStats is a point-in-time view of an engine's bookkeeping
type EngineStats struct {
	Family      string `json:"family"`
	Files       int    `json:"files"`
	Objects     int    `json:"objects"`
	Segments    int    `json:"segments"`
	MaxFiles    int    `json:"max_files"`
	MaxObjects  int    `json:"max_objects"`
	MaxSegments int    `json:"max_segments"`

	Lookups    uint64 `json:"lookups"`
	ReuseHits  uint64 `json:"reuse_hits"`
	ListHits   uint64 `json:"list_hits"`
	FileHits   uint64 `json:"file_hits"`
	Unbuffered uint64 `json:"unbuffered"`
	Misses     uint64 `json:"misses"`
	FileScans  uint64 `json:"file_scans"`
	Evictions  uint64 `json:"evictions"`
}
