package bsr

import "github.com/devrev/bsr/internal/model"

// DescriptorSource yields the summary records of loaded files. Records
// are produced in on-disk order; when two records for the same object
// overlap in time, the later one takes precedence.
type DescriptorSource interface {
	// Scan starts a forward pass over the records of the file
	Scan(h model.Handle) (DescriptorIterator, error)
}

// DescriptorIterator walks the records of one file
type DescriptorIterator interface {
	Next() bool
	Record() model.SummaryRecord
	Err() error
	Close() error
}

// ObjectFilter may be implemented by a DescriptorSource that can rule out
// files cheaply. MayContain must never report false for a file that holds
// a record for the object.
type ObjectFilter interface {
	MayContain(h model.Handle, objectID int32) bool
}
