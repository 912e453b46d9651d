// Package family describes the on-disk summary layouts of the kernel
// families served by the engine. The engine itself is layout agnostic; a
// Family tells it where the object id and the coverage interval live.
package family

import (
	"strings"

	"github.com/devrev/bsr/internal/errors"
	"github.com/devrev/bsr/internal/model"
)

// Family decodes the descriptors of one kernel family
type Family interface {
	// Name is the short family tag stored in archive headers
	Name() string

	// Shape returns the number of double and integer summary components
	Shape() (nd, ni int)

	// MaxFiles is the ceiling on simultaneously loaded files
	MaxFiles() int

	// ObjectID returns the object the descriptor belongs to
	ObjectID(d model.Descriptor) int32

	// Bounds returns the coverage interval of the descriptor
	Bounds(d model.Descriptor) (begin, end float64)

	// Compose builds a descriptor with the given key fields set and every
	// other component zeroed.
	Compose(objectID int32, begin, end float64) model.Descriptor
}

// Validate checks that d has the shape the family expects
func Validate(f Family, d model.Descriptor) error {
	nd, ni := f.Shape()
	if len(d.DC) != nd || len(d.IC) != ni {
		return errors.CorruptedData("descriptor shape mismatch", nil).
			WithDetail("family", f.Name()).
			WithDetail("nd", len(d.DC)).
			WithDetail("ni", len(d.IC))
	}
	return nil
}

// Families lists the supported families in lookup order
func Families() []Family {
	return []Family{SPK, CK, PCK}
}

// Lookup finds a family by name, case-insensitively
func Lookup(name string) (Family, error) {
	for _, f := range Families() {
		if strings.EqualFold(f.Name(), name) {
			return f, nil
		}
	}
	return nil, errors.UnknownFamily(name)
}

// layout is the common "object id in IC[0], interval in DC[0:2]" decoder;
// the families differ only in tag, integer count and file ceiling.
type layout struct {
	name     string
	nd, ni   int
	maxFiles int
}

func (l layout) Name() string { return l.name }
func (l layout) Shape() (int, int) { return l.nd, l.ni }
func (l layout) MaxFiles() int { return l.maxFiles }
func (l layout) ObjectID(d model.Descriptor) int32 { return d.IC[0] }

func (l layout) Bounds(d model.Descriptor) (float64, float64) {
	return d.DC[0], d.DC[1]
}

func (l layout) Compose(objectID int32, begin, end float64) model.Descriptor {
	d := model.Descriptor{
		DC: make([]float64, l.nd),
		IC: make([]int32, l.ni),
	}
	d.DC[0], d.DC[1] = begin, end
	d.IC[0] = objectID
	return d
}

var (
	// SPK ephemeris summaries: body, center, frame, type, begin and end address
	SPK Family = layout{name: "SPK", nd: 2, ni: 6, maxFiles: 5000}

	// CK pointing summaries: instrument, frame, type, rates flag, begin and
	// end address. Bounds are encoded spacecraft clock.
	CK Family = layout{name: "CK", nd: 2, ni: 6, maxFiles: 1000}

	// PCK orientation summaries: frame class id, frame, type, begin and end address
	PCK Family = layout{name: "PCK", nd: 2, ni: 5, maxFiles: 100}
)
