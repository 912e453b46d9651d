package archive

import (
	"bufio"
	stderrors "errors"
	"io"
	"os"

	"github.com/devrev/bsr/internal/errors"
	"github.com/devrev/bsr/internal/family"
	"github.com/devrev/bsr/internal/model"
	"github.com/devrev/bsr/internal/util"
)

// Reader gives read access to one kernel archive. Scans use independent
// section readers, so several may run at once.
type Reader struct {
	path      string
	file      *os.File
	fam       family.Family
	nd, ni    int
	dataStart int64
	dataEnd   int64
	records   int
	bloom     *BloomFilter
}

// Open opens the archive at path, checks every record checksum and loads
// the bloom filter side file when there is one.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.SourceFailed("failed to open archive", err).WithDetail("path", path)
	}

	r, err := newReader(path, file)
	if err != nil {
		file.Close()
		if be, ok := err.(*errors.BSRError); ok {
			return nil, be.WithDetail("path", path)
		}
		return nil, err
	}
	return r, nil
}

func newReader(path string, file *os.File) (*Reader, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, errors.SourceFailed("failed to stat archive", err)
	}

	hdr, n, err := readHeader(file)
	if err != nil {
		return nil, err
	}
	fam, err := family.Lookup(hdr.family)
	if err != nil {
		return nil, errors.CorruptedData("archive names an unknown family", err)
	}
	if nd, ni := fam.Shape(); nd != hdr.nd || ni != hdr.ni {
		return nil, errors.CorruptedData("archive shape does not match its family", nil).
			WithDetail("family", fam.Name()).
			WithDetail("nd", hdr.nd).
			WithDetail("ni", hdr.ni)
	}

	r := &Reader{
		path:      path,
		file:      file,
		fam:       fam,
		nd:        hdr.nd,
		ni:        hdr.ni,
		dataStart: n,
		dataEnd:   info.Size(),
	}

	it := r.Scan()
	for it.Next() {
		r.records++
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	bloom, err := LoadBloomFilter(path + bloomSuffix)
	switch {
	case err == nil:
		r.bloom = bloom
	case !stderrors.Is(err, os.ErrNotExist):
		return nil, errors.CorruptedData("failed to read bloom filter", err)
	}
	return r, nil
}

// Path returns the path the archive was opened from
func (r *Reader) Path() string {
	return r.path
}

// Family returns the archive family
func (r *Reader) Family() family.Family {
	return r.fam
}

// Shape returns the descriptor shape stored in the header
func (r *Reader) Shape() (nd, ni int) {
	return r.nd, r.ni
}

// Records returns the number of records in the archive
func (r *Reader) Records() int {
	return r.records
}

// MayContain reports whether the archive may hold records for objectID.
// Without a bloom filter every object may be present.
func (r *Reader) MayContain(objectID int32) bool {
	if r.bloom == nil {
		return true
	}
	return r.bloom.MayContain(objectID)
}

// Scan starts a pass over the records in file order
func (r *Reader) Scan() *Iterator {
	section := io.NewSectionReader(r.file, r.dataStart, r.dataEnd-r.dataStart)
	return &Iterator{
		src: bufio.NewReader(section),
		nd:  r.nd,
		ni:  r.ni,
	}
}

// Close closes the archive file
func (r *Reader) Close() error {
	return r.file.Close()
}

// Iterator walks the records of an archive
type Iterator struct {
	src    *bufio.Reader
	nd, ni int
	buf    []byte
	rec    model.SummaryRecord
	err    error
	done   bool
}

// Next advances to the next record
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}

	payload, err := util.ReadFrame(it.src, it.buf)
	if err != nil {
		it.done = true
		if err != io.EOF {
			it.err = errors.CorruptedData("failed to read archive record", err)
		}
		return false
	}
	it.buf = payload

	rec, err := decodeRecord(payload, it.nd, it.ni)
	if err != nil {
		it.done = true
		it.err = err
		return false
	}
	it.rec = rec
	return true
}

// Record returns the current record
func (it *Iterator) Record() model.SummaryRecord {
	return it.rec
}

// Err returns the error that stopped the iteration, if any
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the iterator
func (it *Iterator) Close() error {
	it.done = true
	return nil
}
