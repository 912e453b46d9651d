package archive

import (
	"bufio"
	"fmt"
	"os"

	"github.com/devrev/bsr/internal/family"
	"github.com/devrev/bsr/internal/model"
	"github.com/devrev/bsr/internal/util"
	"go.uber.org/multierr"
)

// WriterConfig holds archive writer configuration
type WriterConfig struct {
	BloomFilterFP   float64
	ExpectedObjects int
}

// DefaultWriterConfig returns the settings used when none are given
func DefaultWriterConfig() *WriterConfig {
	return &WriterConfig{
		BloomFilterFP:   0.01,
		ExpectedObjects: 1000,
	}
}

// Writer writes summary records to a kernel archive
type Writer struct {
	dataFile    *os.File
	bloomFile   *os.File
	data        *bufio.Writer
	fam         family.Family
	bloomFilter *BloomFilter
	scratch     []byte
	frame       []byte
	records     int
	offset      int64
}

// NewWriter creates the archive at path and writes its header
func NewWriter(path string, fam family.Family, config *WriterConfig) (*Writer, error) {
	if config == nil {
		config = DefaultWriterConfig()
	}

	dataFile, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create data file: %w", err)
	}

	bloomFile, err := os.Create(path + bloomSuffix)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("failed to create bloom file: %w", err)
	}

	nd, ni := fam.Shape()
	w := &Writer{
		dataFile:    dataFile,
		bloomFile:   bloomFile,
		data:        bufio.NewWriter(dataFile),
		fam:         fam,
		bloomFilter: NewBloomFilter(config.ExpectedObjects, config.BloomFilterFP),
	}

	hdr := header{family: fam.Name(), nd: nd, ni: ni}.encode()
	if _, err := w.data.Write(hdr); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	w.offset = int64(len(hdr))
	return w, nil
}

// Write appends one record, in the order it will be scanned
func (w *Writer) Write(rec model.SummaryRecord) error {
	if err := family.Validate(w.fam, rec.Descriptor); err != nil {
		return err
	}

	payload, err := encodeRecord(w.scratch[:0], rec)
	if err != nil {
		return err
	}
	w.scratch = payload
	w.frame = util.AppendFrame(w.frame[:0], payload)

	n, err := w.data.Write(w.frame)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	w.bloomFilter.Add(w.fam.ObjectID(rec.Descriptor))
	w.records++
	w.offset += int64(n)
	return nil
}

// Finalize flushes the records, writes the bloom filter and syncs both files
func (w *Writer) Finalize() error {
	if err := w.data.Flush(); err != nil {
		return fmt.Errorf("failed to flush data file: %w", err)
	}
	if _, err := w.bloomFilter.WriteTo(w.bloomFile); err != nil {
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}

	if err := w.dataFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync data file: %w", err)
	}
	if err := w.bloomFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync bloom file: %w", err)
	}
	return nil
}

// Records returns the number of records written
func (w *Writer) Records() int {
	return w.records
}

// Size returns the current size of the data file
func (w *Writer) Size() int64 {
	return w.offset
}

// Close closes both files
func (w *Writer) Close() error {
	return multierr.Combine(w.dataFile.Close(), w.bloomFile.Close())
}

// Create writes a complete archive holding recs in order
func Create(path string, fam family.Family, recs []model.SummaryRecord, config *WriterConfig) (err error) {
	w, err := NewWriter(path, fam, config)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, w.Close())
	}()

	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return w.Finalize()
}
