package archive

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// maxHashCount bounds the hash count accepted from a side file
const maxHashCount = 64

// BloomFilter is a probabilistic set of object ids
type BloomFilter struct {
	bits      *bitset.BitSet
	size      uint64
	hashCount uint64
}

// NewBloomFilter creates a bloom filter sized for the expected number of
// objects and false positive rate.
func NewBloomFilter(expectedElements int, falsePositiveRate float64) *BloomFilter {
	if expectedElements < 1 {
		expectedElements = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2), k = (m/n) * ln(2)
	size := uint64(-float64(expectedElements) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if size < 64 {
		size = 64
	}
	hashCount := uint64(float64(size) / float64(expectedElements) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}
	if hashCount > maxHashCount {
		hashCount = maxHashCount
	}

	return &BloomFilter{
		bits:      bitset.New(uint(size)),
		size:      size,
		hashCount: hashCount,
	}
}

// Add inserts an object id
func (bf *BloomFilter) Add(objectID int32) {
	h1, h2 := bf.hashes(objectID)
	for i := uint64(0); i < bf.hashCount; i++ {
		bf.bits.Set(uint((h1 + i*h2) % bf.size))
	}
}

// MayContain reports false only if the object id was never added
func (bf *BloomFilter) MayContain(objectID int32) bool {
	h1, h2 := bf.hashes(objectID)
	for i := uint64(0); i < bf.hashCount; i++ {
		if !bf.bits.Test(uint((h1 + i*h2) % bf.size)) {
			return false
		}
	}
	return true
}

// hashes splits one 64-bit hash into the two halves used for double
// hashing; the step is forced odd so it never degenerates to zero.
func (bf *BloomFilter) hashes(objectID int32) (uint64, uint64) {
	var key [4]byte
	binary.LittleEndian.PutUint32(key[:], uint32(objectID))
	h := xxhash.Sum64(key[:])
	return h & 0xffffffff, h>>32 | 1
}

// WriteTo serializes the filter: size u64 | hash count u64 | bitset
func (bf *BloomFilter) WriteTo(w io.Writer) (int64, error) {
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], bf.size)
	binary.LittleEndian.PutUint64(hdr[8:16], bf.hashCount)
	n, err := w.Write(hdr[:])
	if err != nil {
		return int64(n), err
	}
	m, err := bf.bits.WriteTo(w)
	return int64(n) + m, err
}

// ReadBloomFilter decodes a filter written by WriteTo
func ReadBloomFilter(r io.Reader) (*BloomFilter, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	bf := &BloomFilter{
		bits:      &bitset.BitSet{},
		size:      binary.LittleEndian.Uint64(hdr[0:8]),
		hashCount: binary.LittleEndian.Uint64(hdr[8:16]),
	}
	if bf.size == 0 || bf.hashCount == 0 {
		return nil, fmt.Errorf("invalid bloom filter parameters: size=%d hashes=%d", bf.size, bf.hashCount)
	}
	if bf.hashCount > maxHashCount {
		return nil, fmt.Errorf("bloom filter hash count %d exceeds %d", bf.hashCount, maxHashCount)
	}
	if _, err := bf.bits.ReadFrom(r); err != nil {
		return nil, err
	}
	if uint64(bf.bits.Len()) < bf.size {
		return nil, fmt.Errorf("bloom filter bitset holds %d bits, want %d", bf.bits.Len(), bf.size)
	}
	return bf, nil
}

// LoadBloomFilter reads the filter stored at path
func LoadBloomFilter(path string) (*BloomFilter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadBloomFilter(f)
}
