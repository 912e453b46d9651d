// Package archive reads and writes kernel archives: checksummed files of
// summary records for one kernel family, each with a bloom filter side
// file over the object ids it contains.
package archive

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/devrev/bsr/internal/errors"
	"github.com/devrev/bsr/internal/model"
)

const (
	magic         = "BSRK"
	formatVersion = uint16(1)
	bloomSuffix   = ".bloom"
)

// header is the archive preamble:
// magic | version u16 | family len u8 + bytes | nd u16 | ni u16
type header struct {
	family string
	nd, ni int
}

func (h header) encode() []byte {
	buf := []byte(magic)
	buf = binary.LittleEndian.AppendUint16(buf, formatVersion)
	buf = append(buf, byte(len(h.family)))
	buf = append(buf, h.family...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(h.nd))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(h.ni))
	return buf
}

// readHeader decodes the preamble and returns it with its encoded size
func readHeader(r io.Reader) (header, int64, error) {
	var fixed [7]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return header{}, 0, errors.CorruptedData("short archive header", err)
	}
	if string(fixed[:4]) != magic {
		return header{}, 0, errors.CorruptedData("not a kernel archive", nil)
	}
	if v := binary.LittleEndian.Uint16(fixed[4:6]); v != formatVersion {
		return header{}, 0, errors.CorruptedData(fmt.Sprintf("unsupported archive version %d", v), nil)
	}

	name := make([]byte, fixed[6])
	if _, err := io.ReadFull(r, name); err != nil {
		return header{}, 0, errors.CorruptedData("short archive header", err)
	}
	var shape [4]byte
	if _, err := io.ReadFull(r, shape[:]); err != nil {
		return header{}, 0, errors.CorruptedData("short archive header", err)
	}

	h := header{
		family: string(name),
		nd:     int(binary.LittleEndian.Uint16(shape[0:2])),
		ni:     int(binary.LittleEndian.Uint16(shape[2:4])),
	}
	return h, int64(len(fixed) + len(name) + len(shape)), nil
}

// encodeRecord appends the record payload:
// nd float64 | ni int32 | ident len u16 + bytes
func encodeRecord(dst []byte, rec model.SummaryRecord) ([]byte, error) {
	if len(rec.Ident) > math.MaxUint16 {
		return nil, errors.InvalidArgument("segment identifier too long", nil).
			WithDetail("length", len(rec.Ident))
	}
	for _, v := range rec.Descriptor.DC {
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
	}
	for _, v := range rec.Descriptor.IC {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(v))
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(rec.Ident)))
	return append(dst, rec.Ident...), nil
}

func decodeRecord(payload []byte, nd, ni int) (model.SummaryRecord, error) {
	fixed := nd*8 + ni*4
	if len(payload) < fixed+2 {
		return model.SummaryRecord{}, errors.CorruptedData("record too short", nil).
			WithDetail("size", len(payload))
	}

	d := model.Descriptor{
		DC: make([]float64, nd),
		IC: make([]int32, ni),
	}
	off := 0
	for i := range d.DC {
		d.DC[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[off:]))
		off += 8
	}
	for i := range d.IC {
		d.IC[i] = int32(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
	}

	n := int(binary.LittleEndian.Uint16(payload[off:]))
	off += 2
	if len(payload) != off+n {
		return model.SummaryRecord{}, errors.CorruptedData("record identifier length mismatch", nil).
			WithDetail("size", len(payload)).
			WithDetail("ident_length", n)
	}

	return model.SummaryRecord{Descriptor: d, Ident: string(payload[off:])}, nil
}
