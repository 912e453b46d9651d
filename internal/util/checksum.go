package util

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Record framing for archive files: [size int32][crc32 uint32][payload].
// Checksums use CRC32 with the IEEE polynomial.

const (
	// FrameHeaderSize is the size of the length and checksum prefix
	FrameHeaderSize = 8

	// MaxFrameSize bounds a single payload
	MaxFrameSize = 1 << 20
)

var (
	crc32Table = crc32.MakeTable(crc32.IEEE)

	// ErrChecksumMismatch is returned when a frame payload fails validation
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrFrameSize is returned for a negative or oversized frame length
	ErrFrameSize = errors.New("invalid frame size")
)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendFrame appends payload to dst with its length and checksum prefix
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = binary.LittleEndian.AppendUint32(dst, ComputeChecksum(payload))
	return append(dst, payload...)
}

// ReadFrame reads one frame from r, reusing buf when it is large enough.
// A clean end of input at a frame boundary returns io.EOF; a frame cut
// short returns io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	size := int32(binary.LittleEndian.Uint32(hdr[0:4]))
	if size < 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameSize, size)
	}
	expected := binary.LittleEndian.Uint32(hdr[4:8])

	if cap(buf) < int(size) {
		buf = make([]byte, size)
	}
	buf = buf[:size]
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if !ValidateChecksum(buf, expected) {
		return nil, fmt.Errorf("%w: expected %08x, got %08x",
			ErrChecksumMismatch, expected, ComputeChecksum(buf))
	}
	return buf, nil
}
