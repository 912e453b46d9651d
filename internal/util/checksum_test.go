package util

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum := ComputeChecksum(tt.data)
			assert.Equal(t, sum, ComputeChecksum(tt.data))
			assert.True(t, ValidateChecksum(tt.data, sum))
			assert.False(t, ValidateChecksum(tt.data, sum+1))
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var stream []byte
	stream = AppendFrame(stream, []byte("first"))
	stream = AppendFrame(stream, nil)
	stream = AppendFrame(stream, []byte("third"))

	r := bytes.NewReader(stream)
	var buf []byte

	got, err := ReadFrame(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	got, err = ReadFrame(r, got)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = ReadFrame(r, got)
	require.NoError(t, err)
	assert.Equal(t, "third", string(got))

	_, err = ReadFrame(r, got)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameDetectsDamage(t *testing.T) {
	frame := AppendFrame(nil, []byte("payload"))

	corrupted := append([]byte(nil), frame...)
	corrupted[len(corrupted)-1] ^= 0xFF
	_, err := ReadFrame(bytes.NewReader(corrupted), nil)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))

	_, err = ReadFrame(bytes.NewReader(frame[:len(frame)-2]), nil)
	assert.Equal(t, io.ErrUnexpectedEOF, err)

	_, err = ReadFrame(bytes.NewReader(frame[:3]), nil)
	assert.Equal(t, io.ErrUnexpectedEOF, err)

	huge := []byte{0xFF, 0xFF, 0xFF, 0x7F, 0, 0, 0, 0}
	_, err = ReadFrame(bytes.NewReader(huge), nil)
	assert.True(t, errors.Is(err, ErrFrameSize))
}
