// Package encoding provides binary encoding/decoding primitives shared by
// the on-disk formats: little-endian fixed-width integers, 7-bit varints
// with MSB continuation, and length-prefixed byte slices.
package encoding

import (
	"encoding/binary"
	"errors"
)

// MaxVarint64Length is the maximum number of bytes a varint64 can occupy.
const MaxVarint64Length = 10

var (
	// ErrBufferTooSmall is returned when the buffer doesn't have enough bytes.
	ErrBufferTooSmall = errors.New("encoding: buffer too small")

	// ErrVarintTermination is returned when a varint doesn't terminate properly.
	ErrVarintTermination = errors.New("encoding: varint not terminated")
)

// EncodeFixed32 encodes a uint32 into a 4-byte little-endian buffer.
// REQUIRES: dst has at least 4 bytes.
func EncodeFixed32(dst []byte, value uint32) {
	binary.LittleEndian.PutUint32(dst, value)
}

// DecodeFixed32 decodes a uint32 from a 4-byte little-endian buffer.
// REQUIRES: src has at least 4 bytes.
func DecodeFixed32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// EncodeFixed64 encodes a uint64 into an 8-byte little-endian buffer.
// REQUIRES: dst has at least 8 bytes.
func EncodeFixed64(dst []byte, value uint64) {
	binary.LittleEndian.PutUint64(dst, value)
}

// DecodeFixed64 decodes a uint64 from an 8-byte little-endian buffer.
// REQUIRES: src has at least 8 bytes.
func DecodeFixed64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// AppendFixed32 appends a little-endian uint32 to dst and returns the extended slice.
func AppendFixed32(dst []byte, value uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, value)
}

// AppendFixed64 appends a little-endian uint64 to dst and returns the extended slice.
func AppendFixed64(dst []byte, value uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, value)
}

// EncodeVarint64 encodes a uint64 as a varint into dst.
// Returns the number of bytes written.
// REQUIRES: dst has at least MaxVarint64Length bytes.
func EncodeVarint64(dst []byte, value uint64) int {
	const b = 128
	i := 0
	for value >= b {
		dst[i] = byte(value&(b-1)) | b
		value >>= 7
		i++
	}
	dst[i] = byte(value)
	return i + 1
}

// AppendVarint64 appends a uint64 as a varint to dst and returns the extended slice.
func AppendVarint64(dst []byte, value uint64) []byte {
	var buf [MaxVarint64Length]byte
	n := EncodeVarint64(buf[:], value)
	return append(dst, buf[:n]...)
}

// DecodeVarint64 decodes a varint-encoded uint64 from src.
// Returns the value and the number of bytes read.
func DecodeVarint64(src []byte) (value uint64, bytesRead int, err error) {
	var shift uint
	for i := 0; i < len(src) && i < MaxVarint64Length; i++ {
		b := src[i]
		if b < 128 {
			return value | uint64(b)<<shift, i + 1, nil
		}
		value |= uint64(b&127) << shift
		shift += 7
	}
	if len(src) >= MaxVarint64Length {
		return 0, 0, ErrVarintTermination
	}
	return 0, 0, ErrBufferTooSmall
}

// VarintLength returns the number of bytes needed to encode v as a varint.
func VarintLength(v uint64) int {
	n := 1
	for v >= 128 {
		v >>= 7
		n++
	}
	return n
}

// AppendLengthPrefixedSlice appends a varint length prefix followed by the
// slice contents to dst and returns the extended slice.
func AppendLengthPrefixedSlice(dst []byte, value []byte) []byte {
	dst = AppendVarint64(dst, uint64(len(value)))
	return append(dst, value...)
}

// DecodeLengthPrefixedSlice decodes a length-prefixed slice from src.
// The returned slice aliases src; callers must copy if they retain it.
func DecodeLengthPrefixedSlice(src []byte) (value []byte, bytesRead int, err error) {
	length, n, err := DecodeVarint64(src)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(src)-n) < length {
		return nil, 0, ErrBufferTooSmall
	}
	return src[n : n+int(length)], n + int(length), nil
}

// Slice is a cursor over a byte slice for sequential decoding.
type Slice struct {
	data []byte
	pos  int
}

// NewSlice creates a decoding cursor over data.
func NewSlice(data []byte) *Slice {
	return &Slice{data: data}
}

// Remaining returns the number of unread bytes.
func (s *Slice) Remaining() int {
	return len(s.data) - s.pos
}

// GetFixed32 reads a little-endian uint32.
func (s *Slice) GetFixed32() (uint32, bool) {
	if s.Remaining() < 4 {
		return 0, false
	}
	v := DecodeFixed32(s.data[s.pos:])
	s.pos += 4
	return v, true
}

// GetFixed64 reads a little-endian uint64.
func (s *Slice) GetFixed64() (uint64, bool) {
	if s.Remaining() < 8 {
		return 0, false
	}
	v := DecodeFixed64(s.data[s.pos:])
	s.pos += 8
	return v, true
}

// GetVarint64 reads a varint-encoded uint64.
func (s *Slice) GetVarint64() (uint64, bool) {
	v, n, err := DecodeVarint64(s.data[s.pos:])
	if err != nil {
		return 0, false
	}
	s.pos += n
	return v, true
}

// GetLengthPrefixedSlice reads a varint length followed by that many bytes.
// The returned slice aliases the underlying buffer.
func (s *Slice) GetLengthPrefixedSlice() ([]byte, bool) {
	v, n, err := DecodeLengthPrefixedSlice(s.data[s.pos:])
	if err != nil {
		return nil, false
	}
	s.pos += n
	return v, true
}

// GetBytes reads exactly n bytes. The returned slice aliases the buffer.
func (s *Slice) GetBytes(n int) ([]byte, bool) {
	if s.Remaining() < n {
		return nil, false
	}
	v := s.data[s.pos : s.pos+n]
	s.pos += n
	return v, true
}
