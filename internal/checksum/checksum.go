// Package checksum provides the checksum algorithms used by the on-disk
// formats: CRC32C (Castagnoli, stored masked), XXHash64, and XXH3.
//
// Block and record checksums cover the payload plus one trailing byte (the
// compression type for blocks) so that the trailer byte is protected without
// being part of the buffer.
package checksum

import (
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"
)

// Type identifies a checksum algorithm. The value is persisted in file
// trailers and must not change.
type Type uint8

const (
	// TypeNoChecksum disables checksumming.
	TypeNoChecksum Type = 0
	// TypeCRC32C is CRC32C (Castagnoli), stored masked.
	TypeCRC32C Type = 1
	// TypeXXHash64 is XXHash64 truncated to 32 bits.
	TypeXXHash64 Type = 2
	// TypeXXH3 is XXH3 truncated to 32 bits.
	TypeXXH3 Type = 3
)

// String returns a human-readable name for the checksum type.
func (t Type) String() string {
	switch t {
	case TypeNoChecksum:
		return "NoChecksum"
	case TypeCRC32C:
		return "CRC32C"
	case TypeXXHash64:
		return "XXHash64"
	case TypeXXH3:
		return "XXH3"
	default:
		return "Unknown"
	}
}

// IsSupported reports whether t is a known checksum type.
func (t Type) IsSupported() bool {
	return t <= TypeXXH3
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// maskDelta is the constant added during CRC masking.
const maskDelta = 0xa282ead8

// CRC32C computes the CRC32C checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// ExtendCRC32C computes the CRC32C of concat(A, data) where initCRC is the
// CRC32C of A.
func ExtendCRC32C(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, crc32cTable, data)
}

// Mask returns a masked representation of crc. CRCs stored in files are
// masked so that computing the CRC of a buffer that embeds CRCs stays
// well-behaved.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask returns the crc whose masked representation is maskedCRC.
func Unmask(maskedCRC uint32) uint32 {
	rot := maskedCRC - maskDelta
	return (rot >> 17) | (rot << 15)
}

// XXH3Sum64 computes the 64-bit XXH3 hash of data. Used by bloom filters and
// anywhere a full-width hash is wanted.
func XXH3Sum64(data []byte) uint64 {
	return xxh3.Hash(data)
}

// XXH3SumSeed computes the seeded 64-bit XXH3 hash of data.
func XXH3SumSeed(data []byte, seed uint64) uint64 {
	return xxh3.HashSeed(data, seed)
}

// Compute computes a checksum of the given type over data followed by
// lastByte. The result of TypeCRC32C is masked.
func Compute(t Type, data []byte, lastByte byte) uint32 {
	switch t {
	case TypeCRC32C:
		crc := ExtendCRC32C(CRC32C(data), []byte{lastByte})
		return Mask(crc)
	case TypeXXHash64:
		d := xxhash.New()
		_, _ = d.Write(data)
		_, _ = d.Write([]byte{lastByte})
		return uint32(d.Sum64())
	case TypeXXH3:
		h := xxh3.New()
		_, _ = h.Write(data)
		_, _ = h.Write([]byte{lastByte})
		return uint32(h.Sum64())
	case TypeNoChecksum:
		return 0
	default:
		return 0
	}
}

// Verify reports whether the stored checksum matches data+lastByte under
// type t. TypeNoChecksum always verifies.
func Verify(t Type, data []byte, lastByte byte, stored uint32) bool {
	if t == TypeNoChecksum {
		return true
	}
	return Compute(t, data, lastByte) == stored
}
