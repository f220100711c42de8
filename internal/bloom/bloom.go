// Package bloom implements the cache-local Bloom filters attached to klog
// files.
//
// All probes for a key land in one 64-byte block, so a membership check
// touches a single cache line. The filter is sized from a target false
// positive rate rather than a fixed bits-per-key.
//
// Layout: filter bits in 64-byte blocks, then a 5-byte trailer:
//
//	data[n-5] = 0xFF (format marker)
//	data[n-4] = 0x00 (block-local sub-format)
//	data[n-3] = probe count
//	data[n-2] = 0 (block size indicator: 64 bytes)
//	data[n-1] = 0 (reserved)
//
// A probe count of zero marks an always-false filter.
package bloom

import (
	"math"

	"github.com/zeebo/xxh3"
)

const (
	blockSize = 64
	blockBits = blockSize * 8

	// TrailerLen is the metadata suffix size.
	TrailerLen = 5

	formatMarker    = byte(0xFF)
	subFormatMarker = byte(0x00)

	maxProbes = 24
)

// BitsPerKey converts a false positive rate into the bits-per-key budget
// that achieves it: -ln(p) / ln(2)^2.
func BitsPerKey(fpr float64) int {
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.01
	}
	bits := int(math.Ceil(-math.Log(fpr) / (math.Ln2 * math.Ln2)))
	if bits < 1 {
		bits = 1
	}
	if bits > 50 {
		bits = 50
	}
	return bits
}

// numProbes is the optimal probe count for a bits-per-key budget,
// bitsPerKey * ln(2), clamped to the block-local maximum.
func numProbes(bitsPerKey int) int {
	p := int(float64(bitsPerKey)*math.Ln2 + 0.5)
	if p < 1 {
		p = 1
	}
	if p > maxProbes {
		p = maxProbes
	}
	return p
}

// Builder accumulates key hashes and emits a filter block.
type Builder struct {
	bitsPerKey int
	hashes     []uint64
}

// NewBuilder returns a builder targeting the given false positive rate.
func NewBuilder(fpr float64) *Builder {
	return &Builder{
		bitsPerKey: BitsPerKey(fpr),
		hashes:     make([]uint64, 0, 256),
	}
}

// Add records a key. Duplicate keys are harmless.
func (b *Builder) Add(key []byte) {
	b.hashes = append(b.hashes, xxh3.Hash(key))
}

// Count returns the number of keys added since the last Finish or Reset.
func (b *Builder) Count() int {
	return len(b.hashes)
}

// EstimatedSize returns the size Finish would currently produce.
func (b *Builder) EstimatedSize() int {
	if len(b.hashes) == 0 {
		return TrailerLen
	}
	return filterSize(len(b.hashes), b.bitsPerKey)
}

// Finish builds the filter block, including trailer, and resets the builder.
func (b *Builder) Finish() []byte {
	if len(b.hashes) == 0 {
		return []byte{formatMarker, subFormatMarker, 0, 0, 0}
	}

	total := filterSize(len(b.hashes), b.bitsPerKey)
	bitsLen := uint32(total - TrailerLen)
	probes := numProbes(b.bitsPerKey)

	data := make([]byte, total)
	for _, h := range b.hashes {
		addHash(h, bitsLen, probes, data)
	}
	data[bitsLen+0] = formatMarker
	data[bitsLen+1] = subFormatMarker
	data[bitsLen+2] = byte(probes)

	b.hashes = b.hashes[:0]
	return data
}

// Reset discards accumulated keys.
func (b *Builder) Reset() {
	b.hashes = b.hashes[:0]
}

// filterSize returns the byte size for numKeys at bitsPerKey, rounded up to
// whole blocks, trailer included.
func filterSize(numKeys, bitsPerKey int) int {
	totalBits := numKeys * bitsPerKey
	blocks := (totalBits + blockBits - 1) / blockBits
	if blocks == 0 {
		blocks = 1
	}
	return blocks*blockSize + TrailerLen
}

// Filter is a parsed filter block.
type Filter struct {
	data    []byte
	bitsLen uint32
	probes  int
}

// Parse interprets a filter block. It returns nil for unknown formats;
// callers treat a nil filter as "may contain".
func Parse(data []byte) *Filter {
	if len(data) < TrailerLen {
		return nil
	}
	bitsLen := len(data) - TrailerLen
	if data[bitsLen] != formatMarker || data[bitsLen+1] != subFormatMarker {
		return nil
	}
	probes := int(data[bitsLen+2])
	if probes == 0 {
		return &Filter{data: data}
	}
	if bitsLen%blockSize != 0 || bitsLen == 0 {
		return nil
	}
	return &Filter{data: data, bitsLen: uint32(bitsLen), probes: probes}
}

// MayContain reports whether key may be in the set. False means definitely
// absent.
func (f *Filter) MayContain(key []byte) bool {
	if f == nil {
		return true
	}
	if f.bitsLen == 0 || f.probes == 0 {
		return false
	}
	return mayMatch(xxh3.Hash(key), f.bitsLen, f.probes, f.data)
}

// fastRange32 maps h uniformly onto [0, n) without a modulo.
func fastRange32(h, n uint32) uint32 {
	return uint32((uint64(h) * uint64(n)) >> 32)
}

func addHash(hash uint64, bitsLen uint32, probes int, data []byte) {
	h1, h2 := uint32(hash), uint32(hash>>32)
	block := fastRange32(h1, bitsLen/blockSize) * blockSize
	h := h2
	for i := 0; i < probes; i++ {
		// 9-bit position within the 512-bit block.
		bitpos := h >> (32 - 9)
		data[block+bitpos>>3] |= 1 << (bitpos & 7)
		h *= 0x9e3779b9
	}
}

func mayMatch(hash uint64, bitsLen uint32, probes int, data []byte) bool {
	h1, h2 := uint32(hash), uint32(hash>>32)
	block := fastRange32(h1, bitsLen/blockSize) * blockSize
	h := h2
	for i := 0; i < probes; i++ {
		bitpos := h >> (32 - 9)
		if data[block+bitpos>>3]&(1<<(bitpos&7)) == 0 {
			return false
		}
		h *= 0x9e3779b9
	}
	return true
}
