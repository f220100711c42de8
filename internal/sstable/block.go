// block.go implements the shared block codec: building, sealing with a
// compression byte and checksum, and decoding back into ordered records.
package sstable

import (
	"sort"

	"github.com/lodekv/lodekv/internal/checksum"
	"github.com/lodekv/lodekv/internal/compress"
	"github.com/lodekv/lodekv/internal/record"
)

// blockBuilder accumulates entry envelopes for one block.
type blockBuilder struct {
	buf      []byte
	count    int
	firstKey []byte // internal key of the first entry
}

func (b *blockBuilder) add(ik []byte, e *record.Entry) {
	if b.count == 0 {
		b.firstKey = append(b.firstKey[:0], ik...)
	}
	b.buf = record.AppendEntry(b.buf, e)
	b.count++
}

func (b *blockBuilder) size() int   { return len(b.buf) }
func (b *blockBuilder) empty() bool { return b.count == 0 }

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.count = 0
}

// sealBlock frames payload: length, stored bytes, compression byte,
// checksum. The checksum covers the stored bytes plus the compression byte.
func sealBlock(dst, payload []byte, comp compress.Type, ct checksum.Type) ([]byte, error) {
	stored, err := compress.Compress(comp, payload)
	if err != nil {
		return dst, err
	}
	// Compression can mark the block uncompressed when it does not help.
	storedComp := comp
	if len(stored) >= len(payload) && comp != compress.NoCompression {
		stored, storedComp = payload, compress.NoCompression
	}

	dst = appendUint32(dst, uint32(len(stored)))
	dst = append(dst, stored...)
	dst = append(dst, byte(storedComp))
	crc := checksum.Compute(ct, stored, byte(storedComp))
	return appendUint32(dst, crc), nil
}

func appendUint32(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// openBlock verifies and decompresses a framed block. framed must span the
// whole frame, header included.
func openBlock(framed []byte, ct checksum.Type) ([]byte, error) {
	if len(framed) < blockHeaderLen+blockTrailerLen {
		return nil, ErrCorruptTable
	}
	storedLen := int(getUint32(framed))
	if len(framed) != blockHeaderLen+storedLen+blockTrailerLen {
		return nil, ErrCorruptTable
	}
	stored := framed[blockHeaderLen : blockHeaderLen+storedLen]
	comp := compress.Type(framed[blockHeaderLen+storedLen])
	crc := getUint32(framed[blockHeaderLen+storedLen+1:])
	if !checksum.Verify(ct, stored, byte(comp), crc) {
		return nil, ErrCorruptTable
	}
	payload, err := compress.Decompress(comp, stored)
	if err != nil {
		return nil, ErrCorruptTable
	}
	return payload, nil
}

// frameLen returns the full frame size for a framed block whose header
// starts buf, or -1 if buf is too short to tell.
func frameLen(buf []byte) int {
	if len(buf) < blockHeaderLen {
		return -1
	}
	return blockHeaderLen + int(getUint32(buf)) + blockTrailerLen
}

// decodedBlock is a block's records, decoded and internally ordered.
// Entries alias the payload they were decoded from.
type decodedBlock struct {
	entries []record.Entry
	iks     [][]byte
}

func decodeBlockPayload(payload []byte) (*decodedBlock, error) {
	b := &decodedBlock{}
	rest := payload
	for len(rest) > 0 {
		var e record.Entry
		n, err := record.DecodeEntry(rest, &e)
		if err != nil {
			return nil, ErrCorruptTable
		}
		rest = rest[n:]
		b.entries = append(b.entries, e)
		b.iks = append(b.iks, record.MakeInternalKey(e.Key, e.Seq, e.Kind))
	}
	return b, nil
}

// search returns the index of the first record with internal key >= target,
// or len(entries) if none.
func (b *decodedBlock) search(cmp record.Compare, target []byte) int {
	return sort.Search(len(b.iks), func(i int) bool {
		return record.InternalCompare(cmp, b.iks[i], target) >= 0
	})
}
