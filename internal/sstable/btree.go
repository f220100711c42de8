// btree.go implements the node format shared by the B+tree layout's
// internal nodes and the block layout's sparse index.
//
// A node payload is a count-prefixed run of child references, each holding
// a separator key and the (offset, length) span of the child. For the
// B+tree the separator is the full internal key of the child's first
// entry; for the sparse index it is a truncated user-key prefix. Nodes are
// sealed with the same framing as entry blocks.
//
// B+tree leaves are entry blocks prefixed by a fixed link header carrying
// the previous leaf's span, so backward scans jump leaf to leaf without
// consulting the tree. The forward chain needs no pointer: leaves are
// written adjacently and frames are self-delimiting.
package sstable

import (
	"encoding/binary"
)

const (
	// leafLinkLen is the fixed header before each leaf frame:
	// previous leaf offset (8 bytes) and previous leaf span (4 bytes).
	leafLinkLen = 12

	// nilOffset marks a missing leaf link.
	nilOffset = ^uint64(0)
)

// childRef points a parent at one child: a leaf, an internal node, or (for
// the sparse index) a sampled data block.
type childRef struct {
	sep    []byte
	off    uint64
	length uint32
}

func appendNodePayload(dst []byte, children []childRef) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(children)))
	for i := range children {
		c := &children[i]
		dst = binary.AppendUvarint(dst, uint64(len(c.sep)))
		dst = append(dst, c.sep...)
		dst = binary.AppendUvarint(dst, c.off)
		dst = binary.AppendUvarint(dst, uint64(c.length))
	}
	return dst
}

func decodeNodePayload(payload []byte) ([]childRef, error) {
	count, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, ErrCorruptTable
	}
	rest := payload[n:]
	children := make([]childRef, 0, count)
	for i := uint64(0); i < count; i++ {
		sepLen, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest)-n) < sepLen {
			return nil, ErrCorruptTable
		}
		sep := rest[n : n+int(sepLen)]
		rest = rest[n+int(sepLen):]

		off, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, ErrCorruptTable
		}
		rest = rest[n:]

		length, n := binary.Uvarint(rest)
		if n <= 0 || length > uint64(^uint32(0)) {
			return nil, ErrCorruptTable
		}
		rest = rest[n:]

		children = append(children, childRef{sep: sep, off: off, length: uint32(length)})
	}
	if len(rest) != 0 {
		return nil, ErrCorruptTable
	}
	return children, nil
}

// childRefEncodedSize returns the encoded size contribution of one child,
// used by the writer to split levels into roughly block-sized nodes.
func childRefEncodedSize(c *childRef) int {
	return uvarintLen(uint64(len(c.sep))) + len(c.sep) +
		uvarintLen(c.off) + uvarintLen(uint64(c.length))
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func appendLeafLink(dst []byte, prevOff uint64, prevLen uint32) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, prevOff)
	return binary.LittleEndian.AppendUint32(dst, prevLen)
}

func decodeLeafLink(buf []byte) (prevOff uint64, prevLen uint32) {
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint32(buf[8:12])
}
