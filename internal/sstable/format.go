// Package sstable implements the immutable on-disk tables: klog files
// holding keys (and small values inline), and vlog files holding large
// values referenced by pointer.
//
// A klog file supports two layouts sharing one block format:
//
//	Block layout:  data blocks | filter | sparse index | footer
//	B+tree layout: leaf blocks | internal nodes | filter | footer
//
// Every block is framed as
//
//	length uint32 | payload | compression byte | checksum uint32
//
// where the checksum covers the stored payload and the compression byte.
// Blocks are self-delimiting, so a sequential reader can walk data blocks
// without consulting the index.
package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/lodekv/lodekv/internal/checksum"
)

// Layout selects how keys are arranged inside a klog file.
type Layout uint8

const (
	// LayoutBlock is the sorted-blocks-plus-sparse-index arrangement.
	LayoutBlock Layout = 0
	// LayoutBTree arranges blocks as B+tree leaves under internal nodes.
	LayoutBTree Layout = 1
)

// String names the layout.
func (l Layout) String() string {
	switch l {
	case LayoutBlock:
		return "block"
	case LayoutBTree:
		return "btree"
	default:
		return fmt.Sprintf("layout(%d)", uint8(l))
	}
}

const (
	// klogMagic terminates every klog file.
	klogMagic uint64 = 0x4c4b566b4c4f4731 // "LKVkLOG1"

	// vlogMagic starts every vlog file.
	vlogMagic uint64 = 0x4c4b56764c4f4731 // "LKVvLOG1"

	// formatVersion is bumped on incompatible format changes.
	formatVersion uint16 = 1

	// blockTrailerLen is the compression byte + checksum suffix.
	blockTrailerLen = 5

	// blockHeaderLen is the length prefix.
	blockHeaderLen = 4

	// footerLen is the fixed encoded footer size.
	footerLen = 8*8 + 4 + 4 + 4 + 1 + 1 + 2 + 8
)

var (
	// ErrCorruptTable marks a structurally damaged klog file.
	ErrCorruptTable = errors.New("sstable: corrupt table")

	// ErrCorruptVlog marks a damaged vlog record.
	ErrCorruptVlog = errors.New("sstable: corrupt vlog record")

	// ErrClosed is returned by operations on closed readers or writers.
	ErrClosed = errors.New("sstable: closed")
)

// KlogFileName returns the klog path for a file number inside dir.
func KlogFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.klog", num))
}

// VlogFileName returns the vlog path for a file number inside dir.
func VlogFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.vlog", num))
}

// footer is the fixed-size trailer locating a klog's metadata and
// carrying the table's summary properties.
type footer struct {
	indexOff  uint64
	indexLen  uint64
	filterOff uint64
	filterLen uint64

	// B+tree root location; zero-length when layout is LayoutBlock.
	rootOff uint64

	numEntries uint64
	maxSeq     uint64

	// minExpiry is the earliest nonzero expiry in the table as unixnano,
	// zero when nothing expires.
	minExpiry uint64

	rootLen   uint32
	height    uint32
	leafCount uint32

	layout   Layout
	checksum checksum.Type
	version  uint16
}

func (f *footer) encode() []byte {
	buf := make([]byte, footerLen)
	binary.LittleEndian.PutUint64(buf[0:], f.indexOff)
	binary.LittleEndian.PutUint64(buf[8:], f.indexLen)
	binary.LittleEndian.PutUint64(buf[16:], f.filterOff)
	binary.LittleEndian.PutUint64(buf[24:], f.filterLen)
	binary.LittleEndian.PutUint64(buf[32:], f.rootOff)
	binary.LittleEndian.PutUint64(buf[40:], f.numEntries)
	binary.LittleEndian.PutUint64(buf[48:], f.maxSeq)
	binary.LittleEndian.PutUint64(buf[56:], f.minExpiry)
	binary.LittleEndian.PutUint32(buf[64:], f.rootLen)
	binary.LittleEndian.PutUint32(buf[68:], f.height)
	binary.LittleEndian.PutUint32(buf[72:], f.leafCount)
	buf[76] = byte(f.layout)
	buf[77] = byte(f.checksum)
	binary.LittleEndian.PutUint16(buf[78:], f.version)
	binary.LittleEndian.PutUint64(buf[80:], klogMagic)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	var f footer
	if len(buf) != footerLen {
		return f, ErrCorruptTable
	}
	if binary.LittleEndian.Uint64(buf[80:]) != klogMagic {
		return f, ErrCorruptTable
	}
	f.indexOff = binary.LittleEndian.Uint64(buf[0:])
	f.indexLen = binary.LittleEndian.Uint64(buf[8:])
	f.filterOff = binary.LittleEndian.Uint64(buf[16:])
	f.filterLen = binary.LittleEndian.Uint64(buf[24:])
	f.rootOff = binary.LittleEndian.Uint64(buf[32:])
	f.numEntries = binary.LittleEndian.Uint64(buf[40:])
	f.maxSeq = binary.LittleEndian.Uint64(buf[48:])
	f.minExpiry = binary.LittleEndian.Uint64(buf[56:])
	f.rootLen = binary.LittleEndian.Uint32(buf[64:])
	f.height = binary.LittleEndian.Uint32(buf[68:])
	f.leafCount = binary.LittleEndian.Uint32(buf[72:])
	f.layout = Layout(buf[76])
	f.checksum = checksum.Type(buf[77])
	f.version = binary.LittleEndian.Uint16(buf[78:])
	if f.version != formatVersion {
		return f, ErrCorruptTable
	}
	if f.layout != LayoutBlock && f.layout != LayoutBTree {
		return f, ErrCorruptTable
	}
	return f, nil
}
