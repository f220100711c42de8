// writer.go implements SSTable construction. Entries arrive in internal
// key order; the writer routes oversized values to the vlog, groups the
// rest into sealed blocks, and finishes with the layout's lookup
// structure, the optional bloom filter, and the footer.
package sstable

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"

	"github.com/lodekv/lodekv/internal/bloom"
	"github.com/lodekv/lodekv/internal/checksum"
	"github.com/lodekv/lodekv/internal/compress"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/vfs"
)

const (
	// DefaultBlockSize is the target uncompressed payload size per block.
	DefaultBlockSize = 4 << 10

	// DefaultIndexSampleRatio is the sparse index sampling interval.
	DefaultIndexSampleRatio = 4
)

var (
	// ErrOutOfOrder reports an Add that does not follow internal key order.
	ErrOutOfOrder = errors.New("sstable: entry added out of order")

	// ErrEmptyTable reports a Finish with no entries added.
	ErrEmptyTable = errors.New("sstable: table has no entries")
)

// WriterOptions configures table construction.
type WriterOptions struct {
	Layout Layout

	// BlockSize bounds the uncompressed payload of entry blocks and tree
	// nodes. Zero means DefaultBlockSize.
	BlockSize int

	// IndexSampleRatio keeps every Nth block in the sparse index (block
	// layout only). Zero means DefaultIndexSampleRatio.
	IndexSampleRatio int

	// BlockIndexPrefixLen truncates sparse index separators to this many
	// user key bytes. Zero keeps full keys. Truncation requires a
	// comparator under which prefixes order consistently with full keys.
	BlockIndexPrefixLen int

	Compression compress.Type
	Checksum    checksum.Type

	// BloomFPR is the filter's target false-positive rate. Zero or
	// negative disables the filter.
	BloomFPR float64

	// VlogThreshold routes values of at least this many bytes to the
	// vlog. Zero or negative keeps all values inline.
	VlogThreshold int

	// Comparator orders user keys. Nil means bytewise.
	Comparator record.Compare
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.IndexSampleRatio <= 0 {
		o.IndexSampleRatio = DefaultIndexSampleRatio
	}
	if o.Comparator == nil {
		o.Comparator = bytes.Compare
	}
	if !o.Compression.IsSupported() {
		o.Compression = compress.NoCompression
	}
	if !o.Checksum.IsSupported() {
		o.Checksum = checksum.TypeCRC32C
	}
	return o
}

// TableInfo summarizes a finished table for level bookkeeping.
type TableInfo struct {
	// Smallest and Largest are the first and last internal keys.
	Smallest []byte
	Largest  []byte

	NumEntries uint64
	MaxSeq     record.SeqNum
	KlogSize   uint64
	VlogSize   uint64
	Layout     Layout

	// KeyBytes and ValueBytes total the user key and value lengths, for
	// average-size stats. Values already separated when added count their
	// stored span.
	KeyBytes   uint64
	ValueBytes uint64

	// MinExpiry is the earliest nonzero expiry in the table as unixnano,
	// zero when nothing expires.
	MinExpiry int64

	// NumBlocks counts entry blocks (leaves under LayoutBTree).
	NumBlocks uint32

	// Height is the tree height including the leaf level, zero for
	// LayoutBlock.
	Height uint32
}

// Writer builds one table. Not safe for concurrent use.
type Writer struct {
	fs       vfs.FS
	klogPath string
	vlogPath string
	f        vfs.WritableFile
	w        *bufio.Writer
	opts     WriterOptions
	vlog     *VlogWriter
	filter   *bloom.Builder

	block    blockBuilder
	off      uint64
	blockSeq uint32

	index  []childRef // sampled blocks, LayoutBlock
	leaves []childRef // leaf refs, LayoutBTree

	prevLeafOff uint64
	prevLeafLen uint32

	lastIK     []byte
	smallest   []byte
	largest    []byte
	numEntries uint64
	keyBytes   uint64
	valueBytes uint64
	maxSeq     record.SeqNum
	minExpiry  int64

	sealBuf []byte
	nodeBuf []byte
	linkBuf []byte

	finished bool
	ok       bool
}

// NewWriter creates the klog at klogPath and, when opts.VlogThreshold is
// positive and vlogPath is non-empty, a vlog alongside it.
func NewWriter(fs vfs.FS, klogPath, vlogPath string, opts WriterOptions) (*Writer, error) {
	opts = opts.withDefaults()
	f, err := fs.Create(klogPath)
	if err != nil {
		return nil, err
	}
	var vlog *VlogWriter
	if opts.VlogThreshold > 0 && vlogPath != "" {
		vlog, err = NewVlogWriter(fs, vlogPath, opts.Compression, opts.Checksum)
		if err != nil {
			f.Close()
			fs.Remove(klogPath)
			return nil, err
		}
	}
	var filter *bloom.Builder
	if opts.BloomFPR > 0 {
		filter = bloom.NewBuilder(opts.BloomFPR)
	}
	return &Writer{
		fs:          fs,
		klogPath:    klogPath,
		vlogPath:    vlogPath,
		f:           f,
		w:           bufio.NewWriterSize(f, 64<<10),
		opts:        opts,
		vlog:        vlog,
		filter:      filter,
		prevLeafOff: nilOffset,
	}, nil
}

// Add appends one entry. Entries must arrive in strictly ascending
// internal key order. Values already carrying a vlog pointer pass through
// unchanged; the caller owns that vlog's lifetime.
func (w *Writer) Add(e *record.Entry) error {
	if w.finished {
		return ErrClosed
	}
	ik := record.MakeInternalKey(e.Key, e.Seq, e.Kind)
	if w.lastIK != nil && record.InternalCompare(w.opts.Comparator, ik, w.lastIK) <= 0 {
		return fmt.Errorf("%w: key %q", ErrOutOfOrder, e.Key)
	}
	w.lastIK = append(w.lastIK[:0], ik...)

	ent := *e
	if w.vlog != nil && !ent.Vlog && ent.Kind == record.KindValue && len(ent.Value) >= w.opts.VlogThreshold {
		off, span, err := w.vlog.Append(ent.Value)
		if err != nil {
			return err
		}
		ent.Vlog, ent.VOffset, ent.VLen, ent.Value = true, off, span, nil
	}

	if w.filter != nil {
		w.filter.Add(ent.Key)
	}
	if w.smallest == nil {
		w.smallest = append([]byte(nil), ik...)
	}
	w.largest = append(w.largest[:0], ik...)
	if ent.Seq > w.maxSeq {
		w.maxSeq = ent.Seq
	}
	if ent.Expiry > 0 && (w.minExpiry == 0 || ent.Expiry < w.minExpiry) {
		w.minExpiry = ent.Expiry
	}
	w.numEntries++
	w.keyBytes += uint64(len(e.Key))
	if e.Vlog {
		w.valueBytes += uint64(e.VLen)
	} else {
		w.valueBytes += uint64(len(e.Value))
	}

	w.block.add(ik, &ent)
	if w.block.size() >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.block.empty() {
		return nil
	}
	frame, err := sealBlock(w.sealBuf[:0], w.block.buf, w.opts.Compression, w.opts.Checksum)
	if err != nil {
		return err
	}
	w.sealBuf = frame

	switch w.opts.Layout {
	case LayoutBTree:
		span := uint32(leafLinkLen + len(frame))
		w.linkBuf = appendLeafLink(w.linkBuf[:0], w.prevLeafOff, w.prevLeafLen)
		leafOff := w.off
		if err := w.write(w.linkBuf); err != nil {
			return err
		}
		if err := w.write(frame); err != nil {
			return err
		}
		w.leaves = append(w.leaves, childRef{
			sep:    append([]byte(nil), w.block.firstKey...),
			off:    leafOff,
			length: span,
		})
		w.prevLeafOff, w.prevLeafLen = leafOff, span

	default:
		if w.blockSeq%uint32(w.opts.IndexSampleRatio) == 0 {
			w.index = append(w.index, childRef{
				sep:    w.indexSeparator(w.block.firstKey),
				off:    w.off,
				length: uint32(len(frame)),
			})
		}
		if err := w.write(frame); err != nil {
			return err
		}
	}

	w.blockSeq++
	w.block.reset()
	return nil
}

// indexSeparator derives the sparse index separator from a block's first
// internal key: its user key, prefix-truncated when configured.
func (w *Writer) indexSeparator(ik []byte) []byte {
	user := record.UserKey(ik)
	if n := w.opts.BlockIndexPrefixLen; n > 0 && len(user) > n {
		user = user[:n]
	}
	return append([]byte(nil), user...)
}

func (w *Writer) write(buf []byte) error {
	if _, err := w.w.Write(buf); err != nil {
		return err
	}
	w.off += uint64(len(buf))
	return nil
}

// writeNodeLevel seals level's refs into nodes of roughly BlockSize and
// returns the refs of the level above. Every node spans at least two
// children when the level has them, so levels strictly shrink.
func (w *Writer) writeNodeLevel(level []childRef) ([]childRef, error) {
	var next []childRef
	emit := func(children []childRef) error {
		w.nodeBuf = appendNodePayload(w.nodeBuf[:0], children)
		frame, err := sealBlock(w.sealBuf[:0], w.nodeBuf, w.opts.Compression, w.opts.Checksum)
		if err != nil {
			return err
		}
		w.sealBuf = frame
		off := w.off
		if err := w.write(frame); err != nil {
			return err
		}
		next = append(next, childRef{sep: children[0].sep, off: off, length: uint32(len(frame))})
		return nil
	}

	start, size := 0, 0
	for i := range level {
		sz := childRefEncodedSize(&level[i])
		if i-start >= 2 && size+sz > w.opts.BlockSize {
			if err := emit(level[start:i]); err != nil {
				return nil, err
			}
			start, size = i, 0
		}
		size += sz
	}
	if err := emit(level[start:]); err != nil {
		return nil, err
	}
	return next, nil
}

// Finish flushes all pending state, writes the footer, and syncs both
// files. The writer is unusable afterwards.
func (w *Writer) Finish() (*TableInfo, error) {
	if w.finished {
		return nil, ErrClosed
	}
	w.finished = true
	if w.numEntries == 0 {
		w.closeFiles()
		return nil, ErrEmptyTable
	}
	if err := w.flushBlock(); err != nil {
		w.closeFiles()
		return nil, err
	}

	ft := footer{
		numEntries: w.numEntries,
		maxSeq:     uint64(w.maxSeq),
		minExpiry:  uint64(w.minExpiry),
		layout:     w.opts.Layout,
		checksum:   w.opts.Checksum,
		version:    formatVersion,
	}

	switch w.opts.Layout {
	case LayoutBTree:
		ft.indexOff = w.off
		level := w.leaves
		height := uint32(1)
		for {
			next, err := w.writeNodeLevel(level)
			if err != nil {
				w.closeFiles()
				return nil, err
			}
			height++
			if len(next) == 1 {
				ft.rootOff = next[0].off
				ft.rootLen = next[0].length
				break
			}
			level = next
		}
		ft.indexLen = w.off - ft.indexOff
		ft.height = height
		ft.leafCount = uint32(len(w.leaves))

	default:
		w.nodeBuf = appendNodePayload(w.nodeBuf[:0], w.index)
		frame, err := sealBlock(w.sealBuf[:0], w.nodeBuf, w.opts.Compression, w.opts.Checksum)
		if err != nil {
			w.closeFiles()
			return nil, err
		}
		w.sealBuf = frame
		ft.indexOff = w.off
		ft.indexLen = uint64(len(frame))
		if err := w.write(frame); err != nil {
			w.closeFiles()
			return nil, err
		}
	}

	if w.filter != nil && w.filter.Count() > 0 {
		frame, err := sealBlock(w.sealBuf[:0], w.filter.Finish(), compress.NoCompression, w.opts.Checksum)
		if err != nil {
			w.closeFiles()
			return nil, err
		}
		w.sealBuf = frame
		ft.filterOff = w.off
		ft.filterLen = uint64(len(frame))
		if err := w.write(frame); err != nil {
			w.closeFiles()
			return nil, err
		}
	}

	if err := w.write(ft.encode()); err != nil {
		w.closeFiles()
		return nil, err
	}
	if err := w.w.Flush(); err != nil {
		w.closeFiles()
		return nil, err
	}
	if err := w.f.Sync(); err != nil {
		w.closeFiles()
		return nil, err
	}
	if err := w.f.Close(); err != nil {
		return nil, err
	}
	var vlogSize uint64
	if w.vlog != nil {
		if w.vlog.off == vlogHeaderLen {
			// No value was routed; drop the header-only file.
			w.vlog.Close()
			w.fs.Remove(w.vlogPath)
		} else {
			if err := w.vlog.Finish(); err != nil {
				w.vlog.Close()
				return nil, err
			}
			if err := w.vlog.Close(); err != nil {
				return nil, err
			}
			vlogSize = w.vlog.Size()
		}
	}

	w.ok = true
	info := &TableInfo{
		Smallest:   w.smallest,
		Largest:    append([]byte(nil), w.largest...),
		NumEntries: w.numEntries,
		MaxSeq:     w.maxSeq,
		KlogSize:   w.off,
		VlogSize:   vlogSize,
		Layout:     w.opts.Layout,
		KeyBytes:   w.keyBytes,
		ValueBytes: w.valueBytes,
		MinExpiry:  w.minExpiry,
		NumBlocks:  w.blockSeq,
	}
	if w.opts.Layout == LayoutBTree {
		info.Height = ft.height
	}
	return info, nil
}

func (w *Writer) closeFiles() {
	w.f.Close()
	if w.vlog != nil {
		w.vlog.Close()
	}
}

// Abort discards a failed build, removing any files written. No-op after
// a successful Finish.
func (w *Writer) Abort() {
	if w.ok {
		return
	}
	if !w.finished {
		w.finished = true
		w.closeFiles()
	}
	w.fs.Remove(w.klogPath)
	if w.vlog != nil {
		w.fs.Remove(w.vlogPath)
	}
}
