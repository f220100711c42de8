// reader.go implements table reads: point lookups gated by the bloom
// filter, and raw internal-key iterators over both layouts. Iterators
// surface every stored version including tombstones; visibility is the
// caller's concern.
//
// Block loads go through the shared cache when one is configured. Cached
// values are self-describing: entry blocks are prefixed with their frame
// span, leaves additionally with their back link, so a cache hit never
// touches the file even for chain walks.
package sstable

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/lodekv/lodekv/internal/bloom"
	"github.com/lodekv/lodekv/internal/bufpool"
	"github.com/lodekv/lodekv/internal/cache"
	"github.com/lodekv/lodekv/internal/iterator"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/vfs"
)

const (
	cachedBlockPrefix = 4
	cachedLeafPrefix  = 4 + leafLinkLen

	cacheEntryOverhead = 64
)

// ReaderOptions configures table reads.
type ReaderOptions struct {
	// Comparator orders user keys and must match the writer's. Nil means
	// bytewise.
	Comparator record.Compare

	// Cache holds decompressed blocks across readers. Nil disables
	// caching.
	Cache *cache.Cache
}

// Reader serves lookups and scans against one finished table.
type Reader struct {
	path    string
	f       vfs.RandomAccessFile
	size    uint64
	ft      footer
	cmp     record.Compare
	cache   *cache.Cache
	cacheID uint64

	index  []childRef // sparse index, LayoutBlock
	root   []childRef // root children, LayoutBTree
	filter *bloom.Filter
	vlog   *VlogReader
}

// Open opens the klog at klogPath and, when vlogPath names an existing
// file, its vlog.
func Open(fs vfs.FS, klogPath, vlogPath string, opts ReaderOptions) (*Reader, error) {
	if opts.Comparator == nil {
		opts.Comparator = bytes.Compare
	}
	f, err := fs.OpenRandomAccess(klogPath)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		path:  klogPath,
		f:     f,
		size:  uint64(f.Size()),
		cmp:   opts.Comparator,
		cache: opts.Cache,
	}
	if r.size < footerLen {
		f.Close()
		return nil, r.corrupt(0, "short file")
	}
	var fbuf [footerLen]byte
	if _, err := f.ReadAt(fbuf[:], int64(r.size-footerLen)); err != nil {
		f.Close()
		return nil, err
	}
	ft, err := decodeFooter(fbuf[:])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", klogPath, err)
	}
	r.ft = ft

	if ft.filterLen > 0 {
		payload, err := r.readRegion(ft.filterOff, uint32(ft.filterLen))
		if err != nil {
			f.Close()
			return nil, err
		}
		r.filter = bloom.Parse(payload)
	}

	switch ft.layout {
	case LayoutBTree:
		payload, err := r.readRegion(ft.rootOff, ft.rootLen)
		if err != nil {
			f.Close()
			return nil, err
		}
		r.root, err = decodeNodePayload(payload)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: root: %w", klogPath, err)
		}
		if len(r.root) == 0 {
			f.Close()
			return nil, r.corrupt(ft.rootOff, "empty root")
		}
	default:
		payload, err := r.readRegion(ft.indexOff, uint32(ft.indexLen))
		if err != nil {
			f.Close()
			return nil, err
		}
		r.index, err = decodeNodePayload(payload)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: index: %w", klogPath, err)
		}
		if len(r.index) == 0 {
			f.Close()
			return nil, r.corrupt(ft.indexOff, "empty index")
		}
	}

	if vlogPath != "" && fs.Exists(vlogPath) {
		r.vlog, err = OpenVlog(fs, vlogPath, ft.checksum)
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	if r.cache != nil {
		r.cacheID = r.cache.NewID()
	}
	return r, nil
}

// Layout returns the table's physical layout.
func (r *Reader) Layout() Layout { return r.ft.layout }

// Height returns the tree height including leaves, zero for LayoutBlock.
func (r *Reader) Height() uint32 { return r.ft.height }

// LeafCount returns the leaf count, zero for LayoutBlock.
func (r *Reader) LeafCount() uint32 { return r.ft.leafCount }

// NumEntries returns the table's record count.
func (r *Reader) NumEntries() uint64 { return r.ft.numEntries }

// MaxSeq returns the table's sequence watermark.
func (r *Reader) MaxSeq() record.SeqNum { return record.SeqNum(r.ft.maxSeq) }

// MinExpiry returns the earliest nonzero expiry in the table as unixnano,
// zero when nothing expires.
func (r *Reader) MinExpiry() int64 { return int64(r.ft.minExpiry) }

// HasVlog reports whether the table has a value log.
func (r *Reader) HasVlog() bool { return r.vlog != nil }

// Close releases the underlying files. Outstanding iterators must be
// closed first.
func (r *Reader) Close() error {
	err := r.f.Close()
	if r.vlog != nil {
		if verr := r.vlog.Close(); err == nil {
			err = verr
		}
	}
	return err
}

func (r *Reader) corrupt(off uint64, what string) error {
	return fmt.Errorf("%w: %s: %s at offset %d", ErrCorruptTable, r.path, what, off)
}

// dataEnd returns the end of the entry block / leaf region.
func (r *Reader) dataEnd() uint64 { return r.ft.indexOff }

// readRegion reads and opens one framed region of known span, bypassing
// the cache. Used for the footer-referenced regions loaded at Open.
func (r *Reader) readRegion(off uint64, span uint32) ([]byte, error) {
	if uint64(span) < blockHeaderLen+blockTrailerLen || off+uint64(span) > r.size {
		return nil, r.corrupt(off, "region out of range")
	}
	framed := make([]byte, span)
	if _, err := r.f.ReadAt(framed, int64(off)); err != nil {
		return nil, err
	}
	payload, err := openBlock(framed, r.ft.checksum)
	if err != nil {
		return nil, r.corrupt(off, "bad block")
	}
	return payload, nil
}

func (r *Reader) cacheKey(off uint64) cache.Key {
	return cache.Key{ID: r.cacheID, Offset: off}
}

func (r *Reader) cacheGet(off uint64) []byte {
	if r.cache == nil {
		return nil
	}
	h := r.cache.Lookup(r.cacheKey(off))
	if h == nil {
		return nil
	}
	v := h.Value()
	r.cache.Release(h)
	return v
}

func (r *Reader) cachePut(off uint64, value []byte) {
	if r.cache == nil {
		return
	}
	h := r.cache.Insert(r.cacheKey(off), value, int64(len(value)+cacheEntryOverhead))
	r.cache.Release(h)
}

// frameSpanAt returns the frame span of the entry block starting at off.
func (r *Reader) frameSpanAt(off uint64) (uint32, error) {
	if v := r.cacheGet(off); v != nil {
		return getUint32(v), nil
	}
	if off+blockHeaderLen > r.dataEnd() {
		return 0, r.corrupt(off, "block header out of range")
	}
	var hdr [blockHeaderLen]byte
	if _, err := r.f.ReadAt(hdr[:], int64(off)); err != nil {
		return 0, err
	}
	return uint32(frameLen(hdr[:])), nil
}

// loadBlock returns the decoded entry block at off (LayoutBlock). A zero
// knownSpan means the span must be discovered from the frame header.
func (r *Reader) loadBlock(off uint64, knownSpan uint32) (*decodedBlock, uint32, error) {
	if v := r.cacheGet(off); v != nil {
		db, err := decodeBlockPayload(v[cachedBlockPrefix:])
		if err != nil {
			return nil, 0, r.corrupt(off, "bad cached block")
		}
		return db, getUint32(v), nil
	}
	span := knownSpan
	if span == 0 {
		if off+blockHeaderLen > r.dataEnd() {
			return nil, 0, r.corrupt(off, "block header out of range")
		}
		var hdr [blockHeaderLen]byte
		if _, err := r.f.ReadAt(hdr[:], int64(off)); err != nil {
			return nil, 0, err
		}
		span = uint32(frameLen(hdr[:]))
	}
	if off+uint64(span) > r.dataEnd() {
		return nil, 0, r.corrupt(off, "block out of range")
	}
	framed := bufpool.Default.Get(int(span))[:span]
	if _, err := r.f.ReadAt(framed, int64(off)); err != nil {
		bufpool.Default.Put(framed)
		return nil, 0, err
	}
	payload, err := openBlock(framed, r.ft.checksum)
	if err != nil {
		bufpool.Default.Put(framed)
		return nil, 0, r.corrupt(off, "bad block")
	}
	cached := append(appendUint32(make([]byte, 0, cachedBlockPrefix+len(payload)), span), payload...)
	// An uncompressed payload aliases framed; the copy into cached above
	// must happen before the frame buffer is recycled.
	bufpool.Default.Put(framed)
	r.cachePut(off, cached)
	db, err := decodeBlockPayload(cached[cachedBlockPrefix:])
	if err != nil {
		return nil, 0, r.corrupt(off, "bad block")
	}
	return db, span, nil
}

// leafMeta carries a loaded leaf's position and back link.
type leafMeta struct {
	off     uint64
	span    uint32
	prevOff uint64
	prevLen uint32
}

// loadLeaf returns the decoded leaf at off (LayoutBTree). A zero
// knownSpan means the span must be discovered from the link and frame
// headers.
func (r *Reader) loadLeaf(off uint64, knownSpan uint32) (*decodedBlock, leafMeta, error) {
	var meta leafMeta
	if v := r.cacheGet(off); v != nil {
		meta.off = off
		meta.span = getUint32(v)
		meta.prevOff, meta.prevLen = decodeLeafLink(v[cachedBlockPrefix:])
		db, err := decodeBlockPayload(v[cachedLeafPrefix:])
		if err != nil {
			return nil, meta, r.corrupt(off, "bad cached leaf")
		}
		return db, meta, nil
	}
	span := knownSpan
	if span == 0 {
		if off+leafLinkLen+blockHeaderLen > r.dataEnd() {
			return nil, meta, r.corrupt(off, "leaf header out of range")
		}
		var hdr [leafLinkLen + blockHeaderLen]byte
		if _, err := r.f.ReadAt(hdr[:], int64(off)); err != nil {
			return nil, meta, err
		}
		span = uint32(leafLinkLen + frameLen(hdr[leafLinkLen:]))
	}
	if uint64(span) < leafLinkLen+blockHeaderLen+blockTrailerLen || off+uint64(span) > r.dataEnd() {
		return nil, meta, r.corrupt(off, "leaf out of range")
	}
	buf := bufpool.Default.Get(int(span))[:span]
	if _, err := r.f.ReadAt(buf, int64(off)); err != nil {
		bufpool.Default.Put(buf)
		return nil, meta, err
	}
	meta.off = off
	meta.span = span
	meta.prevOff, meta.prevLen = decodeLeafLink(buf[:leafLinkLen])
	payload, err := openBlock(buf[leafLinkLen:], r.ft.checksum)
	if err != nil {
		bufpool.Default.Put(buf)
		return nil, meta, r.corrupt(off, "bad leaf")
	}
	cached := make([]byte, 0, cachedLeafPrefix+len(payload))
	cached = appendUint32(cached, span)
	cached = appendLeafLink(cached, meta.prevOff, meta.prevLen)
	cached = append(cached, payload...)
	// An uncompressed payload aliases buf; recycle only after the copy.
	bufpool.Default.Put(buf)
	r.cachePut(off, cached)
	db, err := decodeBlockPayload(cached[cachedLeafPrefix:])
	if err != nil {
		return nil, meta, r.corrupt(off, "bad leaf")
	}
	return db, meta, nil
}

// loadNode returns the child refs of the internal node at off.
func (r *Reader) loadNode(off uint64, span uint32) ([]childRef, error) {
	if v := r.cacheGet(off); v != nil {
		refs, err := decodeNodePayload(v)
		if err != nil {
			return nil, r.corrupt(off, "bad cached node")
		}
		return refs, nil
	}
	payload, err := r.readRegion(off, span)
	if err != nil {
		return nil, err
	}
	r.cachePut(off, payload)
	refs, err := decodeNodePayload(payload)
	if err != nil {
		return nil, r.corrupt(off, "bad node")
	}
	return refs, nil
}

// indexLess reports whether a sparse index separator orders strictly
// before the user key, comparing only the bytes both cover.
func (r *Reader) indexLess(sep, user []byte) bool {
	m := len(sep)
	if len(user) < m {
		m = len(user)
	}
	return r.cmp(sep[:m], user[:m]) < 0
}

// seekCandidate returns the sampled block from which a forward walk for
// target must start: the last sample ordering strictly before target's
// user key, conservatively block zero on ties.
func (r *Reader) seekCandidate(target []byte) (uint64, uint32) {
	user := record.UserKey(target)
	idx := sort.Search(len(r.index), func(j int) bool {
		return !r.indexLess(r.index[j].sep, user)
	})
	if idx > 0 {
		idx--
	}
	return r.index[idx].off, r.index[idx].length
}

// prevBlockOf walks frames from the nearest earlier sample to find the
// block immediately before cur. cur must not be the first block.
func (r *Reader) prevBlockOf(cur uint64) (uint64, uint32, error) {
	idx := sort.Search(len(r.index), func(j int) bool {
		return r.index[j].off >= cur
	}) - 1
	if idx < 0 {
		return 0, 0, r.corrupt(cur, "no block before")
	}
	off, span := r.index[idx].off, r.index[idx].length
	for {
		next := off + uint64(span)
		if next >= cur {
			if next != cur {
				return 0, 0, r.corrupt(off, "misaligned block chain")
			}
			return off, span, nil
		}
		span2, err := r.frameSpanAt(next)
		if err != nil {
			return 0, 0, err
		}
		off, span = next, span2
	}
}

// lastBlock walks frames from the last sample to the final block.
func (r *Reader) lastBlock() (uint64, uint32, error) {
	last := r.index[len(r.index)-1]
	off, span := last.off, last.length
	for {
		next := off + uint64(span)
		if next >= r.dataEnd() {
			if next != r.dataEnd() {
				return 0, 0, r.corrupt(off, "misaligned block chain")
			}
			return off, span, nil
		}
		span2, err := r.frameSpanAt(next)
		if err != nil {
			return 0, 0, err
		}
		off, span = next, span2
	}
}

// pickChild returns the child to descend into for target: the last
// separator at or before it, else the first child.
func (r *Reader) pickChild(refs []childRef, target []byte) int {
	j := sort.Search(len(refs), func(k int) bool {
		return record.InternalCompare(r.cmp, refs[k].sep, target) > 0
	}) - 1
	if j < 0 {
		j = 0
	}
	return j
}

// descendLeaf walks root to leaf level and returns the leaf whose range
// covers target.
func (r *Reader) descendLeaf(target []byte) (uint64, uint32, error) {
	refs := r.root
	for depth := r.ft.height; depth > 2; depth-- {
		c := refs[r.pickChild(refs, target)]
		var err error
		if refs, err = r.loadNode(c.off, c.length); err != nil {
			return 0, 0, err
		}
		if len(refs) == 0 {
			return 0, 0, r.corrupt(c.off, "empty node")
		}
	}
	c := refs[r.pickChild(refs, target)]
	return c.off, c.length, nil
}

// descendLastLeaf returns the rightmost leaf.
func (r *Reader) descendLastLeaf() (uint64, uint32, error) {
	refs := r.root
	for depth := r.ft.height; depth > 2; depth-- {
		c := refs[len(refs)-1]
		var err error
		if refs, err = r.loadNode(c.off, c.length); err != nil {
			return 0, 0, err
		}
		if len(refs) == 0 {
			return 0, 0, r.corrupt(c.off, "empty node")
		}
	}
	c := refs[len(refs)-1]
	return c.off, c.length, nil
}

// resolveValue returns an entry's value, reading through the vlog when
// the entry holds a pointer.
func (r *Reader) resolveValue(e *record.Entry) ([]byte, error) {
	if !e.Vlog {
		return e.Value, nil
	}
	if r.vlog == nil {
		return nil, r.corrupt(0, "vlog pointer without vlog")
	}
	return r.vlog.ReadValueAt(e.VOffset, e.VLen)
}

// Get returns the newest entry for key visible at or below the given
// sequence number. The returned entry's value is resolved; its slices
// stay valid while the reader is open and must not be modified. The
// boolean reports presence; a present entry may still be a tombstone.
func (r *Reader) Get(key []byte, visible record.SeqNum) (record.Entry, bool, error) {
	if r.filter != nil && !r.filter.MayContain(key) {
		return record.Entry{}, false, nil
	}
	it := r.NewIter()
	defer it.Close()
	it.Seek(record.MakeSeekKey(key, visible))
	if !it.Valid() {
		return record.Entry{}, false, it.Error()
	}
	e := it.Entry()
	if r.cmp(e.Key, key) != 0 {
		return record.Entry{}, false, nil
	}
	value, err := it.Value()
	if err != nil {
		return record.Entry{}, false, err
	}
	e.Value = value
	e.Vlog = false
	return e, true, nil
}

// NewIter returns a raw iterator over the table's internal keys.
func (r *Reader) NewIter() iterator.Iterator {
	if r.ft.layout == LayoutBTree {
		return &treeIter{r: r}
	}
	return &blockIter{r: r}
}

// blockIter iterates the block layout: sparse index to pick a starting
// block, then sequential frame walks in either direction.
type blockIter struct {
	r     *Reader
	db    *decodedBlock
	off   uint64
	span  uint32
	pos   int
	err   error
	valid bool
}

func (i *blockIter) fail(err error) {
	i.err = err
	i.valid = false
}

func (i *blockIter) load(off uint64, span uint32, pos int) bool {
	db, sp, err := i.r.loadBlock(off, span)
	if err != nil {
		i.fail(err)
		return false
	}
	if len(db.entries) == 0 {
		i.fail(i.r.corrupt(off, "empty block"))
		return false
	}
	if pos < 0 {
		pos = len(db.entries) - 1
	}
	i.db, i.off, i.span, i.pos = db, off, sp, pos
	i.valid = true
	return true
}

func (i *blockIter) Valid() bool { return i.valid }

func (i *blockIter) Key() []byte {
	return i.db.iks[i.pos]
}

func (i *blockIter) Entry() record.Entry {
	return i.db.entries[i.pos]
}

func (i *blockIter) Value() ([]byte, error) {
	e := i.db.entries[i.pos]
	return i.r.resolveValue(&e)
}

func (i *blockIter) Error() error { return i.err }

func (i *blockIter) Close() error {
	i.valid = false
	return nil
}

func (i *blockIter) SeekToFirst() {
	i.err = nil
	i.load(0, 0, 0)
}

func (i *blockIter) SeekToLast() {
	i.err = nil
	off, span, err := i.r.lastBlock()
	if err != nil {
		i.fail(err)
		return
	}
	i.load(off, span, -1)
}

func (i *blockIter) Seek(target []byte) {
	i.err = nil
	off, span := i.r.seekCandidate(target)
	for {
		if !i.load(off, span, 0) {
			return
		}
		if p := i.db.search(i.r.cmp, target); p < len(i.db.entries) {
			i.pos = p
			return
		}
		next := i.off + uint64(i.span)
		if next >= i.r.dataEnd() {
			i.valid = false
			return
		}
		off, span = next, 0
	}
}

func (i *blockIter) SeekForPrev(target []byte) {
	i.Seek(target)
	if i.err != nil {
		return
	}
	if !i.valid {
		i.SeekToLast()
		return
	}
	if record.InternalCompare(i.r.cmp, i.Key(), target) == 0 {
		return
	}
	i.Prev()
}

func (i *blockIter) Next() {
	if !i.valid {
		return
	}
	i.pos++
	if i.pos < len(i.db.entries) {
		return
	}
	next := i.off + uint64(i.span)
	if next >= i.r.dataEnd() {
		i.valid = false
		return
	}
	i.load(next, 0, 0)
}

func (i *blockIter) Prev() {
	if !i.valid {
		return
	}
	i.pos--
	if i.pos >= 0 {
		return
	}
	if i.off == 0 {
		i.valid = false
		return
	}
	off, span, err := i.r.prevBlockOf(i.off)
	if err != nil {
		i.fail(err)
		return
	}
	i.load(off, span, -1)
}

// treeIter iterates the B+tree layout: root descent to a leaf, then the
// leaf chain in either direction.
type treeIter struct {
	r     *Reader
	db    *decodedBlock
	meta  leafMeta
	pos   int
	err   error
	valid bool
}

func (i *treeIter) fail(err error) {
	i.err = err
	i.valid = false
}

func (i *treeIter) load(off uint64, span uint32, pos int) bool {
	db, meta, err := i.r.loadLeaf(off, span)
	if err != nil {
		i.fail(err)
		return false
	}
	if len(db.entries) == 0 {
		i.fail(i.r.corrupt(off, "empty leaf"))
		return false
	}
	if pos < 0 {
		pos = len(db.entries) - 1
	}
	i.db, i.meta, i.pos = db, meta, pos
	i.valid = true
	return true
}

func (i *treeIter) Valid() bool { return i.valid }

func (i *treeIter) Key() []byte {
	return i.db.iks[i.pos]
}

func (i *treeIter) Entry() record.Entry {
	return i.db.entries[i.pos]
}

func (i *treeIter) Value() ([]byte, error) {
	e := i.db.entries[i.pos]
	return i.r.resolveValue(&e)
}

func (i *treeIter) Error() error { return i.err }

func (i *treeIter) Close() error {
	i.valid = false
	return nil
}

func (i *treeIter) SeekToFirst() {
	i.err = nil
	i.load(0, 0, 0)
}

func (i *treeIter) SeekToLast() {
	i.err = nil
	off, span, err := i.r.descendLastLeaf()
	if err != nil {
		i.fail(err)
		return
	}
	i.load(off, span, -1)
}

func (i *treeIter) Seek(target []byte) {
	i.err = nil
	off, span, err := i.r.descendLeaf(target)
	if err != nil {
		i.fail(err)
		return
	}
	if !i.load(off, span, 0) {
		return
	}
	if p := i.db.search(i.r.cmp, target); p < len(i.db.entries) {
		i.pos = p
		return
	}
	i.nextLeaf()
}

func (i *treeIter) SeekForPrev(target []byte) {
	i.Seek(target)
	if i.err != nil {
		return
	}
	if !i.valid {
		i.SeekToLast()
		return
	}
	if record.InternalCompare(i.r.cmp, i.Key(), target) == 0 {
		return
	}
	i.Prev()
}

func (i *treeIter) Next() {
	if !i.valid {
		return
	}
	i.pos++
	if i.pos < len(i.db.entries) {
		return
	}
	i.nextLeaf()
}

func (i *treeIter) Prev() {
	if !i.valid {
		return
	}
	i.pos--
	if i.pos >= 0 {
		return
	}
	if i.meta.prevOff == nilOffset {
		i.valid = false
		return
	}
	i.load(i.meta.prevOff, i.meta.prevLen, -1)
}

func (i *treeIter) nextLeaf() {
	next := i.meta.off + uint64(i.meta.span)
	if next >= i.r.dataEnd() {
		i.valid = false
		return
	}
	i.load(next, 0, 0)
}
