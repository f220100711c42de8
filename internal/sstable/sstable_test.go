package sstable

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/lodekv/lodekv/internal/cache"
	"github.com/lodekv/lodekv/internal/checksum"
	"github.com/lodekv/lodekv/internal/compress"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/vfs"
)

func testEntry(key string, seq record.SeqNum, value string) record.Entry {
	return record.Entry{Key: []byte(key), Seq: seq, Kind: record.KindValue, Value: []byte(value)}
}

func testTombstone(key string, seq record.SeqNum) record.Entry {
	return record.Entry{Key: []byte(key), Seq: seq, Kind: record.KindTombstone}
}

// writeTable builds a table from entries, which must already be in
// internal key order.
func writeTable(t *testing.T, dir string, opts WriterOptions, entries []record.Entry) (string, string, *TableInfo) {
	t.Helper()
	fs := vfs.Default()
	klog := KlogFileName(dir, 1)
	vlog := VlogFileName(dir, 1)
	w, err := NewWriter(fs, klog, vlog, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := range entries {
		if err := w.Add(&entries[i]); err != nil {
			t.Fatalf("Add %q: %v", entries[i].Key, err)
		}
	}
	info, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return klog, vlog, info
}

func openTable(t *testing.T, klog, vlog string, opts ReaderOptions) *Reader {
	t.Helper()
	r, err := Open(vfs.Default(), klog, vlog, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// manyEntries returns n ordered entries key0000.. with single versions.
func manyEntries(n int) []record.Entry {
	entries := make([]record.Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, testEntry(
			fmt.Sprintf("key%04d", i),
			record.SeqNum(1000+i),
			fmt.Sprintf("value-%04d", i),
		))
	}
	return entries
}

func testLayouts(t *testing.T, fn func(t *testing.T, layout Layout)) {
	for _, layout := range []Layout{LayoutBlock, LayoutBTree} {
		t.Run(layout.String(), func(t *testing.T) { fn(t, layout) })
	}
}

func TestRoundTripForward(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		entries := manyEntries(500)
		klog, vlog, info := writeTable(t, t.TempDir(), WriterOptions{Layout: layout, BlockSize: 256}, entries)
		if info.NumEntries != 500 {
			t.Fatalf("NumEntries = %d, want 500", info.NumEntries)
		}
		if info.NumBlocks < 2 {
			t.Fatalf("NumBlocks = %d, want multiple blocks", info.NumBlocks)
		}

		r := openTable(t, klog, vlog, ReaderOptions{})
		it := r.NewIter()
		defer it.Close()

		i := 0
		for it.SeekToFirst(); it.Valid(); it.Next() {
			e := it.Entry()
			want := entries[i]
			if !bytes.Equal(e.Key, want.Key) || e.Seq != want.Seq {
				t.Fatalf("entry %d = %q@%d, want %q@%d", i, e.Key, e.Seq, want.Key, want.Seq)
			}
			v, err := it.Value()
			if err != nil {
				t.Fatalf("Value %d: %v", i, err)
			}
			if !bytes.Equal(v, want.Value) {
				t.Fatalf("value %d = %q, want %q", i, v, want.Value)
			}
			i++
		}
		if err := it.Error(); err != nil {
			t.Fatalf("iterator error: %v", err)
		}
		if i != len(entries) {
			t.Fatalf("iterated %d entries, want %d", i, len(entries))
		}
	})
}

func TestRoundTripBackward(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		entries := manyEntries(300)
		klog, vlog, _ := writeTable(t, t.TempDir(), WriterOptions{Layout: layout, BlockSize: 256}, entries)

		r := openTable(t, klog, vlog, ReaderOptions{})
		it := r.NewIter()
		defer it.Close()

		i := len(entries) - 1
		for it.SeekToLast(); it.Valid(); it.Prev() {
			if i < 0 {
				t.Fatalf("iterator yielded more entries than written")
			}
			e := it.Entry()
			if !bytes.Equal(e.Key, entries[i].Key) {
				t.Fatalf("entry %d = %q, want %q", i, e.Key, entries[i].Key)
			}
			i--
		}
		if err := it.Error(); err != nil {
			t.Fatalf("iterator error: %v", err)
		}
		if i != -1 {
			t.Fatalf("stopped at %d, want -1", i)
		}
	})
}

func TestSeek(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		entries := manyEntries(200)
		klog, vlog, _ := writeTable(t, t.TempDir(), WriterOptions{Layout: layout, BlockSize: 128}, entries)
		r := openTable(t, klog, vlog, ReaderOptions{})
		it := r.NewIter()
		defer it.Close()

		// Exact hit in the middle.
		it.Seek(record.MakeSeekKey([]byte("key0123"), record.MaxSeqNum))
		if !it.Valid() {
			t.Fatalf("Seek(key0123) invalid: %v", it.Error())
		}
		if got := it.Entry().Key; !bytes.Equal(got, []byte("key0123")) {
			t.Fatalf("Seek(key0123) = %q", got)
		}

		// Between keys lands on the next one.
		it.Seek(record.MakeSeekKey([]byte("key0123a"), record.MaxSeqNum))
		if got := it.Entry().Key; !bytes.Equal(got, []byte("key0124")) {
			t.Fatalf("Seek(key0123a) = %q, want key0124", got)
		}

		// Before the first key.
		it.Seek(record.MakeSeekKey([]byte("aaa"), record.MaxSeqNum))
		if got := it.Entry().Key; !bytes.Equal(got, []byte("key0000")) {
			t.Fatalf("Seek(aaa) = %q, want key0000", got)
		}

		// Past the last key.
		it.Seek(record.MakeSeekKey([]byte("zzz"), record.MaxSeqNum))
		if it.Valid() {
			t.Fatalf("Seek(zzz) still valid at %q", it.Entry().Key)
		}
		if err := it.Error(); err != nil {
			t.Fatalf("Seek past end errored: %v", err)
		}
	})
}

func TestSeekForPrev(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		entries := manyEntries(200)
		klog, vlog, _ := writeTable(t, t.TempDir(), WriterOptions{Layout: layout, BlockSize: 128}, entries)
		r := openTable(t, klog, vlog, ReaderOptions{})
		it := r.NewIter()
		defer it.Close()

		// Between keys lands on the previous one.
		it.SeekForPrev(record.MakePrevSeekKey([]byte("key0100a")))
		if !it.Valid() {
			t.Fatalf("SeekForPrev invalid: %v", it.Error())
		}
		if got := it.Entry().Key; !bytes.Equal(got, []byte("key0100")) {
			t.Fatalf("SeekForPrev(key0100a) = %q, want key0100", got)
		}

		// Past the end lands on the last key.
		it.SeekForPrev(record.MakePrevSeekKey([]byte("zzz")))
		if got := it.Entry().Key; !bytes.Equal(got, []byte("key0199")) {
			t.Fatalf("SeekForPrev(zzz) = %q, want key0199", got)
		}

		// Before the first key is invalid.
		it.SeekForPrev(record.MakePrevSeekKey([]byte("aaa")))
		if it.Valid() {
			t.Fatalf("SeekForPrev(aaa) still valid at %q", it.Entry().Key)
		}
	})
}

func TestDirectionSwitch(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		entries := manyEntries(100)
		klog, vlog, _ := writeTable(t, t.TempDir(), WriterOptions{Layout: layout, BlockSize: 64}, entries)
		r := openTable(t, klog, vlog, ReaderOptions{})
		it := r.NewIter()
		defer it.Close()

		it.Seek(record.MakeSeekKey([]byte("key0050"), record.MaxSeqNum))
		steps := []struct {
			move string
			want string
		}{
			{"next", "key0051"},
			{"next", "key0052"},
			{"prev", "key0051"},
			{"prev", "key0050"},
			{"prev", "key0049"},
			{"next", "key0050"},
		}
		for si, s := range steps {
			if s.move == "next" {
				it.Next()
			} else {
				it.Prev()
			}
			if !it.Valid() {
				t.Fatalf("step %d: invalid: %v", si, it.Error())
			}
			if got := it.Entry().Key; !bytes.Equal(got, []byte(s.want)) {
				t.Fatalf("step %d (%s): key = %q, want %q", si, s.move, got, s.want)
			}
		}
	})
}

func TestGetVisibility(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		entries := []record.Entry{
			testEntry("alpha", 30, "v30"),
			testEntry("alpha", 20, "v20"),
			testEntry("alpha", 10, "v10"),
			testTombstone("beta", 25),
			testEntry("beta", 15, "old"),
			testEntry("gamma", 5, "g5"),
		}
		klog, vlog, _ := writeTable(t, t.TempDir(), WriterOptions{Layout: layout}, entries)
		r := openTable(t, klog, vlog, ReaderOptions{})

		e, ok, err := r.Get([]byte("alpha"), record.MaxSeqNum)
		if err != nil || !ok {
			t.Fatalf("Get(alpha) = ok=%v err=%v", ok, err)
		}
		if string(e.Value) != "v30" || e.Seq != 30 {
			t.Fatalf("Get(alpha) = %q@%d, want v30@30", e.Value, e.Seq)
		}

		e, ok, err = r.Get([]byte("alpha"), 25)
		if err != nil || !ok {
			t.Fatalf("Get(alpha, 25) = ok=%v err=%v", ok, err)
		}
		if string(e.Value) != "v20" {
			t.Fatalf("Get(alpha, 25) = %q, want v20", e.Value)
		}

		if _, ok, err := r.Get([]byte("alpha"), 5); ok || err != nil {
			t.Fatalf("Get(alpha, 5) = ok=%v err=%v, want miss", ok, err)
		}

		// Tombstone is surfaced, not swallowed.
		e, ok, err = r.Get([]byte("beta"), record.MaxSeqNum)
		if err != nil || !ok {
			t.Fatalf("Get(beta) = ok=%v err=%v", ok, err)
		}
		if e.Kind != record.KindTombstone {
			t.Fatalf("Get(beta) kind = %d, want tombstone", e.Kind)
		}

		// Older snapshot sees through the tombstone to the value.
		e, ok, err = r.Get([]byte("beta"), 20)
		if err != nil || !ok || string(e.Value) != "old" {
			t.Fatalf("Get(beta, 20) = %q ok=%v err=%v, want old", e.Value, ok, err)
		}

		if _, ok, _ := r.Get([]byte("missing"), record.MaxSeqNum); ok {
			t.Fatalf("Get(missing) reported present")
		}
	})
}

func TestVlogSeparation(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		big := bytes.Repeat([]byte("B"), 4096)
		entries := []record.Entry{
			testEntry("big", 3, string(big)),
			testEntry("small", 2, "tiny"),
		}
		opts := WriterOptions{Layout: layout, VlogThreshold: 1024}
		klog, vlog, info := writeTable(t, t.TempDir(), opts, entries)
		if info.VlogSize == 0 {
			t.Fatalf("VlogSize = 0, want vlog data")
		}

		r := openTable(t, klog, vlog, ReaderOptions{})
		if !r.HasVlog() {
			t.Fatalf("reader has no vlog")
		}

		it := r.NewIter()
		defer it.Close()
		it.SeekToFirst()
		if !it.Valid() {
			t.Fatalf("SeekToFirst invalid: %v", it.Error())
		}
		e := it.Entry()
		if !e.Vlog {
			t.Fatalf("big entry not separated")
		}
		v, err := it.Value()
		if err != nil {
			t.Fatalf("Value: %v", err)
		}
		if !bytes.Equal(v, big) {
			t.Fatalf("big value mismatch: %d bytes", len(v))
		}

		it.Next()
		e = it.Entry()
		if e.Vlog {
			t.Fatalf("small entry separated")
		}
		if v, _ := it.Value(); string(v) != "tiny" {
			t.Fatalf("small value = %q", v)
		}

		e, ok, err := r.Get([]byte("big"), record.MaxSeqNum)
		if err != nil || !ok {
			t.Fatalf("Get(big) = ok=%v err=%v", ok, err)
		}
		if !bytes.Equal(e.Value, big) {
			t.Fatalf("Get(big) value mismatch")
		}
	})
}

func TestNoVlogWhenAllInline(t *testing.T) {
	dir := t.TempDir()
	opts := WriterOptions{VlogThreshold: 1 << 20}
	klog, vlog, info := writeTable(t, dir, opts, manyEntries(10))
	if info.VlogSize != 0 {
		t.Fatalf("VlogSize = %d, want 0", info.VlogSize)
	}
	if vfs.Default().Exists(vlog) {
		t.Fatalf("empty vlog file left behind")
	}
	r := openTable(t, klog, vlog, ReaderOptions{})
	if r.HasVlog() {
		t.Fatalf("reader opened a vlog")
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	types := []compress.Type{
		compress.NoCompression,
		compress.SnappyCompression,
		compress.LZ4Compression,
		compress.LZ4FastCompression,
		compress.ZstdCompression,
		compress.MinLZCompression,
	}
	for _, ct := range types {
		t.Run(ct.String(), func(t *testing.T) {
			entries := manyEntries(100)
			opts := WriterOptions{Compression: ct, BlockSize: 512}
			klog, vlog, _ := writeTable(t, t.TempDir(), opts, entries)
			r := openTable(t, klog, vlog, ReaderOptions{})
			for i := 0; i < 100; i += 17 {
				key := []byte(fmt.Sprintf("key%04d", i))
				e, ok, err := r.Get(key, record.MaxSeqNum)
				if err != nil || !ok {
					t.Fatalf("Get(%s) = ok=%v err=%v", key, ok, err)
				}
				want := fmt.Sprintf("value-%04d", i)
				if string(e.Value) != want {
					t.Fatalf("Get(%s) = %q, want %q", key, e.Value, want)
				}
			}
		})
	}
}

func TestChecksumTypes(t *testing.T) {
	for _, ct := range []checksum.Type{checksum.TypeCRC32C, checksum.TypeXXHash64, checksum.TypeXXH3} {
		t.Run(ct.String(), func(t *testing.T) {
			entries := manyEntries(50)
			klog, vlog, _ := writeTable(t, t.TempDir(), WriterOptions{Checksum: ct}, entries)
			r := openTable(t, klog, vlog, ReaderOptions{})
			e, ok, err := r.Get([]byte("key0025"), record.MaxSeqNum)
			if err != nil || !ok || string(e.Value) != "value-0025" {
				t.Fatalf("Get = %q ok=%v err=%v", e.Value, ok, err)
			}
		})
	}
}

func TestBloomShortCircuit(t *testing.T) {
	entries := manyEntries(100)
	klog, vlog, _ := writeTable(t, t.TempDir(), WriterOptions{BloomFPR: 0.01}, entries)
	r := openTable(t, klog, vlog, ReaderOptions{})
	if r.filter == nil {
		t.Fatalf("filter not loaded")
	}
	// Every written key must still be found despite the filter.
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		if _, ok, err := r.Get(key, record.MaxSeqNum); !ok || err != nil {
			t.Fatalf("Get(%s) = ok=%v err=%v", key, ok, err)
		}
	}
	if _, ok, err := r.Get([]byte("never-written"), record.MaxSeqNum); ok || err != nil {
		t.Fatalf("Get(absent) = ok=%v err=%v", ok, err)
	}
}

func TestPrefixTruncatedIndex(t *testing.T) {
	entries := manyEntries(400)
	opts := WriterOptions{
		BlockSize:           128,
		IndexSampleRatio:    4,
		BlockIndexPrefixLen: 5, // "key01..." collapses to "key0"
	}
	klog, vlog, _ := writeTable(t, t.TempDir(), opts, entries)
	r := openTable(t, klog, vlog, ReaderOptions{})

	it := r.NewIter()
	defer it.Close()
	for i := 0; i < 400; i += 37 {
		key := []byte(fmt.Sprintf("key%04d", i))
		it.Seek(record.MakeSeekKey(key, record.MaxSeqNum))
		if !it.Valid() {
			t.Fatalf("Seek(%s) invalid: %v", key, it.Error())
		}
		if got := it.Entry().Key; !bytes.Equal(got, key) {
			t.Fatalf("Seek(%s) = %q", key, got)
		}
	}
	// Full scan still yields everything once.
	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		count++
	}
	if count != 400 {
		t.Fatalf("scan count = %d, want 400", count)
	}
}

func TestSharedCache(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		entries := manyEntries(200)
		klog, vlog, _ := writeTable(t, t.TempDir(), WriterOptions{Layout: layout, BlockSize: 256}, entries)

		c := cache.New(1<<20, 4)
		defer c.Close()
		r := openTable(t, klog, vlog, ReaderOptions{Cache: c})

		scan := func() {
			it := r.NewIter()
			defer it.Close()
			n := 0
			for it.SeekToFirst(); it.Valid(); it.Next() {
				n++
			}
			if n != 200 {
				t.Fatalf("scan count = %d, want 200", n)
			}
		}
		scan()
		miss1 := c.Stats().Misses
		if miss1 == 0 {
			t.Fatalf("first scan produced no cache misses")
		}
		scan()
		s := c.Stats()
		if s.Misses != miss1 {
			t.Fatalf("second scan missed: %d -> %d", miss1, s.Misses)
		}
		if s.Hits == 0 {
			t.Fatalf("second scan produced no cache hits")
		}
	})
}

func TestBtreeShape(t *testing.T) {
	entries := manyEntries(2000)
	opts := WriterOptions{Layout: LayoutBTree, BlockSize: 256}
	klog, vlog, info := writeTable(t, t.TempDir(), opts, entries)
	if info.Height < 3 {
		t.Fatalf("Height = %d, want a multi-level tree", info.Height)
	}
	r := openTable(t, klog, vlog, ReaderOptions{})
	if r.Layout() != LayoutBTree {
		t.Fatalf("Layout = %v", r.Layout())
	}
	if r.Height() != info.Height {
		t.Fatalf("reader Height = %d, writer %d", r.Height(), info.Height)
	}
	if r.LeafCount() != info.NumBlocks {
		t.Fatalf("LeafCount = %d, NumBlocks %d", r.LeafCount(), info.NumBlocks)
	}
}

func TestSingleEntryTable(t *testing.T) {
	testLayouts(t, func(t *testing.T, layout Layout) {
		entries := []record.Entry{testEntry("only", 1, "value")}
		klog, vlog, info := writeTable(t, t.TempDir(), WriterOptions{Layout: layout}, entries)
		if info.NumEntries != 1 || info.NumBlocks != 1 {
			t.Fatalf("info = %d entries %d blocks", info.NumEntries, info.NumBlocks)
		}
		r := openTable(t, klog, vlog, ReaderOptions{})
		it := r.NewIter()
		defer it.Close()
		it.SeekToFirst()
		if !it.Valid() || string(it.Entry().Key) != "only" {
			t.Fatalf("SeekToFirst failed: %v", it.Error())
		}
		it.Next()
		if it.Valid() {
			t.Fatalf("Next past single entry still valid")
		}
		it.SeekToLast()
		if !it.Valid() || string(it.Entry().Key) != "only" {
			t.Fatalf("SeekToLast failed: %v", it.Error())
		}
		it.Prev()
		if it.Valid() {
			t.Fatalf("Prev past single entry still valid")
		}
	})
}

func TestOutOfOrderAdd(t *testing.T) {
	fs := vfs.Default()
	dir := t.TempDir()
	w, err := NewWriter(fs, KlogFileName(dir, 1), "", WriterOptions{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Abort()
	b := testEntry("b", 5, "v")
	if err := w.Add(&b); err != nil {
		t.Fatalf("Add(b): %v", err)
	}
	a := testEntry("a", 9, "v")
	if err := w.Add(&a); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("Add(a) after b: err = %v, want ErrOutOfOrder", err)
	}
	// Same key with a higher sequence sorts earlier, so it is out of
	// order too.
	b9 := testEntry("b", 9, "v")
	if err := w.Add(&b9); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("Add(b@9) after b@5: err = %v, want ErrOutOfOrder", err)
	}
	// Lower sequence for the same key is fine.
	b2 := testEntry("b", 2, "v")
	if err := w.Add(&b2); err != nil {
		t.Fatalf("Add(b@2): %v", err)
	}
}

func TestEmptyTableFinish(t *testing.T) {
	fs := vfs.Default()
	dir := t.TempDir()
	klog := KlogFileName(dir, 1)
	w, err := NewWriter(fs, klog, "", WriterOptions{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Finish(); !errors.Is(err, ErrEmptyTable) {
		t.Fatalf("Finish = %v, want ErrEmptyTable", err)
	}
	w.Abort()
	if fs.Exists(klog) {
		t.Fatalf("klog left behind after Abort")
	}
}

func TestAbortRemovesFiles(t *testing.T) {
	fs := vfs.Default()
	dir := t.TempDir()
	klog := KlogFileName(dir, 7)
	vlog := VlogFileName(dir, 7)
	w, err := NewWriter(fs, klog, vlog, WriterOptions{VlogThreshold: 8})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	e := testEntry("k", 1, "a-long-enough-value")
	if err := w.Add(&e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	w.Abort()
	if fs.Exists(klog) || fs.Exists(vlog) {
		t.Fatalf("Abort left files behind")
	}
}

func TestCorruptBlockDetected(t *testing.T) {
	entries := manyEntries(50)
	klog, vlog, _ := writeTable(t, t.TempDir(), WriterOptions{BlockSize: 256}, entries)

	data, err := os.ReadFile(klog)
	if err != nil {
		t.Fatalf("read klog: %v", err)
	}
	// Flip a byte inside the first block's payload, past the frame header.
	data[blockHeaderLen+2] ^= 0xff
	if err := os.WriteFile(klog, data, 0o644); err != nil {
		t.Fatalf("write klog: %v", err)
	}

	r := openTable(t, klog, vlog, ReaderOptions{})
	it := r.NewIter()
	defer it.Close()
	it.SeekToFirst()
	if it.Valid() {
		t.Fatalf("iterator valid over corrupt block")
	}
	if !errors.Is(it.Error(), ErrCorruptTable) {
		t.Fatalf("error = %v, want ErrCorruptTable", it.Error())
	}
}

func TestCorruptFooterDetected(t *testing.T) {
	klog, vlog, _ := writeTable(t, t.TempDir(), WriterOptions{}, manyEntries(5))
	data, err := os.ReadFile(klog)
	if err != nil {
		t.Fatalf("read klog: %v", err)
	}
	// Break the magic.
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(klog, data, 0o644); err != nil {
		t.Fatalf("write klog: %v", err)
	}
	if _, err := Open(vfs.Default(), klog, vlog, ReaderOptions{}); !errors.Is(err, ErrCorruptTable) {
		t.Fatalf("Open = %v, want ErrCorruptTable", err)
	}
}

func TestAddAfterFinish(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(vfs.Default(), KlogFileName(dir, 1), "", WriterOptions{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	e := testEntry("k", 1, "v")
	if err := w.Add(&e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := w.Add(&e); !errors.Is(err, ErrClosed) {
		t.Fatalf("Add after Finish = %v, want ErrClosed", err)
	}
	if _, err := w.Finish(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Finish = %v, want ErrClosed", err)
	}
}

func TestTableInfoBounds(t *testing.T) {
	entries := []record.Entry{
		testEntry("apple", 7, "a"),
		testEntry("mango", 3, "m"),
		testEntry("zebra", 9, "z"),
	}
	_, _, info := writeTable(t, t.TempDir(), WriterOptions{}, entries)
	if got := record.UserKey(info.Smallest); !bytes.Equal(got, []byte("apple")) {
		t.Fatalf("Smallest = %q, want apple", got)
	}
	if got := record.UserKey(info.Largest); !bytes.Equal(got, []byte("zebra")) {
		t.Fatalf("Largest = %q, want zebra", got)
	}
	if info.MaxSeq != 9 {
		t.Fatalf("MaxSeq = %d, want 9", info.MaxSeq)
	}
}
