package levels

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/lodekv/lodekv/internal/record"
)

func ikey(user string, seq record.SeqNum) []byte {
	return record.MakeInternalKey([]byte(user), seq, record.KindValue)
}

func fakeTable(num uint64, lo, hi string, maxSeq record.SeqNum, size uint64) *Table {
	return &Table{Meta: TableMeta{
		FileNum:    num,
		Smallest:   ikey(lo, maxSeq),
		Largest:    ikey(hi, 1),
		KlogSize:   size,
		NumEntries: 1,
		MaxSeq:     maxSeq,
	}}
}

func fakeVersion(maxLevels int, levels map[int][]*Table) *Version {
	v := newVersion(maxLevels, 1)
	for l, tables := range levels {
		v.levels[l] = tables
	}
	return v
}

func pickManager(mod func(*Options)) *Manager {
	opts := Options{
		Comparator:          bytes.Compare,
		MaxLevels:           5,
		DividingLevelOffset: 2,
		L1FileCountTrigger:  4,
		LevelSizeRatio:      10,
		WriteBufferSize:     100,
	}
	if mod != nil {
		mod(&opts)
	}
	return &Manager{cmp: bytes.Compare, opts: opts.withDefaults()}
}

func TestLevelTarget(t *testing.T) {
	m := pickManager(nil)
	for _, tc := range []struct {
		level int
		want  uint64
	}{
		{0, 100},
		{1, 1000},
		{3, 100000},
	} {
		if got := m.levelTarget(tc.level); got != tc.want {
			t.Errorf("levelTarget(%d) = %d, want %d", tc.level, got, tc.want)
		}
	}
	huge := pickManager(func(o *Options) { o.WriteBufferSize = 1 << 60 })
	if got := huge.levelTarget(3); got != math.MaxUint64 {
		t.Errorf("overflowing target = %d, want MaxUint64", got)
	}
}

func TestPickTieredRunCount(t *testing.T) {
	m := pickManager(nil)
	runs := []*Table{
		fakeTable(3, "a", "m", 30, 100),
		fakeTable(2, "b", "z", 20, 100),
		fakeTable(1, "c", "k", 10, 100),
	}

	v := fakeVersion(5, map[int][]*Table{0: runs})
	if c := m.pickCompaction(v); c != nil {
		t.Fatalf("picked %+v below the run-count trigger", c)
	}

	runs = append(runs, fakeTable(4, "d", "e", 40, 100))
	v = fakeVersion(5, map[int][]*Table{0: runs})
	c := m.pickCompaction(v)
	if c == nil {
		t.Fatal("no compaction at the run-count trigger")
	}
	if c.startLevel != 0 || c.outputLevel != 1 || c.reason != "run count" {
		t.Fatalf("pick = L%d->L%d %q", c.startLevel, c.outputLevel, c.reason)
	}
	if len(c.inputs) != 4 {
		t.Fatalf("inputs = %d, want every run", len(c.inputs))
	}
	if !c.bottom {
		t.Fatal("expected bottom with nothing deeper")
	}

	// Anything deeper keeps the merge from being bottom-most.
	v = fakeVersion(5, map[int][]*Table{
		0: runs,
		3: {fakeTable(9, "q", "r", 5, 100)},
	})
	if c := m.pickCompaction(v); c == nil || c.bottom {
		t.Fatalf("pick = %+v, want non-bottom", c)
	}
}

func TestPickTieredResidentRuns(t *testing.T) {
	// Dividing offset 3 makes level 1 tiered. Runs already living there
	// may hold older versions of any key, so the merge into it cannot
	// drop tombstones for good.
	m := pickManager(func(o *Options) {
		o.DividingLevelOffset = 3
		o.L1FileCountTrigger = 2
	})
	v := fakeVersion(5, map[int][]*Table{
		0: {fakeTable(2, "a", "z", 20, 100), fakeTable(3, "a", "z", 30, 100)},
		1: {fakeTable(1, "a", "z", 10, 100)},
	})
	c := m.pickCompaction(v)
	if c == nil || c.outputLevel != 1 {
		t.Fatalf("pick = %+v, want merge into level 1", c)
	}
	if len(c.inputs) != 2 {
		t.Fatalf("inputs = %d, want level 0 runs only", len(c.inputs))
	}
	if c.bottom {
		t.Fatal("bottom despite resident runs at the target level")
	}
}

func TestPickTieredPullsLeveledOverlap(t *testing.T) {
	m := pickManager(func(o *Options) {
		o.DividingLevelOffset = 1
		o.L1FileCountTrigger = 2
	})
	overlapped := fakeTable(10, "a", "c", 5, 100)
	clear := fakeTable(11, "x", "z", 6, 100)
	v := fakeVersion(5, map[int][]*Table{
		0: {fakeTable(1, "b", "d", 10, 100), fakeTable(2, "c", "f", 20, 100)},
		1: {overlapped, clear},
	})
	c := m.pickCompaction(v)
	if c == nil || c.startLevel != 0 || c.outputLevel != 1 {
		t.Fatalf("pick = %+v", c)
	}
	if len(c.inputs) != 3 {
		t.Fatalf("inputs = %d, want both runs plus the overlap", len(c.inputs))
	}
	for _, in := range c.inputs {
		if in == clear {
			t.Fatal("pulled a table outside the key range")
		}
	}
	// The leftover table shares no keys with the merge, so the output is
	// still the bottom-most data for its range.
	if !c.bottom {
		t.Fatal("not bottom despite empty deeper levels")
	}
}

func TestPickLeveledSize(t *testing.T) {
	m := pickManager(func(o *Options) {
		o.DividingLevelOffset = 1
	})
	small := fakeTable(1, "a", "c", 5, 600)
	large := fakeTable(2, "m", "p", 6, 900)
	overlapped := fakeTable(20, "n", "q", 2, 100)
	clear := fakeTable(21, "a", "b", 3, 100)

	v := fakeVersion(5, map[int][]*Table{
		1: {small, large},
		2: {overlapped, clear},
	})
	c := m.pickCompaction(v)
	if c == nil {
		t.Fatal("no compaction with level 1 over target")
	}
	if c.startLevel != 1 || c.outputLevel != 2 || c.reason != "level size" {
		t.Fatalf("pick = L%d->L%d %q", c.startLevel, c.outputLevel, c.reason)
	}
	if len(c.inputs) != 2 || c.inputs[0] != large || c.inputs[1] != overlapped {
		t.Fatalf("inputs = %v, want the largest table plus its overlap", c.inputs)
	}
	if !c.bottom {
		t.Fatal("not bottom despite empty deeper levels")
	}

	// Under target: nothing to do.
	v = fakeVersion(5, map[int][]*Table{1: {fakeTable(1, "a", "c", 5, 900)}})
	if c := m.pickCompaction(v); c != nil {
		t.Fatalf("picked %+v below the size target", c)
	}
}

func TestPickSkipsLastLevel(t *testing.T) {
	m := pickManager(func(o *Options) {
		o.DividingLevelOffset = 1
	})
	v := fakeVersion(5, map[int][]*Table{
		4: {fakeTable(1, "a", "z", 5, 1 << 40)},
	})
	if c := m.pickCompaction(v); c != nil {
		t.Fatalf("picked %+v at the last level", c)
	}
}

func TestPickHonorsMinLevels(t *testing.T) {
	m := pickManager(func(o *Options) {
		o.DividingLevelOffset = 1
		o.MinLevels = 3
	})
	v := fakeVersion(5, map[int][]*Table{
		1: {fakeTable(1, "a", "c", 5, 1 << 30)},
		3: {fakeTable(2, "m", "p", 6, 1 << 30)},
	})
	c := m.pickCompaction(v)
	if c == nil || c.startLevel != 3 {
		t.Fatalf("pick = %+v, want level 3 (levels below MinLevels exempt)", c)
	}
}

func TestPickForced(t *testing.T) {
	m := pickManager(nil)

	if c := m.pickForced(fakeVersion(5, nil)); c != nil {
		t.Fatalf("forced pick on empty version = %+v", c)
	}

	// A single run at a tiered level is as compact as it gets.
	v := fakeVersion(5, map[int][]*Table{1: {fakeTable(1, "a", "z", 5, 100)}})
	if c := m.pickForced(v); c != nil {
		t.Fatalf("forced pick on a single run = %+v", c)
	}

	// A single populated leveled level is done even with many tables.
	v = fakeVersion(5, map[int][]*Table{
		3: {fakeTable(1, "a", "c", 5, 100), fakeTable(2, "m", "p", 6, 100)},
	})
	if c := m.pickForced(v); c != nil {
		t.Fatalf("forced pick on settled leveled data = %+v", c)
	}

	// Otherwise the shallowest populated level merges down.
	v = fakeVersion(5, map[int][]*Table{
		1: {fakeTable(1, "a", "c", 5, 100), fakeTable(2, "m", "p", 6, 100)},
		3: {fakeTable(3, "a", "z", 2, 100)},
	})
	c := m.pickForced(v)
	if c == nil || c.startLevel != 1 || c.outputLevel != 2 || c.reason != "manual" {
		t.Fatalf("forced pick = %+v", c)
	}
}

func TestDropFilter(t *testing.T) {
	now := time.Now().UnixNano()
	past := now - int64(time.Hour)
	future := now + int64(time.Hour)

	entry := func(key string, seq record.SeqNum, kind record.Kind, expiry int64) record.Entry {
		return record.Entry{Key: []byte(key), Seq: seq, Kind: kind, Value: []byte("v"), Expiry: expiry}
	}

	t.Run("superseded versions drop", func(t *testing.T) {
		f := &dropFilter{cmp: bytes.Compare, oldest: record.MaxSeqNum, now: now}
		a5 := entry("a", 5, record.KindValue, 0)
		a3 := entry("a", 3, record.KindValue, 0)
		b1 := entry("b", 1, record.KindValue, 0)
		if !f.keep(&a5) {
			t.Error("newest version dropped")
		}
		if f.keep(&a3) {
			t.Error("superseded version kept")
		}
		if !f.keep(&b1) {
			t.Error("state leaked across keys")
		}
	})

	t.Run("snapshot pins the straddling version", func(t *testing.T) {
		f := &dropFilter{cmp: bytes.Compare, oldest: 3, now: now}
		a5 := entry("a", 5, record.KindValue, 0)
		a3 := entry("a", 3, record.KindValue, 0)
		a1 := entry("a", 1, record.KindValue, 0)
		if !f.keep(&a5) || !f.keep(&a3) {
			t.Error("versions the snapshot can reach were dropped")
		}
		if f.keep(&a1) {
			t.Error("version shadowed for every reader was kept")
		}
	})

	t.Run("tombstones", func(t *testing.T) {
		f := &dropFilter{cmp: bytes.Compare, oldest: record.MaxSeqNum, now: now, bottom: true}
		d := entry("a", 5, record.KindTombstone, 0)
		if f.keep(&d) {
			t.Error("bottom-most tombstone kept")
		}
		f = &dropFilter{cmp: bytes.Compare, oldest: record.MaxSeqNum, now: now}
		d = entry("a", 5, record.KindTombstone, 0)
		if !f.keep(&d) {
			t.Error("tombstone dropped above the bottom")
		}
	})

	t.Run("expired degrades to a tombstone", func(t *testing.T) {
		f := &dropFilter{cmp: bytes.Compare, oldest: record.MaxSeqNum, now: now}
		e := entry("a", 5, record.KindValue, past)
		if !f.keep(&e) {
			t.Fatal("expired entry dropped above the bottom")
		}
		if !e.Tombstone() || e.Value != nil || e.Expiry != 0 || e.Vlog {
			t.Fatalf("degraded entry = %+v, want a bare tombstone", e)
		}
	})

	t.Run("expired drops at the bottom", func(t *testing.T) {
		f := &dropFilter{cmp: bytes.Compare, oldest: record.MaxSeqNum, now: now, bottom: true}
		e := entry("a", 5, record.KindValue, past)
		if f.keep(&e) {
			t.Error("bottom-most expired entry kept")
		}
	})

	t.Run("live ttl is kept intact", func(t *testing.T) {
		f := &dropFilter{cmp: bytes.Compare, oldest: record.MaxSeqNum, now: now, bottom: true}
		e := entry("a", 5, record.KindValue, future)
		if !f.keep(&e) {
			t.Fatal("unexpired entry dropped")
		}
		if e.Tombstone() || e.Expiry != future {
			t.Fatalf("unexpired entry mutated: %+v", e)
		}
	})

	t.Run("expired pinned by snapshot degrades instead of dropping", func(t *testing.T) {
		f := &dropFilter{cmp: bytes.Compare, oldest: 2, now: now, bottom: true}
		e := entry("a", 5, record.KindValue, past)
		if !f.keep(&e) {
			t.Fatal("entry above the snapshot horizon dropped")
		}
		if !e.Tombstone() {
			t.Fatalf("entry = %+v, want degraded tombstone", e)
		}
	})
}
