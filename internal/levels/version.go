// version.go implements refcounted LSM versions and table handles.
//
// A Version is an immutable snapshot of level membership. Readers take a
// reference on the current version so flush and compaction can install
// successors without invalidating open iterators; a table's files are
// removed only after the last version referencing it is released.
package levels

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/lodekv/lodekv/internal/logging"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/sstable"
	"github.com/lodekv/lodekv/internal/vfs"
)

// TableMeta describes one table independently of its open reader. The
// fields mirror what the manifest persists.
type TableMeta struct {
	FileNum uint64

	// Smallest and Largest are internal keys bounding the table.
	Smallest []byte
	Largest  []byte

	KlogSize   uint64
	VlogSize   uint64
	NumEntries uint64
	KeyBytes   uint64
	ValueBytes uint64
	MaxSeq     record.SeqNum

	// MinExpiry is the earliest nonzero expiry in the table as unixnano,
	// zero when nothing expires.
	MinExpiry int64

	Layout    sstable.Layout
	NumBlocks uint32
	Height    uint32
}

func (m *TableMeta) hasVlog() bool { return m.VlogSize > 0 }

// Size returns the on-disk footprint of the table's files.
func (m *TableMeta) Size() uint64 { return m.KlogSize + m.VlogSize }

// Table pairs a TableMeta with its open reader. The handle is refcounted:
// each version holding the table owns one reference, and the files are
// deleted when an obsolete table loses its last reference.
type Table struct {
	Meta TableMeta

	fs       vfs.FS
	klogPath string
	vlogPath string
	reader   *sstable.Reader
	logger   logging.Logger

	refs     atomic.Int32
	obsolete atomic.Bool
}

func openTable(fs vfs.FS, dir string, meta TableMeta, ropts sstable.ReaderOptions, logger logging.Logger) (*Table, error) {
	klogPath := sstable.KlogFileName(dir, meta.FileNum)
	vlogPath := ""
	if meta.hasVlog() {
		vlogPath = sstable.VlogFileName(dir, meta.FileNum)
	}
	r, err := sstable.Open(fs, klogPath, vlogPath, ropts)
	if err != nil {
		return nil, fmt.Errorf("open table %06d: %w", meta.FileNum, err)
	}
	return &Table{
		Meta:     meta,
		fs:       fs,
		klogPath: klogPath,
		vlogPath: vlogPath,
		reader:   r,
		logger:   logger,
	}, nil
}

// Reader returns the table's open reader. The caller must hold a version
// reference that includes this table.
func (t *Table) Reader() *sstable.Reader { return t.reader }

func (t *Table) ref() { t.refs.Add(1) }

func (t *Table) unref() {
	n := t.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("levels: table refcount below zero")
	}
	if err := t.reader.Close(); err != nil {
		t.logger.Warnf(logging.NSCompact+"close table %06d: %v", t.Meta.FileNum, err)
	}
	if t.obsolete.Load() {
		if err := t.fs.Remove(t.klogPath); err != nil {
			t.logger.Warnf(logging.NSCompact+"remove %s: %v", t.klogPath, err)
		}
		if t.vlogPath != "" {
			if err := t.fs.Remove(t.vlogPath); err != nil {
				t.logger.Warnf(logging.NSCompact+"remove %s: %v", t.vlogPath, err)
			}
		}
	}
}

// markObsolete schedules file deletion once the last reference drops. Call
// only after a manifest excluding the table has been persisted.
func (t *Table) markObsolete() { t.obsolete.Store(true) }

func (t *Table) smallestUser() []byte { return record.UserKey(t.Meta.Smallest) }
func (t *Table) largestUser() []byte  { return record.UserKey(t.Meta.Largest) }

// overlapsUser reports whether the table's user-key range intersects
// [lo, hi].
func (t *Table) overlapsUser(cmp record.Compare, lo, hi []byte) bool {
	return cmp(t.largestUser(), lo) >= 0 && cmp(t.smallestUser(), hi) <= 0
}

// containsUser reports whether key falls inside the table's user-key range.
func (t *Table) containsUser(cmp record.Compare, key []byte) bool {
	return cmp(key, t.smallestUser()) >= 0 && cmp(key, t.largestUser()) <= 0
}

// Version is an immutable snapshot of the tables at every level.
//
// Tiered levels (index < DividingLevelOffset) hold whole sorted runs whose
// key ranges may overlap; they are ordered newest-first by sequence
// watermark. Leveled levels hold non-overlapping tables sorted by smallest
// key.
type Version struct {
	levels [][]*Table
	refs   atomic.Int32
	vnum   uint64
}

func newVersion(numLevels int, vnum uint64) *Version {
	return &Version{levels: make([][]*Table, numLevels), vnum: vnum}
}

// Ref takes a reference on the version and every table it holds.
func (v *Version) Ref() { v.refs.Add(1) }

// Unref releases the version; at zero it releases all member tables.
func (v *Version) Unref() {
	n := v.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("levels: version refcount below zero")
	}
	for _, level := range v.levels {
		for _, t := range level {
			t.unref()
		}
	}
}

// NumLevels returns the number of levels, populated or not.
func (v *Version) NumLevels() int { return len(v.levels) }

// Tables returns the tables at level, in the level's storage order.
func (v *Version) Tables(level int) []*Table {
	if level < 0 || level >= len(v.levels) {
		return nil
	}
	return v.levels[level]
}

// NumTables returns the table count at level.
func (v *Version) NumTables(level int) int { return len(v.Tables(level)) }

// TotalTables returns the table count across all levels.
func (v *Version) TotalTables() int {
	total := 0
	for _, level := range v.levels {
		total += len(level)
	}
	return total
}

// LevelSize returns the on-disk bytes at level.
func (v *Version) LevelSize(level int) uint64 {
	var size uint64
	for _, t := range v.Tables(level) {
		size += t.Meta.Size()
	}
	return size
}

// LevelEntries returns the entry count at level.
func (v *Version) LevelEntries(level int) uint64 {
	var n uint64
	for _, t := range v.Tables(level) {
		n += t.Meta.NumEntries
	}
	return n
}

// MaxSeq returns the highest sequence watermark across all tables.
func (v *Version) MaxSeq() record.SeqNum {
	var max record.SeqNum
	for _, level := range v.levels {
		for _, t := range level {
			if t.Meta.MaxSeq > max {
				max = t.Meta.MaxSeq
			}
		}
	}
	return max
}

// empty reports whether no level holds a table.
func (v *Version) empty() bool { return v.TotalTables() == 0 }

// emptyBelow reports whether all levels deeper than level are empty.
func (v *Version) emptyBelow(level int) bool {
	for l := level + 1; l < len(v.levels); l++ {
		if len(v.levels[l]) > 0 {
			return false
		}
	}
	return true
}

// overlapping returns the tables at level intersecting the user-key range
// [lo, hi].
func (v *Version) overlapping(cmp record.Compare, level int, lo, hi []byte) []*Table {
	var out []*Table
	for _, t := range v.Tables(level) {
		if t.overlapsUser(cmp, lo, hi) {
			out = append(out, t)
		}
	}
	return out
}

// versionEdit describes the delta from one version to its successor.
type versionEdit struct {
	addLevel int
	add      []*Table
	remove   map[*Table]bool
}

// apply builds the successor version. Added and surviving tables each gain
// one reference owned by the new version; removed tables simply do not
// carry over. dividing marks the first leveled level and controls the
// per-level sort order.
func (v *Version) apply(cmp record.Compare, dividing int, edit versionEdit, vnum uint64) *Version {
	next := newVersion(len(v.levels), vnum)
	for l, tables := range v.levels {
		for _, t := range tables {
			if edit.remove[t] {
				continue
			}
			next.levels[l] = append(next.levels[l], t)
		}
	}
	if edit.addLevel >= 0 {
		next.levels[edit.addLevel] = append(next.levels[edit.addLevel], edit.add...)
		next.sortLevel(cmp, dividing, edit.addLevel)
	}
	for _, level := range next.levels {
		for _, t := range level {
			t.ref()
		}
	}
	return next
}

// sortLevel restores the level's storage order after an insertion: newest
// run first for tiered levels, smallest key first for leveled levels.
func (v *Version) sortLevel(cmp record.Compare, dividing, level int) {
	tables := v.levels[level]
	if level < dividing {
		sort.SliceStable(tables, func(i, j int) bool {
			if tables[i].Meta.MaxSeq != tables[j].Meta.MaxSeq {
				return tables[i].Meta.MaxSeq > tables[j].Meta.MaxSeq
			}
			return tables[i].Meta.FileNum > tables[j].Meta.FileNum
		})
		return
	}
	sort.SliceStable(tables, func(i, j int) bool {
		return cmp(tables[i].smallestUser(), tables[j].smallestUser()) < 0
	})
}

// get searches the version for the newest entry of key visible at or below
// the given sequence. Tombstones and expired entries are returned as
// stored; interpretation belongs to the caller.
//
// Within a tiered level the runs carry disjoint sequence ranges and are
// ordered newest-first, so the first run producing a visible entry wins.
// Across levels, newer versions of a key always live at the same or a
// shallower level.
func (v *Version) get(cmp record.Compare, key []byte, visible record.SeqNum) (record.Entry, bool, error) {
	for _, level := range v.levels {
		for _, t := range level {
			if !t.containsUser(cmp, key) {
				continue
			}
			e, ok, err := t.reader.Get(key, visible)
			if err != nil {
				return record.Entry{}, false, err
			}
			if ok {
				return e, true, nil
			}
		}
	}
	return record.Entry{}, false, nil
}
