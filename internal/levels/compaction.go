// compaction.go implements compaction picking and execution.
//
// Tiered levels compact on run count: every run of the level merges into
// one output at the next level. Leveled levels compact on size: the
// largest table merges with its overlap at the next level. Either way the
// output level's sorted-run invariant is preserved, so a merge into a
// leveled level always includes the overlapping resident tables.
package levels

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lodekv/lodekv/internal/iterator"
	"github.com/lodekv/lodekv/internal/logging"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/sstable"
)

// paceQuantum batches rate-limiter charges during merges.
const paceQuantum = 64 << 10

// compaction describes one picked merge.
type compaction struct {
	inputs      []*Table
	startLevel  int
	outputLevel int
	reason      string

	// bottom means no level deeper than outputLevel holds data, which
	// allows dropping tombstones and expired entries outright.
	bottom bool
}

func (c *compaction) inputBytes() uint64 {
	var n uint64
	for _, t := range c.inputs {
		n += t.Meta.Size()
	}
	return n
}

// dropFilter decides, entry by entry in internal-key order, what survives
// a merge. It keeps every version younger than the oldest live snapshot
// plus the newest version at or below it; older versions are unobservable.
// Expired entries degrade to tombstones so they keep masking older
// versions at deeper levels, and tombstones drop entirely once the merge
// writes the deepest populated level.
type dropFilter struct {
	cmp    record.Compare
	oldest record.SeqNum
	bottom bool
	now    int64

	lastKey         []byte
	haveLast        bool
	seenBelowOldest bool
}

// keep reports whether e survives, possibly rewriting it in place.
func (f *dropFilter) keep(e *record.Entry) bool {
	if !f.haveLast || f.cmp(e.Key, f.lastKey) != 0 {
		f.lastKey = append(f.lastKey[:0], e.Key...)
		f.haveLast = true
		f.seenBelowOldest = false
	}
	if f.seenBelowOldest {
		return false
	}
	visible := e.Seq <= f.oldest
	if visible {
		f.seenBelowOldest = true
	}
	if e.Expired(f.now) {
		if f.bottom && visible {
			return false
		}
		e.Kind = record.KindTombstone
		e.Value = nil
		e.Vlog = false
		e.VOffset, e.VLen = 0, 0
		e.Expiry = 0
		return true
	}
	if e.Tombstone() && f.bottom && visible {
		return false
	}
	return true
}

// levelTarget returns the size trigger for a leveled level.
func (m *Manager) levelTarget(level int) uint64 {
	target := uint64(m.opts.WriteBufferSize)
	ratio := uint64(m.opts.LevelSizeRatio)
	for i := 0; i < level; i++ {
		next := target * ratio
		if next/ratio != target {
			return math.MaxUint64
		}
		target = next
	}
	return target
}

// NeedsCompaction reports whether a trigger currently fires.
func (m *Manager) NeedsCompaction() bool {
	if m.closed.Load() {
		return false
	}
	v := m.Current()
	defer v.Unref()
	return m.pickCompaction(v) != nil
}

// pickCompaction returns the next triggered compaction, or nil.
func (m *Manager) pickCompaction(v *Version) *compaction {
	for level := 0; level < m.opts.DividingLevelOffset; level++ {
		if v.NumTables(level) >= m.opts.L1FileCountTrigger {
			return m.tieredCompaction(v, level, "run count")
		}
	}
	// The last level has no size target; compacting it would only
	// rewrite in place.
	for level := m.opts.DividingLevelOffset; level < m.opts.MaxLevels-1; level++ {
		if level < m.opts.MinLevels {
			continue
		}
		if v.LevelSize(level) > m.levelTarget(level) {
			return m.leveledCompaction(v, level, "level size")
		}
	}
	return nil
}

// tieredCompaction merges every run at level into one output at level+1.
func (m *Manager) tieredCompaction(v *Version, level int, reason string) *compaction {
	inputs := append([]*Table(nil), v.Tables(level)...)
	if len(inputs) == 0 {
		return nil
	}
	out := level + 1
	c := &compaction{
		inputs:      inputs,
		startLevel:  level,
		outputLevel: out,
		reason:      reason,
		bottom:      v.emptyBelow(out),
	}
	if out >= m.opts.DividingLevelOffset {
		// Leveled target: pull the overlap in, so the output never
		// stacks on a table sharing its key range.
		lo, hi := userRange(m.cmp, inputs)
		c.inputs = append(c.inputs, v.overlapping(m.cmp, out, lo, hi)...)
	} else if v.NumTables(out) > 0 {
		// Tiered target with resident runs: those runs may hold older
		// versions of any key, so nothing can be dropped for good.
		c.bottom = false
	}
	return c
}

// leveledCompaction merges the level's largest table with its overlap one
// level deeper.
func (m *Manager) leveledCompaction(v *Version, level int, reason string) *compaction {
	var picked *Table
	for _, t := range v.Tables(level) {
		if picked == nil || t.Meta.Size() > picked.Meta.Size() {
			picked = t
		}
	}
	if picked == nil {
		return nil
	}
	out := level + 1
	inputs := []*Table{picked}
	inputs = append(inputs, v.overlapping(m.cmp, out, picked.smallestUser(), picked.largestUser())...)
	return &compaction{
		inputs:      inputs,
		startLevel:  level,
		outputLevel: out,
		reason:      reason,
		bottom:      v.emptyBelow(out),
	}
}

/// pickForced returns work for a manual compaction: the shallowest
// populated level merges down, until the data sits in a single sorted run
// or a single leveled level.
func (m *Manager) pickForced(v *Version) *compaction {
	lowest, populated := -1, 0
	for l := range v.levels {
		if len(v.levels[l]) > 0 {
			if lowest == -1 {
				lowest = l
			}
			populated++
		}
	}
	if lowest == -1 {
		return nil
	}
	if populated == 1 {
		if lowest >= m.opts.DividingLevelOffset || v.NumTables(lowest) == 1 {
			return nil
		}
	}
	c := m.tieredCompaction(v, lowest, "manual")
	return c
}

func userRange(cmp record.Compare, tables []*Table) (lo, hi []byte) {
	lo, hi = tables[0].smallestUser(), tables[0].largestUser()
	for _, t := range tables[1:] {
		if cmp(t.smallestUser(), lo) < 0 {
			lo = t.smallestUser()
		}
		if cmp(t.largestUser(), hi) > 0 {
			hi = t.largestUser()
		}
	}
	return lo, hi
}

// CompactOnce runs the next triggered compaction. It returns false when no
// trigger fires. Compactions within one column family run one at a time.
func (m *Manager) CompactOnce() (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	m.compactMu.Lock()
	defer m.compactMu.Unlock()
	v := m.Current()
	c := m.pickCompaction(v)
	v.Unref()
	if c == nil {
		return false, nil
	}
	if err := m.runCompaction(c); err != nil {
		return false, err
	}
	return true, nil
}

/// CompactAll drives compaction to completion: first every outstanding
// trigger, then forced merges until the data forms a single run. It is the
// synchronous backend of a manual compaction request.
func (m *Manager) CompactAll() error {
	for {
		did, err := m.CompactOnce()
		if err != nil {
			return err
		}
		if did {
			continue
		}
		m.compactMu.Lock()
		v := m.Current()
		c := m.pickForced(v)
		v.Unref()
		if c == nil {
			m.compactMu.Unlock()
			return nil
		}
		err = m.runCompaction(c)
		m.compactMu.Unlock()
		if err != nil {
			return err
		}
	}
}

// runCompaction merges c's inputs into one output table and installs the
// resulting version. Caller holds compactMu.
func (m *Manager) runCompaction(c *compaction) error {
	m.compacting.Store(true)
	defer m.compacting.Store(false)
	start := time.Now()

	iters := make([]iterator.Iterator, 0, len(c.inputs))
	for _, t := range c.inputs {
		iters = append(iters, t.reader.NewIter())
	}
	merge := iterator.NewMerging(m.cmp, iters...)
	defer func() { _ = merge.Close() }()

	fileNum := m.NextFileNum()
	klogPath := sstable.KlogFileName(m.dir, fileNum)
	vlogPath := sstable.VlogFileName(m.dir, fileNum)
	w, err := sstable.NewWriter(m.fs, klogPath, vlogPath, m.tableOpts())
	if err != nil {
		return fmt.Errorf("compaction: %w", err)
	}

	filter := dropFilter{
		cmp:    m.cmp,
		oldest: m.oldestSnapshot(),
		bottom: c.bottom,
		now:    m.now(),
	}
	pending := 0
	for merge.SeekToFirst(); merge.Valid(); merge.Next() {
		if m.closed.Load() {
			w.Abort()
			return ErrClosed
		}
		e := merge.Entry()
		if !filter.keep(&e) {
			continue
		}
		if e.Kind == record.KindValue {
			// Values may point into an input's vlog; rewrite them
			// inline and let the writer re-separate.
			val, verr := merge.Value()
			if verr != nil {
				w.Abort()
				return fmt.Errorf("compaction: %w", verr)
			}
			e.Value = val
			e.Vlog = false
			e.VOffset, e.VLen = 0, 0
		}
		if err := w.Add(&e); err != nil {
			w.Abort()
			return fmt.Errorf("compaction: %w", err)
		}
		pending += len(e.Key) + len(e.Value)
		if pending >= paceQuantum {
			m.pace(pending)
			pending = 0
		}
	}
	if err := merge.Error(); err != nil {
		w.Abort()
		return fmt.Errorf("compaction: %w", err)
	}
	m.pace(pending)

	var table *Table
	info, err := w.Finish()
	switch {
	case errors.Is(err, sstable.ErrEmptyTable):
		// Every entry dropped; the inputs simply disappear.
		w.Abort()
	case err != nil:
		w.Abort()
		return fmt.Errorf("compaction: %w", err)
	default:
		meta := metaFromInfo(fileNum, info)
		table, err = openTable(m.fs, m.dir, meta,
			sstable.ReaderOptions{Comparator: m.cmp, Cache: m.opts.Cache}, m.logger)
		if err != nil {
			_ = m.fs.Remove(klogPath)
			if meta.hasVlog() {
				_ = m.fs.Remove(vlogPath)
			}
			return fmt.Errorf("compaction: %w", err)
		}
	}

	if err := m.installCompaction(c, table); err != nil {
		_ = m.fs.Remove(klogPath)
		if table != nil && table.Meta.hasVlog() {
			_ = m.fs.Remove(vlogPath)
		}
		return err
	}

	outBytes := uint64(0)
	outDesc := "nothing"
	if table != nil {
		outBytes = table.Meta.Size()
		outDesc = fmt.Sprintf("table %06d", table.Meta.FileNum)
	}
	m.logger.Infof(logging.NSCompact+"%s: L%d->L%d, %d tables (%d bytes) to %s (%d bytes) in %s",
		c.reason, c.startLevel, c.outputLevel, len(c.inputs), c.inputBytes(),
		outDesc, outBytes, time.Since(start).Round(time.Millisecond))
	return nil
}

// installCompaction swaps c's inputs for the output table and persists the
// manifest. Inputs become obsolete once the manifest no longer references
// them; their files go when the last reader releases.
func (m *Manager) installCompaction(c *compaction, table *Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := m.Current()
	defer base.Unref()

	remove := make(map[*Table]bool, len(c.inputs))
	for _, t := range c.inputs {
		remove[t] = true
	}
	edit := versionEdit{addLevel: -1, remove: remove}
	if table != nil {
		edit.addLevel = c.outputLevel
		edit.add = []*Table{table}
	}

	m.vnum++
	next := base.apply(m.cmp, m.opts.DividingLevelOffset, edit, m.vnum)
	if err := m.writeManifestLocked(next); err != nil {
		next.Ref()
		next.Unref()
		return err
	}
	m.install(next)
	for _, t := range c.inputs {
		t.markObsolete()
	}
	return nil
}
