// flush.go turns a frozen memtable into a level-0 table.
package levels

import (
	"errors"
	"fmt"

	"github.com/lodekv/lodekv/internal/logging"
	"github.com/lodekv/lodekv/internal/memtable"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/sstable"
)

// Flush writes mem to a new level-0 table and installs a version holding
// it. logNum is the WAL generation backing mem; on success the generation
// is marked flushed in the manifest and its file deleted. Flush is
// synchronous and must not run concurrently with itself; the caller
// flushes frozen memtables oldest-first.
//
// A memtable whose entries all drop (empty, or fully expired with nothing
// pinning them) produces no table; the WAL is still retired. The returned
// meta is nil in that case.
func (m *Manager) Flush(mem *memtable.MemTable, logNum uint64) (*TableMeta, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	m.flushing.Store(true)
	defer m.flushing.Store(false)

	if mem.Empty() {
		return nil, m.retireLog(logNum, 0)
	}

	bottom := func() bool {
		v := m.Current()
		defer v.Unref()
		return v.empty()
	}()

	fileNum := m.NextFileNum()
	klogPath := sstable.KlogFileName(m.dir, fileNum)
	vlogPath := sstable.VlogFileName(m.dir, fileNum)
	w, err := sstable.NewWriter(m.fs, klogPath, vlogPath, m.tableOpts())
	if err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	filter := dropFilter{
		cmp:    m.cmp,
		oldest: m.oldestSnapshot(),
		bottom: bottom,
		now:    m.now(),
	}
	it := mem.NewIter()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		e := it.Entry()
		if !filter.keep(&e) {
			continue
		}
		if err := w.Add(&e); err != nil {
			w.Abort()
			_ = it.Close()
			return nil, fmt.Errorf("flush: %w", err)
		}
	}
	if err := it.Close(); err != nil {
		w.Abort()
		return nil, fmt.Errorf("flush: %w", err)
	}

	info, err := w.Finish()
	if errors.Is(err, sstable.ErrEmptyTable) {
		w.Abort()
		return nil, m.retireLog(logNum, mem.MaxSeq())
	}
	if err != nil {
		w.Abort()
		return nil, fmt.Errorf("flush: %w", err)
	}

	meta := metaFromInfo(fileNum, info)
	table, err := openTable(m.fs, m.dir, meta, sstable.ReaderOptions{Comparator: m.cmp, Cache: m.opts.Cache}, m.logger)
	if err != nil {
		_ = m.fs.Remove(klogPath)
		if meta.hasVlog() {
			_ = m.fs.Remove(vlogPath)
		}
		return nil, fmt.Errorf("flush: %w", err)
	}

	if err := m.installFlush(table, logNum); err != nil {
		// installFlush released the handle; only the files remain.
		_ = m.fs.Remove(klogPath)
		if meta.hasVlog() {
			_ = m.fs.Remove(vlogPath)
		}
		return nil, err
	}

	m.logger.Infof(logging.NSFlush+"flushed wal %06d to table %06d: %d entries, %d bytes",
		logNum, fileNum, meta.NumEntries, meta.Size())
	m.removeObsoleteWALs()
	return &meta, nil
}

func metaFromInfo(fileNum uint64, info *sstable.TableInfo) TableMeta {
	return TableMeta{
		FileNum:    fileNum,
		Smallest:   info.Smallest,
		Largest:    info.Largest,
		KlogSize:   info.KlogSize,
		VlogSize:   info.VlogSize,
		NumEntries: info.NumEntries,
		KeyBytes:   info.KeyBytes,
		ValueBytes: info.ValueBytes,
		MaxSeq:     info.MaxSeq,
		MinExpiry:  info.MinExpiry,
		Layout:     info.Layout,
		NumBlocks:  info.NumBlocks,
		Height:     info.Height,
	}
}

// installFlush adds table to level 0 and persists the manifest with the
// advanced WAL watermark.
func (m *Manager) installFlush(table *Table, logNum uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := m.Current()
	defer base.Unref()

	m.vnum++
	next := base.apply(m.cmp, m.opts.DividingLevelOffset, versionEdit{
		addLevel: 0,
		add:      []*Table{table},
	}, m.vnum)

	prevLog, prevSeq := m.logNum, m.lastSeq
	if logNum+1 > m.logNum {
		m.logNum = logNum + 1
	}
	if table.Meta.MaxSeq > m.lastSeq {
		m.lastSeq = table.Meta.MaxSeq
	}
	if err := m.writeManifestLocked(next); err != nil {
		m.logNum, m.lastSeq = prevLog, prevSeq
		next.Ref()
		next.Unref()
		return err
	}
	m.install(next)
	return nil
}

// retireLog records a WAL generation as flushed without adding a table.
func (m *Manager) retireLog(logNum uint64, maxSeq record.SeqNum) error {
	m.mu.Lock()
	prevLog, prevSeq := m.logNum, m.lastSeq
	if logNum+1 > m.logNum {
		m.logNum = logNum + 1
	}
	if maxSeq > m.lastSeq {
		m.lastSeq = maxSeq
	}
	v := m.Current()
	err := m.writeManifestLocked(v)
	v.Unref()
	if err != nil {
		m.logNum, m.lastSeq = prevLog, prevSeq
	}
	m.mu.Unlock()
	if err == nil {
		m.removeObsoleteWALs()
	}
	return err
}

// removeObsoleteWALs deletes WAL files below the flushed watermark.
func (m *Manager) removeObsoleteWALs() {
	logNum := m.LogNum()
	names, err := m.fs.ListDir(m.dir)
	if err != nil {
		return
	}
	for _, name := range names {
		num, ext, ok := parseFileName(name)
		if ok && ext == ".wal" && num < logNum {
			_ = m.fs.Remove(m.WALPath(num))
		}
	}
}
