// clone.go materializes the current version in another directory.
package levels

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/lodekv/lodekv/internal/sstable"
	"github.com/lodekv/lodekv/internal/vfs"
)

// CloneTo writes a point-in-time copy of the current version into dstDir:
// every live table is hard-linked (or byte-copied when copyFiles is set or
// linking fails) and a fresh manifest is written last. The clone carries
// the source's allocator watermarks, so it reopens without file-number
// collisions. No WAL files are transferred; callers flush first when they
// need the memtable contents included.
//
// The version stays pinned for the duration, so concurrent compactions
// cannot delete a table mid-transfer.
func (m *Manager) CloneTo(fs vfs.FS, dstDir string, copyFiles bool) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := fs.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("clone: %w", err)
	}

	// Holding m.mu keeps the watermarks consistent with the version:
	// installs write both under the same lock.
	m.mu.Lock()
	v := m.Current()
	state := &manifestState{
		nextFileNum: m.nextFileNum.Load(),
		logNum:      m.logNum,
		lastSeq:     m.lastSeq,
		levels:      make([][]TableMeta, len(v.levels)),
	}
	m.mu.Unlock()
	defer v.Unref()

	for l, tables := range v.levels {
		state.levels[l] = make([]TableMeta, 0, len(tables))
		for _, t := range tables {
			state.levels[l] = append(state.levels[l], t.Meta)
		}
	}

	for _, tables := range v.levels {
		for _, t := range tables {
			if err := m.transferTable(fs, dstDir, &t.Meta, copyFiles); err != nil {
				return err
			}
		}
	}

	if err := saveManifest(fs, filepath.Join(dstDir, ManifestFileName), state); err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	return fs.SyncDir(dstDir)
}

func (m *Manager) transferTable(fs vfs.FS, dstDir string, meta *TableMeta, copyFiles bool) error {
	paths := [][2]string{
		{sstable.KlogFileName(m.dir, meta.FileNum), sstable.KlogFileName(dstDir, meta.FileNum)},
	}
	if meta.hasVlog() {
		paths = append(paths,
			[2]string{sstable.VlogFileName(m.dir, meta.FileNum), sstable.VlogFileName(dstDir, meta.FileNum)})
	}
	for _, p := range paths {
		if !copyFiles {
			if err := fs.Link(p[0], p[1]); err == nil {
				continue
			}
			// Linking fails across filesystems; fall back to a copy.
		}
		if err := copyFileTo(fs, p[0], p[1]); err != nil {
			return fmt.Errorf("clone: %s: %w", filepath.Base(p[0]), err)
		}
	}
	return nil
}

func copyFileTo(fs vfs.FS, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = fs.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
