package lodekv

// checkpoint.go implements near-instant openable snapshots. A checkpoint
// flushes each column family and hard-links its tables into the target
// directory, so the cost is one flush plus directory metadata regardless
// of data size.

import (
	"fmt"
	"path/filepath"

	"github.com/lodekv/lodekv/internal/logging"
)

// Checkpoint writes a consistent snapshot of every column family to dir,
// which must not exist yet. The result is a complete database directory:
// opening it yields the state as of this call. Tables are hard-linked
// when dir is on the same filesystem and copied otherwise.
func (db *DB) Checkpoint(dir string) error {
	return db.snapshotTo(dir, false)
}

// snapshotTo materializes the database under dir, linking or copying
// table files per copyFiles.
func (db *DB) snapshotTo(dir string, copyFiles bool) error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if db.fs.Exists(dir) {
		return fmt.Errorf("%w: %s already exists", ErrInvalidArgument, dir)
	}
	if err := db.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrIO, dir, err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = db.fs.RemoveAll(dir)
		}
	}()

	for _, name := range db.ListColumnFamilies() {
		cf, err := db.ColumnFamily(name)
		if err != nil {
			// Dropped while we walked the list.
			continue
		}
		if err := db.snapshotColumnFamily(cf, filepath.Join(dir, name), copyFiles); err != nil {
			return err
		}
	}
	if err := db.fs.SyncDir(dir); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrIO, dir, err)
	}
	ok = true
	db.logger.Infof(logging.NSCheckpoint+"wrote %s", dir)
	return nil
}

func (db *DB) snapshotColumnFamily(cf *ColumnFamily, dstDir string, copyFiles bool) error {
	if err := cf.FlushMemtable(); err != nil {
		return err
	}
	if err := cf.levels.CloneTo(db.fs, dstDir, copyFiles); err != nil {
		return classify(err)
	}
	cfg := cf.config
	return writeConfig(db.fs, dstDir, &cfg)
}
