package lodekv

// backup.go implements full backups: a physical copy of every column
// family, taken while the database stays open for reads and writes, plus
// a small JSON manifest identifying what was captured. Unlike a
// checkpoint, a backup owns its bytes outright, so it survives the source
// being deleted and can live on another filesystem.

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lodekv/lodekv/internal/logging"
	"github.com/lodekv/lodekv/internal/vfs"
)

// BackupManifestName is the metadata file written at the root of every
// backup directory.
const BackupManifestName = "BACKUP"

// BackupInfo describes one completed backup.
type BackupInfo struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	Seq            uint64    `json:"seq"`
	ColumnFamilies []string  `json:"column_families"`
}

// Backup writes a full copy of the database to dir, which must not exist
// yet. Column families are copied in parallel and commits proceed
// normally throughout; the backup captures at least everything committed
// before the call. The directory can be opened directly or restored with
// RestoreBackup.
func (db *DB) Backup(dir string) error {
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

	names := db.ListColumnFamilies()
	var g errgroup.Group
	for _, name := range names {
		cf, err := db.ColumnFamily(name)
		if err != nil {
			continue
		}
		g.Go(func() error {
			return db.snapshotColumnFamily(cf, filepath.Join(dir, name), true)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	info := BackupInfo{
		ID:             uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
		Seq:            db.seq.Load(),
		ColumnFamilies: names,
	}
	data, err := json.MarshalIndent(&info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup manifest: %w", err)
	}
	if err := vfs.WriteFileAtomic(db.fs, filepath.Join(dir, BackupManifestName), data); err != nil {
		return fmt.Errorf("%w: write backup manifest: %w", ErrIO, err)
	}
	if err := db.fs.SyncDir(dir); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrIO, dir, err)
	}
	ok = true
	db.logger.Infof(logging.NSBackup+"wrote %s (%s, %d column families)",
		dir, info.ID, len(names))
	return nil
}

// ReadBackupInfo loads the manifest of a backup directory.
func ReadBackupInfo(dir string) (BackupInfo, error) {
	data, err := vfs.ReadFile(vfs.Default(), filepath.Join(dir, BackupManifestName))
	if err != nil {
		return BackupInfo{}, fmt.Errorf("%w: read backup manifest: %w", ErrIO, err)
	}
	var info BackupInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return BackupInfo{}, fmt.Errorf("%w: backup manifest: %w", ErrCorruption, err)
	}
	return info, nil
}

// RestoreBackup copies a backup into destDir, which must not exist yet.
// The restored directory opens like any database. opts supplies the
// filesystem; nil uses the default.
func RestoreBackup(backupDir, destDir string, opts *Options) error {
	fs := vfs.Default()
	if opts != nil && opts.FS != nil {
		fs = opts.FS
	}
	if !fs.Exists(filepath.Join(backupDir, BackupManifestName)) {
		return fmt.Errorf("%w: %s is not a backup directory", ErrInvalidArgument, backupDir)
	}
	if fs.Exists(destDir) {
		return fmt.Errorf("%w: %s already exists", ErrInvalidArgument, destDir)
	}

	ok := false
	defer func() {
		if !ok {
			_ = fs.RemoveAll(destDir)
		}
	}()
	if err := copyTree(fs, backupDir, destDir); err != nil {
		return err
	}
	ok = true
	return nil
}

func copyTree(fs vfs.FS, srcDir, dstDir string) error {
	if err := fs.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrIO, dstDir, err)
	}
	names, err := fs.ListDir(srcDir)
	if err != nil {
		return fmt.Errorf("%w: list %s: %w", ErrIO, srcDir, err)
	}
	for _, name := range names {
		src := filepath.Join(srcDir, name)
		dst := filepath.Join(dstDir, name)
		info, err := fs.Stat(src)
		if err != nil {
			return fmt.Errorf("%w: stat %s: %w", ErrIO, src, err)
		}
		if info.IsDir() {
			if err := copyTree(fs, src, dst); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(fs, src, dst); err != nil {
			return err
		}
	}
	return fs.SyncDir(dstDir)
}

func copyFile(fs vfs.FS, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrIO, src, err)
	}
	defer in.Close()
	out, err := fs.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrIO, dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = fs.Remove(dst)
		return fmt.Errorf("%w: copy %s: %w", ErrIO, dst, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("%w: sync %s: %w", ErrIO, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrIO, dst, err)
	}
	return nil
}
