// Package vfs abstracts the filesystem under the storage engine.
//
// Production code uses the OS filesystem via Default(). The indirection
// exists so tests can interpose failing or faulty filesystems, and so every
// durability point (file sync, directory sync, atomic replace) goes through
// one audited surface.
package vfs

import (
	"io"
	"os"
	"path/filepath"
)

// FS is the filesystem surface the engine depends on.
type FS interface {
	// Create opens a new writable file, truncating any existing one.
	Create(name string) (WritableFile, error)

	// Open opens a file for sequential reading.
	Open(name string) (SequentialFile, error)

	// OpenRandomAccess opens a file for positioned reads.
	OpenRandomAccess(name string) (RandomAccessFile, error)

	// Rename atomically replaces newname with oldname.
	Rename(oldname, newname string) error

	// Link creates a hard link from oldname to newname.
	Link(oldname, newname string) error

	// Remove deletes a file.
	Remove(name string) error

	// RemoveAll deletes a directory tree.
	RemoveAll(path string) error

	// MkdirAll creates a directory and any missing parents.
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file metadata.
	Stat(name string) (os.FileInfo, error)

	// Exists reports whether the path exists.
	Exists(name string) bool

	// ListDir returns the names of a directory's entries.
	ListDir(path string) ([]string, error)

	// Lock takes an exclusive advisory lock on name, creating it if
	// needed. Closing the returned handle releases the lock.
	Lock(name string) (io.Closer, error)

	// SyncDir makes directory metadata changes (creates, renames,
	// removals) durable.
	SyncDir(path string) error

	// FreeSpace returns the bytes available to unprivileged writers on
	// the volume holding path.
	FreeSpace(path string) (uint64, error)
}

// WritableFile is an append-ordered output file.
type WritableFile interface {
	io.Writer
	io.Closer

	// Sync flushes written data to stable storage.
	Sync() error
}

// SequentialFile reads from front to back.
type SequentialFile interface {
	io.Reader
	io.Closer
}

// RandomAccessFile reads at arbitrary offsets.
type RandomAccessFile interface {
	io.ReaderAt
	io.Closer

	// Size returns the file size at open time.
	Size() int64
}

// Default returns the OS filesystem.
func Default() FS {
	return osFS{}
}

type osFS struct{}

func (osFS) Create(name string) (WritableFile, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return osWritable{f}, nil
}

func (osFS) Open(name string) (SequentialFile, error) {
	return os.Open(name)
}

func (osFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return osRandomAccess{f: f, size: info.Size()}, nil
}

func (osFS) Rename(oldname, newname string) error { return os.Rename(oldname, newname) }
func (osFS) Link(oldname, newname string) error   { return os.Link(oldname, newname) }
func (osFS) Remove(name string) error             { return os.Remove(name) }
func (osFS) RemoveAll(path string) error          { return os.RemoveAll(path) }

func (osFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (osFS) Stat(name string) (os.FileInfo, error)        { return os.Stat(name) }

func (osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (osFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (osFS) Lock(name string) (io.Closer, error) {
	return lockFile(name)
}

func (osFS) SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	syncErr := dir.Sync()
	if err := dir.Close(); syncErr == nil {
		syncErr = err
	}
	return syncErr
}

func (osFS) FreeSpace(path string) (uint64, error) {
	return freeSpace(path)
}

type osWritable struct {
	f *os.File
}

func (w osWritable) Write(p []byte) (int, error) { return w.f.Write(p) }
func (w osWritable) Close() error                { return w.f.Close() }
func (w osWritable) Sync() error                 { return w.f.Sync() }

type osRandomAccess struct {
	f    *os.File
	size int64
}

func (r osRandomAccess) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
func (r osRandomAccess) Close() error                            { return r.f.Close() }
func (r osRandomAccess) Size() int64                             { return r.size }

// ReadFile reads a whole file through fs.
func ReadFile(fs FS, name string) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return data, err
}

// WriteFileAtomic durably replaces name with data: the bytes are written to
// a sibling temp file, synced, renamed over name, and the directory synced.
// Readers never observe a partial file.
func WriteFileAtomic(fs FS, name string, data []byte) error {
	tmp := name + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	if err := fs.Rename(tmp, name); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return fs.SyncDir(filepath.Dir(name))
}
