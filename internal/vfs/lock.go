//go:build !windows

// lock.go implements advisory file locking with flock on Unix systems.
package vfs

import (
	"io"
	"os"
	"syscall"
)

type fileLock struct {
	f *os.File
}

// lockFile takes a non-blocking exclusive lock on name, creating the file
// if it does not exist. A held lock makes lockFile fail in other processes.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}
