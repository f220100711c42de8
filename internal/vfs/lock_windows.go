//go:build windows

// lock_windows.go approximates the Unix advisory lock with an exclusive
// open. LockFileEx would be stricter; this suffices to hold the handle for
// the process lifetime.
package vfs

import (
	"io"
	"os"
)

type fileLock struct {
	f *os.File
}

func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	return l.f.Close()
}
