//go:build linux || darwin

// statfs_unix.go reports free disk space via Statfs.
package vfs

import "syscall"

func freeSpace(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	// Bavail is what non-root writers can use.
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
