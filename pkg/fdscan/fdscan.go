// Package fdscan answers one question for the purge policy: is this
// process still holding a file open? Purge must never unlink a file a
// FileReader has open by inode (spec.md §4.4, §8 property 6), even
// after that file has been removed from the Inventory's name list.
package fdscan

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// IsOpenByThisProcess reports whether path currently has an open file
// descriptor somewhere in this process, by walking /proc/self/fd and
// comparing targets after resolving symlinks. On platforms without
// /proc (anything but Linux) it conservatively reports true, so a
// purge never unlinks a file it cannot prove is closed.
func IsOpenByThisProcess(path string) (bool, error) {
	if runtime.GOOS != "linux" {
		return true, nil
	}

	want, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return true, err
	}
	for _, entry := range entries {
		target, err := os.Readlink(filepath.Join("/proc/self/fd", entry.Name()))
		if err != nil {
			// The fd can close between ReadDir and Readlink; that race
			// just means it isn't open any more, not an error worth
			// surfacing.
			continue
		}
		if target == want {
			return true, nil
		}
	}
	return false, nil
}

// OpenFds returns the number of file descriptors currently open by
// this process, for diagnostics (e.g. surfaced alongside PartialPurge
// logging).
func OpenFds() (int, error) {
	if runtime.GOOS != "linux" {
		return 0, nil
	}
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if _, err := strconv.Atoi(entry.Name()); err == nil {
			n++
		}
	}
	return n, nil
}
