package store

import (
	"syscall"
)

// flockExclusive takes an exclusive advisory lock directly on the store
// file's own descriptor; writes across all processes serialize on it. The
// separate <path>.lock sidecar file is not a lock in this sense, just an
// existence flag for the compaction rename gate (see compactor.go).
//
// Acquisition has no timeout.
func flockExclusive(fd uintptr) error {
	for {
		err := syscall.Flock(int(fd), syscall.LOCK_EX)
		if err == syscall.EINTR {
			continue
		}
		return err
	}
}

func flockUnlock(fd uintptr) error {
	for {
		err := syscall.Flock(int(fd), syscall.LOCK_UN)
		if err == syscall.EINTR {
			continue
		}
		return err
	}
}
