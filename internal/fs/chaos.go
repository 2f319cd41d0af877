package fs

import (
	"io"
	"math/rand"
	"os"
	"sync"
	"syscall"
)

// ChaosConfig sets per-operation fault probabilities, each 0.0 (never) to
// 1.0 (always). The zero value injects nothing.
type ChaosConfig struct {
	// ReadFailRate makes File.Read fail outright with EIO.
	ReadFailRate float64

	// PartialReadRate makes File.Read return fewer bytes than requested
	// (a legal short read, no error) by capping the underlying read, so
	// callers that don't loop to completion silently truncate data.
	PartialReadRate float64

	// WriteFailRate makes File.Write fail outright, writing nothing.
	// The error is EIO or ENOSPC.
	WriteFailRate float64

	// PartialWriteRate makes File.Write stop after a random prefix,
	// returning the bytes actually written together with an error.
	PartialWriteRate float64

	// ShortWriteRate picks, for that fraction of partial writes,
	// io.ErrShortWrite instead of an errno, mimicking a write that
	// stopped early without a syscall failure.
	ShortWriteRate float64

	// SyncFailRate makes File.Sync fail with EIO, surfacing a delayed
	// write error.
	SyncFailRate float64

	// RenameFailRate makes FS.Rename fail with EBUSY, the shape of
	// another process still holding the store open during compaction.
	RenameFailRate float64

	// RemoveFailRate makes FS.Remove fail with EBUSY, the shape of a
	// transient sidecar-cleanup failure.
	RemoveFailRate float64
}

// Chaos wraps an [FS] and injects faults at the configured rates, so store
// tests can drive the engine's short-write retries, error propagation, and
// sidecar-cleanup paths without a flaky disk. Faults are drawn from a
// seeded source, making a failing test reproducible by its seed.
type Chaos struct {
	base   FS
	config ChaosConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewChaos wraps base with fault injection at the rates in config.
func NewChaos(base FS, seed int64, config ChaosConfig) *Chaos {
	return &Chaos{base: base, config: config, rng: rand.New(rand.NewSource(seed))}
}

func (c *Chaos) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64() < rate
}

func (c *Chaos) intn(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Intn(n)
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	f, err := c.base.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &chaosFile{chaos: c, path: path, f: f}, nil
}

func (c *Chaos) Exists(path string) (bool, error) {
	return c.base.Exists(path)
}

func (c *Chaos) Remove(path string) error {
	if c.roll(c.config.RemoveFailRate) {
		return pathError("remove", path, syscall.EBUSY)
	}
	return c.base.Remove(path)
}

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.roll(c.config.RenameFailRate) {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EBUSY}
	}
	return c.base.Rename(oldpath, newpath)
}

func (c *Chaos) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if c.roll(c.config.WriteFailRate) {
		return pathError("write", path, syscall.EIO)
	}
	return c.base.WriteFileAtomic(path, data, perm)
}

func pathError(op, path string, errno syscall.Errno) error {
	return &os.PathError{Op: op, Path: path, Err: errno}
}

type chaosFile struct {
	chaos *Chaos
	path  string
	f     File
}

func (cf *chaosFile) Read(p []byte) (int, error) {
	if cf.chaos.roll(cf.chaos.config.ReadFailRate) {
		return 0, pathError("read", cf.path, syscall.EIO)
	}
	// A short read must cap the underlying read, not just the reported
	// count, or the file offset advances past bytes the caller never saw.
	if len(p) > 1 && cf.chaos.roll(cf.chaos.config.PartialReadRate) {
		return cf.f.Read(p[:cf.chaos.intn(len(p)-1)+1])
	}
	return cf.f.Read(p)
}

func (cf *chaosFile) Write(p []byte) (int, error) {
	if cf.chaos.roll(cf.chaos.config.WriteFailRate) {
		errno := syscall.EIO
		if cf.chaos.intn(2) == 0 {
			errno = syscall.ENOSPC
		}
		return 0, pathError("write", cf.path, errno)
	}
	if len(p) > 1 && cf.chaos.roll(cf.chaos.config.PartialWriteRate) {
		n, err := cf.f.Write(p[:cf.chaos.intn(len(p)-1)+1])
		if err != nil {
			return n, err
		}
		if cf.chaos.roll(cf.chaos.config.ShortWriteRate) {
			return n, io.ErrShortWrite
		}
		return n, pathError("write", cf.path, syscall.EIO)
	}
	return cf.f.Write(p)
}

func (cf *chaosFile) Seek(offset int64, whence int) (int64, error) {
	return cf.f.Seek(offset, whence)
}

func (cf *chaosFile) Close() error {
	return cf.f.Close()
}

func (cf *chaosFile) Fd() uintptr {
	return cf.f.Fd()
}

func (cf *chaosFile) Stat() (os.FileInfo, error) {
	return cf.f.Stat()
}

func (cf *chaosFile) Sync() error {
	if cf.chaos.roll(cf.chaos.config.SyncFailRate) {
		return pathError("sync", cf.path, syscall.EIO)
	}
	return cf.f.Sync()
}

// Compile-time interface checks.
var (
	_ FS   = (*Chaos)(nil)
	_ File = (*chaosFile)(nil)
)
