package fs

import (
	"errors"
	"os"
	"sync"
)

// ErrKilled marks every operation refused by a [Crash] filesystem after
// its kill point has tripped.
var ErrKilled = errors.New("fs: process killed")

// Crash is a test-only [FS] that simulates a process dying partway through
// a multi-write sequence. Arm it with [Crash.KillAfterWrites]; the nth
// subsequent File.Write never reaches the disk, and from that moment on
// every mutating operation returns [ErrKilled]. Reopening the path through
// a fresh [Real] then shows exactly the bytes that made it down before the
// kill — a torn on-disk state at a write boundary of the caller's own
// protocol.
//
// The store engine writes records straight through a single descriptor
// with no buffering layer of its own, so "everything before the kill is
// durable, nothing after" is the exact crash boundary; no snapshot
// restore step is needed to observe it.
type Crash struct {
	base FS

	mu        sync.Mutex
	armed     bool
	remaining int
	dead      bool
	writes    int64
}

// NewCrash wraps base with an unarmed kill switch.
func NewCrash(base FS) *Crash {
	return &Crash{base: base}
}

// KillAfterWrites arms the kill switch: the nth File.Write from now (n>=1)
// fails without touching the disk and latches the filesystem dead.
func (c *Crash) KillAfterWrites(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
	c.remaining = n
	c.dead = false
}

// Killed reports whether the kill point has tripped.
func (c *Crash) Killed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// WritesSeen returns the number of File.Write calls observed since
// creation, so a test can first run an operation unkilled to learn its
// write count, then iterate every kill point inside it.
func (c *Crash) WritesSeen() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// beforeWrite accounts one write and reports whether it may proceed.
func (c *Crash) beforeWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return false
	}
	c.writes++
	if c.armed {
		c.remaining--
		if c.remaining <= 0 {
			c.dead = true
			return false
		}
	}
	return true
}

func (c *Crash) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

func (c *Crash) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if !c.alive() {
		return nil, ErrKilled
	}
	f, err := c.base.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &crashFile{crash: c, f: f}, nil
}

func (c *Crash) Exists(path string) (bool, error) {
	if !c.alive() {
		return false, ErrKilled
	}
	return c.base.Exists(path)
}

func (c *Crash) Remove(path string) error {
	if !c.alive() {
		return ErrKilled
	}
	return c.base.Remove(path)
}

func (c *Crash) Rename(oldpath, newpath string) error {
	if !c.alive() {
		return ErrKilled
	}
	return c.base.Rename(oldpath, newpath)
}

func (c *Crash) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if !c.alive() {
		return ErrKilled
	}
	return c.base.WriteFileAtomic(path, data, perm)
}

type crashFile struct {
	crash *Crash
	f     File
}

func (cf *crashFile) Read(p []byte) (int, error) {
	if !cf.crash.alive() {
		return 0, ErrKilled
	}
	return cf.f.Read(p)
}

func (cf *crashFile) Write(p []byte) (int, error) {
	if !cf.crash.beforeWrite() {
		return 0, ErrKilled
	}
	return cf.f.Write(p)
}

func (cf *crashFile) Seek(offset int64, whence int) (int64, error) {
	if !cf.crash.alive() {
		return 0, ErrKilled
	}
	return cf.f.Seek(offset, whence)
}

// Close always reaches the real descriptor: even a killed test must not
// leak it.
func (cf *crashFile) Close() error {
	return cf.f.Close()
}

func (cf *crashFile) Fd() uintptr {
	return cf.f.Fd()
}

func (cf *crashFile) Stat() (os.FileInfo, error) {
	return cf.f.Stat()
}

func (cf *crashFile) Sync() error {
	if !cf.crash.alive() {
		return ErrKilled
	}
	return cf.f.Sync()
}

// Compile-time interface checks.
var (
	_ FS   = (*Crash)(nil)
	_ File = (*crashFile)(nil)
)
