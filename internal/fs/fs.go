// Package fs abstracts the handful of filesystem operations the store
// engine performs, so tests can interpose fault injection ([Chaos]) and
// crash simulation ([Crash]) between the engine and the disk.
//
// The surface is deliberately narrow: the engine opens exactly one kind of
// file (the store file, plus its renamed .op twin during compaction),
// drives it through seek/read/write on a single descriptor, and touches
// the filesystem namespace only for the compaction protocol's rename and
// its .op/.lock sidecar files.
package fs

import (
	"io"
	"os"
)

// File is one open store-file descriptor.
//
// The engine addresses records by seeking to absolute offsets; Fd exposes
// the raw descriptor for flock; Sync flushes to stable storage. Crash
// simulation cuts the world off at a Write, not at Sync.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor, for advisory locking.
	Fd() uintptr

	// Stat returns the file's metadata; the engine only consults its size.
	Stat() (os.FileInfo, error)

	// Sync flushes buffered writes to stable storage.
	Sync() error
}

// FS is the filesystem as the store engine sees it.
type FS interface {
	// OpenFile opens the store file (or its .op twin) read-write,
	// optionally creating or truncating it.
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// Exists reports whether path exists. Returns (false, nil) when it
	// does not, reserving the error for real failures.
	Exists(path string) (bool, error)

	// Remove deletes the .op or .lock sidecar file.
	Remove(path string) error

	// Rename moves the live store aside to <path>.op at the start of a
	// compaction. Atomic on the same filesystem.
	Rename(oldpath, newpath string) error

	// WriteFileAtomic creates the .lock sidecar (or any small whole file)
	// via temp-file-and-rename, so it is never observable half-written.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error
}

// Compile-time interface check.
var _ File = (*os.File)(nil)
