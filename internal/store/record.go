package store

import (
	"fmt"
	"io"

	"github.com/gofcache/fcache/internal/codec"
	"github.com/gofcache/fcache/internal/fs"
)

// maxShortWriteRetries bounds how often writeFull resumes after a short
// write before giving up.
const maxShortWriteRetries = 100

// writeFull writes buf starting at the file's current position, retrying
// on short writes. The file position naturally continues from wherever the
// previous partial write left it, so no explicit rewind is needed.
func writeFull(f fs.File, buf []byte) error {
	remaining := buf
	for attempt := 0; len(remaining) > 0; attempt++ {
		if attempt >= maxShortWriteRetries {
			return fmt.Errorf("%w: short write did not complete after %d retries", ErrIO, maxShortWriteRetries)
		}
		n, err := f.Write(remaining)
		remaining = remaining[n:]
		if err != nil && len(remaining) > 0 {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: write: %v", ErrIO, err)
		}
	}
	return nil
}

// writeAt seeks to offset and writes buf in full.
func writeAt(f fs.File, offset int64, buf []byte) error {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek %d: %v", ErrIO, offset, err)
	}
	return writeFull(f, buf)
}

// readAt seeks to offset and reads exactly len(buf) bytes.
func readAt(f fs.File, offset int64, buf []byte) error {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek %d: %v", ErrIO, offset, err)
	}
	if _, err := io.ReadFull(f, buf); err != nil {
		return fmt.Errorf("%w: read at %d: %v", ErrIO, offset, err)
	}
	return nil
}

// appendRecord seeks to EOF, writes buf, and returns the offset the record
// now lives at (the pre-write tell).
func appendRecord(f fs.File, buf []byte) (int64, error) {
	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("%w: seek end: %v", ErrIO, err)
	}
	if err := writeFull(f, buf); err != nil {
		return 0, err
	}
	return off, nil
}

// getUnpackInt reads a little-endian uint32 at the given absolute offset.
func getUnpackInt(f fs.File, offset int64) (uint32, error) {
	var buf [4]byte
	if err := readAt(f, offset, buf[:]); err != nil {
		return 0, err
	}
	return codec.Uint32(buf[:]), nil
}

func putUnpackInt(f fs.File, offset int64, v uint32) error {
	var buf [4]byte
	codec.PutUint32(buf[:], v)
	return writeAt(f, offset, buf[:])
}

// chainWalker guards a bucket chain walk against cycles with a visited-
// offset set, so a corrupted file cannot loop a reader forever, and
// optionally bounds the walk by a configured chain-length cap.
type chainWalker struct {
	visited  map[int64]struct{}
	cap      int
	visitedN int
}

func newChainWalker(cap int) *chainWalker {
	return &chainWalker{visited: make(map[int64]struct{}), cap: cap}
}

// visit records offset as seen. It returns ErrCycle if offset was already
// visited, or (false, nil) if the configured chain-length cap has been
// reached (the caller should stop without error: capped records are
// invisible, not erroneous).
func (w *chainWalker) visit(offset int64) (ok bool, err error) {
	if _, seen := w.visited[offset]; seen {
		return false, fmt.Errorf("%w: offset %d revisited", ErrCycle, offset)
	}
	if w.cap > 0 && w.visitedN >= w.cap {
		return false, nil
	}
	w.visited[offset] = struct{}{}
	w.visitedN++
	return true, nil
}
