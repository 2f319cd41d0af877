package store

import (
	"fmt"

	"github.com/gofcache/fcache/internal/codec"
	"github.com/gofcache/fcache/internal/fs"
)

// Bucket count. File-format constant; changing it makes existing files
// unreadable.
const BucketCount uint32 = 0x8FFFF

// Global header layout: status(1) | optimized(1) | createTime(4) | count(4).
const (
	headerSize         = 11
	headerOffStatus    = 0
	headerOffOptimized = 1
	headerOffCreate    = 2
	headerOffCount     = 6
)

// Status byte values stored in the global header.
const (
	statusNormal          = '0'
	statusClearing        = '1'
	statusCreating        = '2'
	statusWaitingOptimize = '3'
)

const (
	notOptimized byte = '0'
	isOptimized  byte = '1'
)

// scriptGuardExt is the path extension that triggers the script-guard
// prefix: a ".php"-suffixed path gets a leading PHP statement that returns
// immediately, making accidental execution of the data file a no-op.
const scriptGuardExt = ".php"

// scriptGuardPrefix is a file-format constant; it must stay exactly 13
// bytes or every guarded file's offsets shift.
var scriptGuardPrefix = []byte("<?php return;")

func init() {
	if len(scriptGuardPrefix) != 13 {
		panic("store: scriptGuardPrefix must be 13 bytes")
	}
}

// hasScriptGuard reports whether path's extension activates the guard.
func hasScriptGuard(path string) bool {
	n := len(path)
	e := len(scriptGuardExt)
	return n >= e && path[n-e:] == scriptGuardExt
}

type globalHeader struct {
	status     byte
	optimized  byte
	createTime uint32
	count      uint32
}

func encodeHeader(h globalHeader) []byte {
	buf := make([]byte, headerSize)
	buf[headerOffStatus] = h.status
	buf[headerOffOptimized] = h.optimized
	codec.PutUint32(buf[headerOffCreate:], h.createTime)
	codec.PutUint32(buf[headerOffCount:], h.count)
	return buf
}

func decodeHeader(buf []byte) (globalHeader, error) {
	if len(buf) != headerSize {
		return globalHeader{}, fmt.Errorf("%w: global header is %d bytes, want %d", ErrFormat, len(buf), headerSize)
	}
	h := globalHeader{
		status:     buf[headerOffStatus],
		optimized:  buf[headerOffOptimized],
		createTime: codec.Uint32(buf[headerOffCreate:]),
		count:      codec.Uint32(buf[headerOffCount:]),
	}
	switch h.status {
	case statusNormal, statusClearing, statusCreating, statusWaitingOptimize:
	default:
		return globalHeader{}, fmt.Errorf("%w: unknown status byte %q", ErrFormat, h.status)
	}
	return h, nil
}

// readGlobalHeader reads and decodes the global header at the standard
// offset (right after any script-guard prefix) of an open store file.
func readGlobalHeader(f fs.File, prefixLen int64) (globalHeader, error) {
	buf := make([]byte, headerSize)
	if err := readAt(f, prefixLen, buf); err != nil {
		return globalHeader{}, err
	}
	return decodeHeader(buf)
}

// bucketOffset returns the absolute file offset of bucket slot index:
// prefix + header + index*4.
func bucketOffset(prefixLen int64, index uint32) int64 {
	return prefixLen + headerSize + int64(index)*4
}

// heapStart is the first byte past the bucket array, where records begin.
func heapStart(prefixLen int64) int64 {
	return bucketOffset(prefixLen, BucketCount)
}
