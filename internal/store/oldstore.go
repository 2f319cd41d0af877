package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofcache/fcache/internal/codec"
	"github.com/gofcache/fcache/internal/fs"
)

// oldStore is a narrow, best-effort handle onto a compaction's frozen old
// store file (<path>.op), used by flavor drivers to cooperate with an
// in-flight Optimize. Unlike Open/openWithPrefixLen, it
// deliberately bypasses Engine's status machine: running recreateLocked
// against a store the compactor is about to delete would truncate data
// that hasn't been backfilled yet.
type oldStore struct {
	fsys      fs.FS
	path      string
	prefixLen int64
	f         fs.File
}

// openOldStore opens e's in-flight compaction's old store file for
// cooperation. Returns ok=false if no compaction is in progress, or if the
// old store could not be opened (e.g. a race with the compactor's own
// cleanup) — both cases leave the caller to proceed as if there were
// nothing to cooperate with, mirroring Engine.Clear's handling of the same
// file.
func openOldStore(e *Engine) (*oldStore, bool) {
	opPath := e.path + ".op"
	exists, err := e.fsys.Exists(opPath)
	if err != nil || !exists {
		return nil, false
	}
	f, err := e.fsys.OpenFile(opPath, os.O_RDWR, 0o644)
	if err != nil {
		if !errors.Is(err, ErrIO) {
			e.log.Warnw("old store: could not open for cooperation", "path", opPath, "err", err)
		}
		return nil, false
	}
	return &oldStore{fsys: e.fsys, path: opPath, prefixLen: e.prefixLen, f: f}, true
}

func (o *oldStore) Close() error { return o.f.Close() }

func (o *oldStore) bucketOff(key string) int64 {
	return bucketOffset(o.prefixLen, codec.Bucket(key, BucketCount))
}

// withWriteLock flocks the old store file and runs fn, skipping it
// entirely if the old store has already been marked clearing — the same
// check the compactor's own backfill loop makes before touching an entry.
func (o *oldStore) withWriteLock(fn func(f fs.File) error) error {
	if err := flockExclusive(o.f.Fd()); err != nil {
		return fmt.Errorf("%w: flock: %v", ErrIO, err)
	}
	defer flockUnlock(o.f.Fd())

	hdr, err := readGlobalHeader(o.f, o.prefixLen)
	if err != nil {
		return err
	}
	if hdr.status == statusClearing {
		return nil
	}
	return fn(o.f)
}
