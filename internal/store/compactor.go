package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofcache/fcache/internal/fs"
)

// DefaultMinOptimizeInterval is the minimum age, in seconds, a store must
// reach before Optimize will rewrite it.
const DefaultMinOptimizeInterval = 7200

const (
	renameRetries  = 200
	renameSleep    = 10 * time.Millisecond
	cleanupRetries = 20
	cleanupSleep   = 100 * time.Millisecond
)

// Optimizable is the capability a flavor driver supplies to the compactor:
// it can walk its own bucket chains (to read the old store during
// backfill) and knows how to re-insert one entry into a fresh store
// without clobbering a value a concurrent writer has already placed there.
type Optimizable interface {
	BucketWalker
	// WriteOptimize inserts entry into newEngine's store, skipping if the
	// key already exists there: a concurrent writer has since set a newer
	// value which must not be overwritten.
	WriteOptimize(newEngine *Engine, entry Entry) (inserted bool, err error)
}

// Optimize runs the rename-based online rewrite: announce, rename the
// store aside, recreate it empty, backfill live records, clean up.
// It is a no-op (returns nil) when another process is already compacting,
// or when minIntervalSec has not elapsed since the store's createTime.
func (e *Engine) Optimize(ctx context.Context, minIntervalSec int, progress func(pct int), walker Optimizable) error {
	if minIntervalSec <= 0 {
		minIntervalSec = DefaultMinOptimizeInterval
	}
	opPath := e.path + ".op"
	lockPath := e.path + ".lock"

	// 1. Preconditions.
	exists, err := e.fsys.Exists(opPath)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	f, err := e.handle(true)
	if err != nil {
		return err
	}
	h, err := e.readHeaderLocked(f)
	if err != nil {
		return err
	}
	if e.nowFunc() < h.createTime+uint32(minIntervalSec) {
		return nil
	}

	// 2. Announce.
	if err := e.fsys.WriteFileAtomic(lockPath, nil, 0o644); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrIO, lockPath, err)
	}
	if err := e.WithWriteLock(func(f fs.File) error {
		return e.writeStatusLocked(f, statusWaitingOptimize)
	}); err != nil {
		_ = e.fsys.Remove(lockPath)
		return err
	}
	e.mu.Lock()
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
	e.mu.Unlock()

	// 3. Rename, retrying while other processes still hold the old path open.
	var renameErr error
	for attempt := 0; attempt < renameRetries; attempt++ {
		renameErr = e.fsys.Rename(e.path, opPath)
		if renameErr == nil {
			break
		}
		time.Sleep(renameSleep)
	}
	if renameErr != nil {
		_ = e.fsys.Remove(lockPath)
		return fmt.Errorf("%w: rename %s to %s: %v", ErrIO, e.path, opPath, renameErr)
	}

	// 4. Recreate the new store at e.path, mark it optimized='1'.
	nf, err := e.handle(true)
	if err != nil {
		_ = e.fsys.Remove(lockPath)
		return err
	}
	if err := writeAt(nf, e.prefixLen+headerOffOptimized, []byte{isOptimized}); err != nil {
		_ = e.fsys.Remove(lockPath)
		return err
	}
	if err := e.fsys.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.log.Warnw("optimize: could not remove lock file", "path", lockPath, "err", err)
	}

	restoreOptimizedFlag := func() {
		f2, err := e.handle(true)
		if err != nil {
			return
		}
		_ = writeAt(f2, e.prefixLen+headerOffOptimized, []byte{notOptimized})
	}

	// 5. Backfill from the old store. The renamed path's extension no longer
	// reflects the original script-guard status, so prefixLen is carried
	// over explicitly rather than re-derived from opPath. OpOneByOne applies
	// here and only here: it shrinks the backfill's bucket window to one
	// slot so concurrent writers see the shortest possible staleness.
	oldOpts := Options{
		Path:          opPath,
		Quiet:         true,
		IteratorSlice: e.opts.IteratorSlice,
		ChainCap:      e.opts.ChainCap,
	}
	if e.opts.OpOneByOne {
		oldOpts.IteratorSlice = 1
	}
	oldEngine, err := openWithPrefixLen(e.fsys, oldOpts, e.prefixLen)
	if err != nil {
		restoreOptimizedFlag()
		return err
	}
	defer oldEngine.Close()

	it := NewIterator(oldEngine, walker)
	backfillErr := it.ForEach(ctx, progress, func(ent Entry) bool {
		oh, err := oldEngine.handle(false)
		if err != nil {
			return false
		}
		hdr, err := oldEngine.readHeaderLocked(oh)
		if err != nil || hdr.status == statusClearing {
			return false
		}
		if _, err := walker.WriteOptimize(e, ent); err != nil {
			e.log.Warnw("optimize: writeOptimize failed", "key", ent.Key, "err", err)
		}
		return true
	})
	if backfillErr != nil {
		restoreOptimizedFlag()
		return fmt.Errorf("optimize: backfill: %w", backfillErr)
	}

	// 6. Finalize.
	restoreOptimizedFlag()
	var rmErr error
	for attempt := 0; attempt < cleanupRetries; attempt++ {
		rmErr = e.fsys.Remove(opPath)
		if rmErr == nil {
			break
		}
		time.Sleep(cleanupSleep)
	}
	if rmErr != nil {
		e.log.Warnw("optimize: could not remove old store file", "path", opPath, "err", rmErr)
	}
	return nil
}
