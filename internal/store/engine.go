package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gofcache/fcache/internal/codec"
	"github.com/gofcache/fcache/internal/fs"
)

// Retry budgets for the status-machine wait states.
const (
	creatingRetries = 100
	creatingSleep   = 20 * time.Millisecond
	waitOptRetries  = 30
	waitOptSleep    = 100 * time.Millisecond
)

// Engine owns one store file: its handle, path, lock discipline, and
// status machine. It knows nothing about record shape; flavor drivers
// (KVStore, SetStore, ListStore) build their record formats on top of the
// primitives it exposes.
type Engine struct {
	opts      Options
	fsys      fs.FS
	path      string
	prefixLen int64
	log       *zap.SugaredLogger

	mu     sync.Mutex
	file   fs.File
	closed bool

	nowFunc func() uint32
}

// Open opens (creating if necessary) the store file at opts.Path.
func Open(fsys fs.FS, opts Options) (*Engine, error) {
	prefixLen := int64(0)
	if hasScriptGuard(opts.Path) {
		prefixLen = int64(len(scriptGuardPrefix))
	}
	return openWithPrefixLen(fsys, opts, prefixLen)
}

// openWithPrefixLen opens the store file at opts.Path with an explicit
// script-guard prefix length instead of deriving it from opts.Path's
// extension. The compactor uses this to reopen a renamed old-store file
// (<path>.op): the ".op" extension no longer carries the original path's
// script-guard status, so prefixLen must be carried over from the engine
// that did the renaming rather than re-derived from the new name.
func openWithPrefixLen(fsys fs.FS, opts Options, prefixLen int64) (*Engine, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrConfig)
	}
	if fsys == nil {
		fsys = fs.NewReal()
	}
	e := &Engine{
		opts:      opts,
		fsys:      fsys,
		path:      opts.Path,
		prefixLen: prefixLen,
		log:       opts.logger(),
		nowFunc:   func() uint32 { return uint32(time.Now().Unix()) },
	}
	if _, err := e.handle(true); err != nil {
		return nil, err
	}
	return e, nil
}

// Close releases the engine's file handle. Safe to call multiple times.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}

func (e *Engine) Path() string               { return e.path }
func (e *Engine) PrefixLen() int64           { return e.prefixLen }
func (e *Engine) FS() fs.FS                  { return e.fsys }
func (e *Engine) Logger() *zap.SugaredLogger { return e.log }
func (e *Engine) ChainCap() int              { return e.opts.ChainCap }
func (e *Engine) IteratorSlice() int         { return e.opts.iteratorSlice() }

// handle returns a ready-to-use file handle, running the status machine
// until the store is in a usable state or a retry budget is exhausted.
// forWrite distinguishes the read-fails-fast / write-retries split for the
// clearing and creating states.
func (e *Engine) handle(forWrite bool) (fs.File, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	creating, waiting := 0, 0
	for {
		fresh := false
		if e.file == nil {
			f, err := e.openOrCreateLocked()
			if err != nil {
				return nil, err
			}
			e.file = f
			fresh = true
		}

		h, err := e.readHeaderLocked(e.file)
		if err != nil {
			return nil, err
		}

		switch h.status {
		case statusNormal:
			return e.file, nil

		case statusClearing:
			if !forWrite {
				return nil, fmt.Errorf("%w: store is clearing", ErrBusy)
			}
			if err := e.recreateLocked(); err != nil {
				return nil, err
			}
			return e.file, nil

		case statusCreating:
			if !forWrite {
				return nil, fmt.Errorf("%w: store is being created", ErrBusy)
			}
			if creating >= creatingRetries {
				return nil, fmt.Errorf("%w: status=creating retry budget exhausted", ErrBusy)
			}
			creating++
			time.Sleep(creatingSleep)
			continue

		case statusWaitingOptimize:
			exists, err := e.fsys.Exists(e.path + ".lock")
			if err != nil {
				return nil, err
			}
			if !exists {
				// The stale-state reset is only safe on a handle opened by
				// path this iteration. A cached descriptor may point at a
				// file the compactor has since renamed to <path>.op; forcing
				// its status back to normal would keep this process writing
				// into the old store. Reopen by path and re-evaluate.
				if !fresh {
					e.file.Close()
					e.file = nil
					continue
				}
				if err := e.writeStatusLocked(e.file, statusNormal); err != nil {
					return nil, err
				}
				continue
			}
			e.file.Close()
			e.file = nil
			if waiting >= waitOptRetries {
				return nil, fmt.Errorf("%w: status=waiting-optimize retry budget exhausted", ErrBusy)
			}
			waiting++
			time.Sleep(waitOptSleep)
			continue

		default:
			return nil, fmt.Errorf("%w: unknown status byte %q", ErrFormat, h.status)
		}
	}
}

func (e *Engine) openOrCreateLocked() (fs.File, error) {
	f, err := e.fsys.OpenFile(e.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, e.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat: %v", ErrIO, err)
	}
	// Some platforms refuse to lock a fresh, unread handle, so prime it
	// with a seek+read before any write.
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		var probe [1]byte
		_, _ = f.Read(probe[:])
	}
	if info.Size() == 0 {
		if err := e.initLayout(f); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// initLayout writes the initial file layout under the exclusive lock,
// re-statting first: two processes can race to create the same store file
// (most commonly inside the compactor's rename-then-recreate window), and
// the loser must not zero buckets the winner has already linked records
// through.
func (e *Engine) initLayout(f fs.File) error {
	if err := flockExclusive(f.Fd()); err != nil {
		return fmt.Errorf("%w: flock: %v", ErrIO, err)
	}
	defer flockUnlock(f.Fd())

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %v", ErrIO, err)
	}
	if info.Size() != 0 {
		return nil
	}
	return e.writeLayout(f)
}

// recreateLocked truncates and rebuilds the file in place, resolving the
// clearing state: the next operation runs against a brand-new, empty store.
func (e *Engine) recreateLocked() error {
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
	f, err := e.fsys.OpenFile(e.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: truncate %s: %v", ErrIO, e.path, err)
	}
	if err := e.writeLayout(f); err != nil {
		f.Close()
		return err
	}
	e.file = f
	return nil
}

// writeLayout allocates the script guard (if any), global header, and a
// zero-filled bucket array into an empty file. The header goes down with
// status creating before the buckets and flips to normal after, so a crash
// mid-creation is detectable by any other opener.
func (e *Engine) writeLayout(f fs.File) error {
	off := int64(0)
	if e.prefixLen > 0 {
		if err := writeAt(f, 0, scriptGuardPrefix); err != nil {
			return err
		}
		off = e.prefixLen
	}

	h := globalHeader{status: statusCreating, optimized: notOptimized, createTime: e.nowFunc(), count: 0}
	if err := writeAt(f, off, encodeHeader(h)); err != nil {
		return err
	}

	if err := e.writeZeroBuckets(f, off+headerSize); err != nil {
		return err
	}

	return writeAt(f, off+headerOffStatus, []byte{statusNormal})
}

const bucketChunk = 8192

func (e *Engine) writeZeroBuckets(f fs.File, offset int64) error {
	zeros := make([]byte, bucketChunk)
	remaining := int64(BucketCount) * 4
	cur := offset
	for remaining > 0 {
		n := int64(len(zeros))
		if n > remaining {
			n = remaining
		}
		if err := writeAt(f, cur, zeros[:n]); err != nil {
			return err
		}
		cur += n
		remaining -= n
	}
	return nil
}

func (e *Engine) readHeaderLocked(f fs.File) (globalHeader, error) {
	return readGlobalHeader(f, e.prefixLen)
}

func (e *Engine) writeStatusLocked(f fs.File, status byte) error {
	return writeAt(f, e.prefixLen+headerOffStatus, []byte{status})
}

// WithWriteLock acquires the exclusive file lock for the duration of fn.
// Every mutating operation runs its whole critical section under it.
func (e *Engine) WithWriteLock(fn func(f fs.File) error) error {
	f, err := e.handle(true)
	if err != nil {
		return err
	}
	if err := flockExclusive(f.Fd()); err != nil {
		return fmt.Errorf("%w: flock: %v", ErrIO, err)
	}
	defer flockUnlock(f.Fd())
	return fn(f)
}

// Handle returns the current file handle for a read-only operation. Reads
// hold no lock; they are best-effort against concurrent writers.
func (e *Engine) Handle() (fs.File, error) {
	return e.handle(false)
}

// Count returns the header's advisory record count.
func (e *Engine) Count() (int, error) {
	f, err := e.handle(false)
	if err != nil {
		return 0, err
	}
	h, err := e.readHeaderLocked(f)
	if err != nil {
		return 0, err
	}
	return int(h.count), nil
}

// IncreaseCount/DecreaseCount adjust the header count under the caller's
// already-held write lock. The count is advisory and clamps at zero.
func (e *Engine) IncreaseCount(f fs.File, delta int) error {
	return e.adjustCount(f, delta)
}

func (e *Engine) DecreaseCount(f fs.File, delta int) error {
	return e.adjustCount(f, -delta)
}

func (e *Engine) adjustCount(f fs.File, delta int) error {
	h, err := e.readHeaderLocked(f)
	if err != nil {
		return err
	}
	n := int(h.count) + delta
	if n < 0 {
		n = 0
	}
	return writeAt(f, e.prefixLen+headerOffCount, uint32Bytes(uint32(n)))
}

func uint32Bytes(v uint32) []byte {
	buf := make([]byte, 4)
	codec.PutUint32(buf, v)
	return buf
}

// Clear marks the store for recreation on the next operation. If a
// compaction is in progress, the old store is marked too, so the
// compactor aborts cleanly on its next iteration check.
func (e *Engine) Clear() error {
	err := e.WithWriteLock(func(f fs.File) error {
		return e.writeStatusLocked(f, statusClearing)
	})
	if err != nil {
		return err
	}

	opPath := e.path + ".op"
	exists, err := e.fsys.Exists(opPath)
	if err != nil || !exists {
		return nil
	}
	old, err := e.fsys.OpenFile(opPath, os.O_RDWR, 0o644)
	if err != nil {
		if !errors.Is(err, ErrIO) {
			e.log.Warnw("clear: could not mark old store during compaction", "err", err)
		}
		return nil
	}
	defer old.Close()
	if err := flockExclusive(old.Fd()); err == nil {
		_ = writeAt(old, e.prefixLen+headerOffStatus, []byte{statusClearing})
		flockUnlock(old.Fd())
	}
	return nil
}

// IsOptimizing reports whether a compaction is currently in progress.
func (e *Engine) IsOptimizing() (bool, error) {
	exists, err := e.fsys.Exists(e.path + ".op")
	if err != nil {
		return false, err
	}
	return exists, nil
}
