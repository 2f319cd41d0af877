package fcache

import (
	"context"
	"iter"

	"github.com/gofcache/fcache/internal/fs"
	"github.com/gofcache/fcache/internal/store"
)

// Set is a membership-only store keyed by the raw MD5 digest of each key:
// no value, just presence.
type Set struct {
	e *store.Engine
	s *store.SetStore
}

// OpenSet opens (creating if necessary) the key-set store at opts.Path.
func OpenSet(opts Options) (*Set, error) {
	opts, err := loadSidecar(opts)
	if err != nil {
		return nil, err
	}
	e, err := store.Open(fs.NewReal(), opts.storeOptions())
	if err != nil {
		return nil, err
	}
	return &Set{e: e, s: store.NewSetStore(e)}, nil
}

// Close releases the underlying file handle.
func (s *Set) Close() error { return s.e.Close() }

// Add inserts key. Already-present keys are a no-op.
func (s *Set) Add(key string) error { return s.s.Add(key) }

// Has reports whether key is a member.
func (s *Set) Has(key string) (bool, error) { return s.s.Has(key) }

// Remove deletes key. Absent keys are a no-op.
func (s *Set) Remove(key string) error { return s.s.Remove(key) }

// Clear empties the whole store.
func (s *Set) Clear() error { return s.e.Clear() }

// Count returns the number of members.
func (s *Set) Count() (int, error) { return s.e.Count() }

// Optimize runs online compaction if at least minIntervalSec has elapsed
// since the store file was created or last rewritten; minIntervalSec<=0
// uses the default two-hour interval.
func (s *Set) Optimize(ctx context.Context, minIntervalSec int, progress func(pct int)) error {
	return s.e.Optimize(ctx, minIntervalSec, progress, s.s)
}

// IsOptimizing reports whether any process is currently compacting this
// store.
func (s *Set) IsOptimizing() (bool, error) { return s.e.IsOptimizing() }

// All iterates every member's raw 16-byte MD5 digest; the store never
// learns the original key string back.
func (s *Set) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		it := store.NewIterator(s.e, s.s)
		_ = it.ForEach(context.Background(), nil, func(e store.Entry) bool {
			return yield(e.Key)
		})
	}
}
