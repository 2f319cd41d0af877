package fcache

import (
	"context"
	"iter"

	"github.com/gofcache/fcache/internal/fs"
	"github.com/gofcache/fcache/internal/store"
)

// List is an ordered, per-key doubly-linked list store.
// Push/Insert/Append/Prepend/AppendByIndex/PrependByIndex consume the
// pending-value buffer built with AddValue/SetValue/ClearValue.
type List struct {
	e *store.Engine
	s *store.ListStore
}

// OpenList opens (creating if necessary) the list store at opts.Path.
func OpenList(opts Options) (*List, error) {
	opts, err := loadSidecar(opts)
	if err != nil {
		return nil, err
	}
	e, err := store.Open(fs.NewReal(), opts.storeOptions())
	if err != nil {
		return nil, err
	}
	return &List{e: e, s: store.NewListStore(e, opts.serializer())}, nil
}

// Close releases the underlying file handle.
func (l *List) Close() error { return l.e.Close() }

// AddValue appends one value to the pending buffer consumed by the next
// Push/Insert/Append/Prepend/AppendByIndex/PrependByIndex call.
func (l *List) AddValue(value any) *List { l.s.AddValue(value); return l }

// SetValue replaces the pending buffer with values.
func (l *List) SetValue(values []any) *List { l.s.SetValue(values); return l }

// ClearValue empties the pending buffer without writing anything.
func (l *List) ClearValue() *List { l.s.ClearValue(); return l }

// Push appends the pending values to the tail of key's list, creating key
// if absent.
func (l *List) Push(key string) error { return l.s.Push(key) }

// Insert prepends the pending values to the head of key's list, creating
// key if absent.
func (l *List) Insert(key string) error { return l.s.Insert(key) }

// Append inserts the pending values immediately after the first value
// equal to pivot. Fails if key or a matching value is absent.
func (l *List) Append(key string, pivot any) error { return l.s.Append(key, pivot) }

// Prepend inserts the pending values immediately before the first value
// equal to pivot. Fails if key or a matching value is absent.
func (l *List) Prepend(key string, pivot any) error { return l.s.Prepend(key, pivot) }

// AppendByIndex inserts the pending values immediately after position idx
// (negative counts from the end), falling back to Push when idx is out of
// range or the key is absent.
func (l *List) AppendByIndex(key string, idx int) error { return l.s.AppendByIndex(key, idx) }

// PrependByIndex inserts the pending values immediately before position
// idx, falling back to Insert when idx is out of range or the key is
// absent.
func (l *List) PrependByIndex(key string, idx int) error { return l.s.PrependByIndex(key, idx) }

// Alter replaces the value at position idx.
func (l *List) Alter(key string, idx int, value any) error { return l.s.Alter(key, idx, value) }

// Pop removes and returns the last value of key's list.
func (l *List) Pop(key string) ([]byte, bool, error) { return l.s.Pop(key) }

// Shift removes and returns the first value of key's list.
func (l *List) Shift(key string) ([]byte, bool, error) { return l.s.Shift(key) }

// Remove drops length values starting at start (to the end if hasLength is
// false) from key's list.
func (l *List) Remove(key string, start, length int, hasLength bool) error {
	return l.s.Remove(key, start, length, hasLength)
}

// Keep retains only length values starting at start (to the end if
// hasLength is false) from key's list, dropping the rest.
func (l *List) Keep(key string, start, length int, hasLength bool) error {
	return l.s.Keep(key, start, length, hasLength)
}

// RemoveIndex drops the values at the given (possibly negative) indices.
func (l *List) RemoveIndex(key string, idxs []int) error { return l.s.RemoveIndex(key, idxs) }

// KeepIndex retains only the values at the given (possibly negative)
// indices.
func (l *List) KeepIndex(key string, idxs []int) error { return l.s.KeepIndex(key, idxs) }

// Range reads length values starting at start (to the end if hasLength is
// false) without modifying the list.
func (l *List) Range(key string, start, length int, hasLength bool) ([][]byte, error) {
	return l.s.Range(key, start, length, hasLength)
}

// Len reports the number of values stored under key (0 if absent).
func (l *List) Len(key string) (int, error) { return l.s.Len(key) }

// Search returns the position of the first value equal to value.
func (l *List) Search(key string, value any) (int, bool, error) { return l.s.Search(key, value) }

// Exist reports whether key has a list at all (even an empty one).
func (l *List) Exist(key string) (bool, error) { return l.s.Exist(key) }

// Drop deletes key and its entire value list. Absent keys are a no-op.
func (l *List) Drop(key string) error { return l.s.Drop(key) }

// Clear empties the whole store.
func (l *List) Clear() error { return l.e.Clear() }

// Count returns the number of live keys (not values).
func (l *List) Count() (int, error) { return l.e.Count() }

// Optimize runs online compaction if at least minIntervalSec has elapsed
// since the store file was created or last rewritten; minIntervalSec<=0
// uses the default two-hour interval.
func (l *List) Optimize(ctx context.Context, minIntervalSec int, progress func(pct int)) error {
	return l.e.Optimize(ctx, minIntervalSec, progress, l.s)
}

// IsOptimizing reports whether any process is currently compacting this
// store.
func (l *List) IsOptimizing() (bool, error) { return l.e.IsOptimizing() }

// AllKeys iterates every distinct live key. A key with N values is yielded
// once per value internally by the engine's walker but deduplicated here
// since callers expect one entry per key.
func (l *List) AllKeys() iter.Seq[string] {
	return func(yield func(string) bool) {
		it := store.NewIterator(l.e, l.s)
		seen := make(map[string]struct{})
		_ = it.ForEach(context.Background(), nil, func(e store.Entry) bool {
			if _, ok := seen[e.Key]; ok {
				return true
			}
			seen[e.Key] = struct{}{}
			return yield(e.Key)
		})
	}
}
