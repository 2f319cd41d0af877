package fcache

import (
	"context"
	"iter"

	"github.com/gofcache/fcache/internal/fs"
	"github.com/gofcache/fcache/internal/store"
)

// KV is an opaque-value store with optional per-key TTL and in-place
// integer counters, backed by a single file on disk.
type KV struct {
	e *store.Engine
	s *store.KVStore
}

// OpenKV opens (creating if necessary) the KV store at opts.Path.
func OpenKV(opts Options) (*KV, error) {
	opts, err := loadSidecar(opts)
	if err != nil {
		return nil, err
	}
	e, err := store.Open(fs.NewReal(), opts.storeOptions())
	if err != nil {
		return nil, err
	}
	return &KV{e: e, s: store.NewKVStore(e, opts.serializer())}, nil
}

// Close releases the underlying file handle.
func (kv *KV) Close() error { return kv.e.Close() }

// Set stores value under key. ttlSec<=0 means no expiry. A nil value is
// equivalent to Remove.
func (kv *KV) Set(key string, value any, ttlSec int) error { return kv.s.Set(key, value, ttlSec) }

// Get returns the stored value, or ok=false if absent, corrupt, or expired.
func (kv *KV) Get(key string) ([]byte, bool, error) { return kv.s.Get(key) }

// TTL reports the remaining time to live for key.
func (kv *KV) TTL(key string) (store.TTLResult, error) { return kv.s.TTL(key) }

// Expire sets key's expiry: secs<0 expires immediately, secs==0 clears the
// expiry, secs>0 sets it to now+secs.
func (kv *KV) Expire(key string, secs int) error { return kv.s.Expire(key, secs) }

// Increase atomically adds delta to key's integer value (absent treated as
// 0) and returns the new value.
func (kv *KV) Increase(key string, delta int64, ttlSec int) (int64, error) {
	return kv.s.Increase(key, delta, ttlSec)
}

// Remove deletes key. Absent keys are a no-op.
func (kv *KV) Remove(key string) error { return kv.s.Remove(key) }

// Clear empties the whole store.
func (kv *KV) Clear() error { return kv.e.Clear() }

// Count returns the number of live entries.
func (kv *KV) Count() (int, error) { return kv.e.Count() }

// Optimize runs online compaction if at least minIntervalSec has elapsed
// since the store file was created or last rewritten; minIntervalSec<=0
// uses the default two-hour interval.
func (kv *KV) Optimize(ctx context.Context, minIntervalSec int, progress func(pct int)) error {
	return kv.e.Optimize(ctx, minIntervalSec, progress, kv.s)
}

// IsOptimizing reports whether any process is currently compacting this
// store. Callers sensitive to iteration staleness should check it before
// ranging over All.
func (kv *KV) IsOptimizing() (bool, error) { return kv.e.IsOptimizing() }

// MGet batches Get across keys, omitting any that are absent or expired.
// Like Get it takes no lock; it's a dirty read across its key set.
func (kv *KV) MGet(keys ...string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok, err := kv.s.Get(k); err == nil && ok {
			out[k] = v
		}
	}
	return out
}

// All iterates every live entry. Returning false from the yield stops the
// scan early.
func (kv *KV) All() iter.Seq2[string, []byte] {
	return func(yield func(string, []byte) bool) {
		it := store.NewIterator(kv.e, kv.s)
		_ = it.ForEach(context.Background(), nil, func(e store.Entry) bool {
			return yield(e.Key, e.Value)
		})
	}
}

// Keys iterates every live key with the given prefix (empty matches all).
func (kv *KV) Keys(prefix string) iter.Seq[string] {
	return func(yield func(string) bool) {
		it := store.NewIterator(kv.e, kv.s)
		_ = it.ForEach(context.Background(), nil, func(e store.Entry) bool {
			if len(e.Key) < len(prefix) || e.Key[:len(prefix)] != prefix {
				return true
			}
			return yield(e.Key)
		})
	}
}

// Len reports the number of live entries, or 0 on I/O failure. Count
// returns the same value with the underlying error.
func (kv *KV) Len() int {
	n, err := kv.e.Count()
	if err != nil {
		return 0
	}
	return n
}
