package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gofcache/fcache/internal/fs"
	"github.com/gofcache/fcache/internal/store"
)

func openKVWithSlice(t *testing.T, slice int) (*store.Engine, *store.KVStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.cache")
	e, err := store.Open(fs.NewReal(), store.Options{Path: path, Quiet: true, IteratorSlice: slice})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, store.NewKVStore(e, nil)
}

func collectKeys(t *testing.T, e *store.Engine, walker store.BucketWalker) []string {
	t.Helper()
	it := store.NewIterator(e, walker)
	var keys []string
	require.NoError(t, it.ForEach(context.Background(), nil, func(ent store.Entry) bool {
		keys = append(keys, ent.Key)
		return true
	}))
	sort.Strings(keys)
	return keys
}

// TestForEachVisitsEveryLiveEntryAcrossWindows exercises the bucket-window
// scan with a window far smaller than the number of stored keys, so the
// per-window buffered read in ForEach spans many windows instead of one.
func TestForEachVisitsEveryLiveEntryAcrossWindows(t *testing.T) {
	t.Parallel()
	e, kv := openKVWithSlice(t, 4)

	want := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("k%03d", i)
		require.NoError(t, kv.Set(key, "v", 0))
		want = append(want, key)
	}
	sort.Strings(want)

	require.Equal(t, want, collectKeys(t, e, kv))
}

// TestForEachSkipsRemovedEntries verifies windowed batching doesn't read a
// bucket's slot value once and then serve a stale chain: removing a key
// must make it disappear from the scan regardless of window size.
func TestForEachSkipsRemovedEntries(t *testing.T) {
	t.Parallel()
	e, kv := openKVWithSlice(t, 8)

	for i := 0; i < 30; i++ {
		require.NoError(t, kv.Set(fmt.Sprintf("k%02d", i), "v", 0))
	}
	require.NoError(t, kv.Remove("k05"))
	require.NoError(t, kv.Remove("k17"))

	keys := collectKeys(t, e, kv)
	require.Len(t, keys, 28)
	require.NotContains(t, keys, "k05")
	require.NotContains(t, keys, "k17")
}

// TestForEachEarlyStop verifies returning false from yield stops the scan
// without visiting the remaining windows.
func TestForEachEarlyStop(t *testing.T) {
	t.Parallel()
	e, kv := openKVWithSlice(t, 2)
	for i := 0; i < 20; i++ {
		require.NoError(t, kv.Set(fmt.Sprintf("k%02d", i), "v", 0))
	}

	it := store.NewIterator(e, kv)
	seen := 0
	require.NoError(t, it.ForEach(context.Background(), nil, func(ent store.Entry) bool {
		seen++
		return seen < 3
	}))
	require.Equal(t, 3, seen)
}

// TestForEachDifferentWindowSizesAgree checks that the set of entries
// surfaced doesn't depend on the IteratorSlice window size, which would
// indicate the batched window read in ForEach mis-slices the buffer.
func TestForEachDifferentWindowSizesAgree(t *testing.T) {
	t.Parallel()
	e1, kv1 := openKVWithSlice(t, 1)
	e2, kv2 := openKVWithSlice(t, store.DefaultIteratorSlice)

	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("k%02d", i)
		require.NoError(t, kv1.Set(key, "v", 0))
		require.NoError(t, kv2.Set(key, "v", 0))
	}

	require.Equal(t, collectKeys(t, e1, kv1), collectKeys(t, e2, kv2))
}
