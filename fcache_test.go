package fcache_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gofcache/fcache"
)

func openKV(t *testing.T) *fcache.KV {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.cache")
	kv, err := fcache.OpenKV(fcache.Options{Path: path, Quiet: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func openList(t *testing.T) *fcache.List {
	t.Helper()
	path := filepath.Join(t.TempDir(), "list.cache")
	l, err := fcache.OpenList(fcache.Options{Path: path, Quiet: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func listAll(t *testing.T, l *fcache.List, key string) []string {
	t.Helper()
	vals, err := l.Range(key, 0, 0, false)
	require.NoError(t, err)
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

func anys(vals ...string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func TestKVTTLLifecycle(t *testing.T) {
	t.Parallel()
	kv := openKV(t)

	require.NoError(t, kv.Set("foo", "foo", 0))
	res, err := kv.TTL("foo")
	require.NoError(t, err)
	require.True(t, res.Exists)
	require.True(t, res.Never)

	require.NoError(t, kv.Set("bar", "bar", 100))
	res, err = kv.TTL("bar")
	require.NoError(t, err)
	require.True(t, res.Exists)
	require.False(t, res.Never)
	require.Greater(t, res.Remaining, 98)
	require.LessOrEqual(t, res.Remaining, 100)

	require.NoError(t, kv.Expire("foo", 600))
	res, err = kv.TTL("foo")
	require.NoError(t, err)
	require.True(t, res.Exists)
	require.Greater(t, res.Remaining, 598)
	require.LessOrEqual(t, res.Remaining, 600)

	require.NoError(t, kv.Expire("foo", -1))
	_, ok, err := kv.Get("foo")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.Expire("bar", 0))
	res, err = kv.TTL("bar")
	require.NoError(t, err)
	require.True(t, res.Exists)
	require.True(t, res.Never)
}

func TestKVIncrease(t *testing.T) {
	t.Parallel()
	kv := openKV(t)

	_, ok, err := kv.Get("foo")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := kv.Increase("foo", 1, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	val, ok, err := kv.Get("foo")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(val))

	n, err = kv.Increase("foo", 2, 0)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	_, ok, err = kv.Get("bar")
	require.NoError(t, err)
	require.False(t, ok)

	n, err = kv.Increase("bar", 3, 0)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	n, err = kv.Increase("bar", 2, 0)
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
}

func TestKVClearRecreatesEmptyStore(t *testing.T) {
	t.Parallel()
	kv := openKV(t)

	require.NoError(t, kv.Set("k", "v", 0))
	require.NoError(t, kv.Clear())

	// The next write recreates the file from scratch; the old contents are
	// gone.
	require.NoError(t, kv.Set("k2", "v2", 0))
	_, ok, err := kv.Get("k")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := kv.Count()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestListInsertAndPivot(t *testing.T) {
	t.Parallel()
	l := openList(t)

	require.NoError(t, l.SetValue(anys("foo1", "foo2")).Push("foo"))
	require.Equal(t, []string{"foo1", "foo2"}, listAll(t, l, "foo"))

	require.NoError(t, l.SetValue(anys("foo0")).Insert("foo"))
	require.Equal(t, []string{"foo0", "foo1", "foo2"}, listAll(t, l, "foo"))

	require.NoError(t, l.SetValue(anys("bar")).Append("foo", "foo1"))
	require.Equal(t, []string{"foo0", "foo1", "bar", "foo2"}, listAll(t, l, "foo"))

	require.NoError(t, l.SetValue(anys("biz")).Prepend("foo", "foo1"))
	require.Equal(t, []string{"foo0", "biz", "foo1", "bar", "foo2"}, listAll(t, l, "foo"))
}

func TestListSliceRemoveAndKeep(t *testing.T) {
	t.Parallel()
	l := openList(t)

	seed := func(key string) {
		require.NoError(t, l.SetValue(anys("f1", "f2", "f3", "f4", "f5", "f6")).Push(key))
	}

	seed("a")
	require.NoError(t, l.Remove("a", 2, 0, false))
	require.Equal(t, []string{"f1", "f2"}, listAll(t, l, "a"))

	seed("b")
	require.NoError(t, l.Remove("b", -2, 0, false))
	require.Equal(t, []string{"f1", "f2", "f3", "f4"}, listAll(t, l, "b"))

	seed("c")
	require.NoError(t, l.Keep("c", 2, 3, true))
	require.Equal(t, []string{"f3", "f4", "f5"}, listAll(t, l, "c"))

	seed("d")
	require.NoError(t, l.Keep("d", -5, 3, true))
	require.Equal(t, []string{"f2", "f3", "f4"}, listAll(t, l, "d"))
}

func TestListIndexSetRemoveAndKeep(t *testing.T) {
	t.Parallel()
	l := openList(t)

	require.NoError(t, l.SetValue(anys("f1", "f2", "f3", "f4", "f5", "f6")).Push("a"))
	require.NoError(t, l.RemoveIndex("a", []int{0, 2, 5}))
	require.Equal(t, []string{"f2", "f4", "f5"}, listAll(t, l, "a"))

	require.NoError(t, l.SetValue(anys("f1", "f2", "f3", "f4", "f5", "f6")).Push("b"))
	require.NoError(t, l.KeepIndex("b", []int{0, 2, 5}))
	require.Equal(t, []string{"f1", "f3", "f6"}, listAll(t, l, "b"))
}

func TestListPopShiftSearch(t *testing.T) {
	t.Parallel()
	l := openList(t)

	require.NoError(t, l.SetValue(anys("x", "y", "z")).Push("k"))

	idx, ok, err := l.Search("k", "y")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, idx)

	v, ok, err := l.Pop("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "z", string(v))

	v, ok, err = l.Shift("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", string(v))

	n, err := l.Len("k")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestKVAllAndKeys(t *testing.T) {
	t.Parallel()
	kv := openKV(t)

	for i := 0; i < 20; i++ {
		require.NoError(t, kv.Set(fmt.Sprintf("k%02d", i), "v", 0))
	}
	require.NoError(t, kv.Set("other", "v", 0))

	seen := make(map[string]string)
	for k, v := range kv.All() {
		seen[k] = string(v)
	}
	require.Len(t, seen, 21)
	require.Equal(t, "v", seen["k07"])

	var prefixed []string
	for k := range kv.Keys("k0") {
		prefixed = append(prefixed, k)
	}
	require.Len(t, prefixed, 10)
}

// TestOptimizeWithConcurrentRewrites drives the compaction-overlap scenario:
// one handle compacts while a second handle on the same path rewrites every
// key. All keys must be readable with correct values afterward, the count
// must match, and the renamed old store must be gone.
func TestOptimizeWithConcurrentRewrites(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kv.cache")

	a, err := fcache.OpenKV(fcache.Options{Path: path, Quiet: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	b, err := fcache.OpenKV(fcache.Options{Path: path, Quiet: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	const total = 500
	key := func(i int) string { return fmt.Sprintf("key-%04d", i) }
	for i := 0; i < total; i++ {
		require.NoError(t, a.Set(key(i), key(i), 0))
	}

	// createTime is "now"; wait past the 1-second minimum interval so the
	// optimize below isn't skipped as too fresh.
	time.Sleep(1100 * time.Millisecond)

	var wg sync.WaitGroup
	var optErr error
	writeErrs := make(chan error, total)
	wg.Add(2)
	go func() {
		defer wg.Done()
		optErr = a.Optimize(context.Background(), 1, nil)
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if err := b.Set(key(i), key(i), 0); err != nil {
				writeErrs <- err
			}
		}
	}()
	wg.Wait()
	close(writeErrs)
	require.NoError(t, optErr)
	for err := range writeErrs {
		require.NoError(t, err)
	}

	for i := 0; i < total; i++ {
		val, ok, gerr := b.Get(key(i))
		require.NoError(t, gerr)
		require.True(t, ok, "key %q missing after optimize with concurrent rewrites", key(i))
		require.Equal(t, key(i), string(val))
	}

	n, err := b.Count()
	require.NoError(t, err)
	require.Equal(t, total, n)

	_, err = os.Stat(path + ".op")
	require.True(t, os.IsNotExist(err), "old store file must be cleaned up")
}
