package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gofcache/fcache/internal/fs"
	"github.com/gofcache/fcache/internal/store"
)

// TestScriptGuardPrefixWrittenForPHPPath verifies the 13-byte script-guard
// prefix is written when (and only when) the path carries the .php
// extension, and that the store remains readable through it.
func TestScriptGuardPrefixWrittenForPHPPath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	phpPath := filepath.Join(dir, "cache.php")
	e, err := store.Open(fs.NewReal(), store.Options{Path: phpPath, Quiet: true})
	require.NoError(t, err)
	kv := store.NewKVStore(e, nil)
	require.NoError(t, kv.Set("k", "v", 0))

	data, err := os.ReadFile(phpPath)
	require.NoError(t, err)
	require.Equal(t, "<?php return;", string(data[:13]))

	val, ok, err := kv.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(val))
	require.NoError(t, e.Close())

	plainPath := filepath.Join(dir, "cache.db")
	e2, err := store.Open(fs.NewReal(), store.Options{Path: plainPath, Quiet: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	data, err = os.ReadFile(plainPath)
	require.NoError(t, err)
	require.NotEqual(t, "<?php", string(data[:5]))
}

// TestStaleWaitingOptimizeStatusIsHealed simulates a compactor that crashed
// after writing status='3' but before (or while) renaming: the status byte
// is left behind with no <path>.lock. The next opener must treat the state
// as stale, force it back to normal, and serve reads again.
func TestStaleWaitingOptimizeStatusIsHealed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kv.cache")

	e, err := store.Open(fs.NewReal(), store.Options{Path: path, Quiet: true})
	require.NoError(t, err)
	kv := store.NewKVStore(e, nil)
	require.NoError(t, kv.Set("k", "v", 0))
	require.NoError(t, e.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'3'}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e2, err := store.Open(fs.NewReal(), store.Options{Path: path, Quiet: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })
	kv2 := store.NewKVStore(e2, nil)

	val, ok, err := kv2.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(val))
}

// TestReadWhileClearingFailsFast checks the read side of the status
// machine's clearing state: reads fail fast with ErrBusy while a write
// recreates the file and proceeds.
func TestReadWhileClearingFailsFast(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kv.cache")

	e, err := store.Open(fs.NewReal(), store.Options{Path: path, Quiet: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	kv := store.NewKVStore(e, nil)
	require.NoError(t, kv.Set("k", "v", 0))
	require.NoError(t, e.Clear())

	_, _, err = kv.Get("k")
	require.ErrorIs(t, err, store.ErrBusy)

	// A write recreates the store; the old contents are gone and reads work
	// again.
	require.NoError(t, kv.Set("k2", "v2", 0))
	_, ok, err := kv.Get("k")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := e.Count()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
