package fs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRealExists(t *testing.T) {
	t.Parallel()
	r := NewReal()
	dir := t.TempDir()

	ok, err := r.Exists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.False(t, ok)

	path := filepath.Join(dir, "present")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	ok, err = r.Exists(path)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRealWriteFileAtomic(t *testing.T) {
	t.Parallel()
	r := NewReal()
	path := filepath.Join(t.TempDir(), "f.lock")

	require.NoError(t, r.WriteFileAtomic(path, []byte("first"), 0o644))
	require.NoError(t, r.WriteFileAtomic(path, []byte("second"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	// The temp-and-rename dance must not leave its scratch file behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRealFileRoundTrip(t *testing.T) {
	t.Parallel()
	r := NewReal()
	path := filepath.Join(t.TempDir(), "store")

	f, err := r.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("hello world"))
	require.NoError(t, err)

	_, err = f.Seek(6, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(f, buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf))

	info, err := f.Stat()
	require.NoError(t, err)
	require.EqualValues(t, 11, info.Size())
}

func TestRealRename(t *testing.T) {
	t.Parallel()
	r := NewReal()
	dir := t.TempDir()
	from := filepath.Join(dir, "store")
	to := from + ".op"
	require.NoError(t, os.WriteFile(from, []byte("x"), 0o644))

	require.NoError(t, r.Rename(from, to))

	ok, err := r.Exists(from)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = r.Exists(to)
	require.NoError(t, err)
	require.True(t, ok)
}
