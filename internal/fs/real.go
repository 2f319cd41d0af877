package fs

import (
	"bytes"
	"os"

	"github.com/natefinch/atomic"
)

// Real is the production [FS]: straight passthrough to the os package,
// except WriteFileAtomic which goes through a temp-file-and-rename so the
// compaction .lock sidecar can never be observed half-written.
type Real struct{}

// NewReal returns the production filesystem.
func NewReal() *Real {
	return &Real{}
}

func (r *Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

// Exists reports whether path exists, distinguishing "not there" from a
// stat failure.
func (r *Real) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (r *Real) Remove(path string) error {
	return os.Remove(path)
}

func (r *Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (r *Real) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return atomic.WriteFile(path, bytes.NewReader(data))
}

// Compile-time interface check.
var _ FS = (*Real)(nil)
