package fcache

import "github.com/gofcache/fcache/internal/store"

// Sentinel errors, re-exported from internal/store so callers never need to
// import the internal package to classify a failure with errors.Is.
var (
	ErrConfig   = store.ErrConfig
	ErrIO       = store.ErrIO
	ErrFormat   = store.ErrFormat
	ErrBusy     = store.ErrBusy
	ErrCycle    = store.ErrCycle
	ErrNotFound = store.ErrNotFound
	ErrArg      = store.ErrArg
	ErrClosed   = store.ErrClosed
)
