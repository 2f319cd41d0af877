package store

import "errors"

// Sentinel errors returned by the engine. Callers classify with errors.Is;
// wrapped variants add context via fmt.Errorf("%w: ...").
var (
	ErrConfig   = errors.New("store: invalid configuration")
	ErrIO       = errors.New("store: i/o failure")
	ErrFormat   = errors.New("store: malformed record or header")
	ErrBusy     = errors.New("store: status machine exhausted its retry budget")
	ErrCycle    = errors.New("store: chain walk revisited an offset")
	ErrNotFound = errors.New("store: key not found")
	ErrArg      = errors.New("store: invalid argument")
	ErrClosed   = errors.New("store: engine is closed")
)
