package store

import "go.uber.org/zap"

// Options configures an Engine.
type Options struct {
	// Path is the target file. Required.
	Path string

	// Quiet suppresses operational warnings (transient unlink failures
	// during cleanup, failed old-store cooperation during compaction) from
	// the engine's logger.
	Quiet bool

	// IteratorSlice is the bucket-window size used by the iterator and by
	// the compactor's backfill scan. Zero means DefaultIteratorSlice.
	IteratorSlice int

	// OpOneByOne forces IteratorSlice=1 during compaction, trading read
	// throughput for minimal staleness when concurrent writers are
	// expected.
	OpOneByOne bool

	// ChainCap optionally bounds in-bucket chain walks; records beyond it
	// are invisible. Zero disables the cap.
	ChainCap int

	// Logger receives structured operational logs. Defaults to a
	// zap.NewNop() logger when nil and Quiet is true, or a production
	// logger otherwise.
	Logger *zap.SugaredLogger
}

// DefaultIteratorSlice is the default bucket-window size for scans.
const DefaultIteratorSlice = 10000

func (o Options) iteratorSlice() int {
	if o.IteratorSlice > 0 {
		return o.IteratorSlice
	}
	return DefaultIteratorSlice
}

func (o Options) logger() *zap.SugaredLogger {
	if o.Logger != nil {
		return o.Logger
	}
	if o.Quiet {
		return zap.NewNop().Sugar()
	}
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}
