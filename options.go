package fcache

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"github.com/gofcache/fcache/internal/codec"
	"github.com/gofcache/fcache/internal/store"
)

// Options configures a KV, Set, or List store. Path is the only required
// field; everything else has a workable default.
type Options struct {
	// Path is the target store file. Required. Writes serialize on
	// flock(2) advisory locks, which the local filesystem must honor;
	// network filesystems such as NFS are not supported.
	Path string

	// Quiet suppresses operational warnings from the engine's logger.
	Quiet bool

	// IteratorSlice is the bucket-window size used by iteration and
	// compaction backfill. Zero means store.DefaultIteratorSlice.
	IteratorSlice int

	// OpOneByOne forces a bucket-at-a-time compaction scan, trading read
	// throughput for minimal staleness under concurrent writers.
	OpOneByOne bool

	// ChainCap optionally bounds in-bucket chain walks. Zero disables it.
	ChainCap int

	// Logger receives structured operational logs. See store.Options.
	Logger *zap.SugaredLogger

	// Serializer controls how non-raw values are encoded. Defaults to
	// codec.Default (raw passthrough for string/[]byte, gob otherwise).
	Serializer codec.Serializer
}

// sidecarConfig is the subset of Options an operator may pin from
// Path+".config.hujson" without recompiling, loaded once at Open.
type sidecarConfig struct {
	Quiet         *bool `json:"quiet,omitempty"`
	IteratorSlice *int  `json:"iterator_slice,omitempty"` //nolint:tagliatelle
	OpOneByOne    *bool `json:"op_one_by_one,omitempty"`  //nolint:tagliatelle
}

// loadSidecar reads and applies Path+".config.hujson" onto opts, if
// present. A missing sidecar is not an error.
func loadSidecar(opts Options) (Options, error) {
	if opts.Path == "" {
		return opts, nil
	}
	data, err := os.ReadFile(opts.Path + ".config.hujson") //nolint:gosec // path derived from caller-supplied store path
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return opts, fmt.Errorf("%w: reading config sidecar: %v", store.ErrConfig, err)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return opts, fmt.Errorf("%w: invalid JSONC in config sidecar: %v", store.ErrConfig, err)
	}
	var cfg sidecarConfig
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return opts, fmt.Errorf("%w: invalid config sidecar: %v", store.ErrConfig, err)
	}
	if cfg.Quiet != nil {
		opts.Quiet = *cfg.Quiet
	}
	if cfg.IteratorSlice != nil {
		opts.IteratorSlice = *cfg.IteratorSlice
	}
	if cfg.OpOneByOne != nil {
		opts.OpOneByOne = *cfg.OpOneByOne
	}
	return opts, nil
}

func (o Options) storeOptions() store.Options {
	return store.Options{
		Path:          o.Path,
		Quiet:         o.Quiet,
		IteratorSlice: o.IteratorSlice,
		OpOneByOne:    o.OpOneByOne,
		ChainCap:      o.ChainCap,
		Logger:        o.Logger,
	}
}

func (o Options) serializer() codec.Serializer {
	if o.Serializer != nil {
		return o.Serializer
	}
	return codec.Default
}
