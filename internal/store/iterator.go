package store

import (
	"context"

	"github.com/gofcache/fcache/internal/codec"
	"github.com/gofcache/fcache/internal/fs"
)

// Entry is one live record surfaced by the iterator or the compactor's
// backfill scan.
type Entry struct {
	// Bucket is the bucket index this entry was read from. Since the
	// bucket count is a file-lifetime constant shared by old and new
	// stores, it identifies the same bucket in both during compaction, and
	// the backfill passes it straight into WriteOptimize.
	Bucket uint32
	Key    string
	Value  []byte
	// Expire is the KV flavor's absolute expiry (epoch seconds, 0 = never).
	// Unused by the set and list flavors.
	Expire uint32
}

// BucketWalker is supplied by each flavor driver: it knows the record
// layout well enough to walk the chain anchored at one bucket head and
// yield its live entries, recovering from a concurrent relink mid-walk.
type BucketWalker interface {
	// WalkBucket walks the chain starting at headOffset (always nonzero;
	// Iterator skips empty buckets itself) calling yield for each live
	// entry. Returning false from yield stops the walk early.
	WalkBucket(f fs.File, bucket uint32, headOffset uint32, yield func(Entry) bool) error
}

// Iterator is a bucket-windowed scan over the whole table, generic over
// the flavor's record layout via BucketWalker.
type Iterator struct {
	e      *Engine
	walker BucketWalker
}

func NewIterator(e *Engine, walker BucketWalker) *Iterator {
	return &Iterator{e: e, walker: walker}
}

// ForEach performs the full bucket-windowed scan: read iteratorSlice
// contiguous bucket slots at a time (the last window reads the
// remainder), skip empty slots, and walk each nonzero chain. Returning
// false from yield stops the scan early. progress, if non-nil, receives a
// percentage after each window, coalesced to changed values only, matching
// the compactor's use of this same scan.
func (it *Iterator) ForEach(ctx context.Context, progress func(pct int), yield func(Entry) bool) error {
	f, err := it.e.Handle()
	if err != nil {
		return err
	}
	slice := it.e.IteratorSlice()
	if slice <= 0 {
		slice = DefaultIteratorSlice
	}

	lastPct := -1
	for cursor := uint32(0); cursor < BucketCount; {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		end := cursor + uint32(slice)
		if end > BucketCount {
			end = BucketCount
		}

		// Read the whole window's bucket slots in one call rather than one
		// getUnpackInt per slot: the IteratorSlice knob trades staleness
		// for read cost only if the window is actually read as a unit.
		window := make([]byte, int64(end-cursor)*4)
		if err := readAt(f, bucketOffset(it.e.PrefixLen(), cursor), window); err != nil {
			return err
		}

		for b := cursor; b < end; b++ {
			head := codec.Uint32(window[(b-cursor)*4:])
			if head == 0 {
				continue
			}
			stop := false
			walkErr := it.walker.WalkBucket(f, b, head, func(e Entry) bool {
				if !yield(e) {
					stop = true
					return false
				}
				return true
			})
			if walkErr != nil {
				return walkErr
			}
			if stop {
				return nil
			}
		}

		cursor = end
		if progress != nil {
			pct := int(cursor) * 100 / int(BucketCount)
			if pct != lastPct {
				progress(pct)
				lastPct = pct
			}
		}
	}
	return nil
}
