package store

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gofcache/fcache/internal/codec"
	"github.com/gofcache/fcache/internal/fs"
)

// The col-* keys all hash to the same bucket (crc32 collision mod the
// bucket count), so they form one real chain; the fill-* keys land in
// distinct buckets untouched by the victim operation.
var (
	crashSiblings = []string{"col-atpv", "col-badg", "col-bfzg", "col-blvr"}
	crashFillers  = []string{"fill-00", "fill-01", "fill-02", "fill-03", "fill-04", "fill-05"}
)

const crashVictim = "col-badg" // mid-chain after head-insert seeding

func seedCrashStore(t *testing.T, fsys fs.FS, path string) (*Engine, *KVStore) {
	t.Helper()
	e, err := Open(fsys, Options{Path: path, Quiet: true})
	require.NoError(t, err)
	kv := NewKVStore(e, nil)
	for _, k := range append(append([]string{}, crashSiblings...), crashFillers...) {
		require.NoError(t, kv.Set(k, "v-"+k, 0))
	}
	return e, kv
}

// collectChain walks a bucket's forward chain, failing the test on a cycle
// or an unreadable header, and returns the visited offsets with their
// headers.
func collectChain(t *testing.T, f fs.File, prefixLen int64, bucket uint32) ([]int64, []kvHeader) {
	t.Helper()
	head, err := getUnpackInt(f, bucketOffset(prefixLen, bucket))
	require.NoError(t, err)

	cw := newChainWalker(0)
	var offs []int64
	var hdrs []kvHeader
	off := int64(head)
	for off != 0 {
		ok, err := cw.visit(off)
		require.NoError(t, err, "bucket %d: chain revisited offset %d", bucket, off)
		require.True(t, ok)
		hdr, err := readKVHeader(f, off)
		require.NoError(t, err, "bucket %d: unreadable header at %d", bucket, off)
		offs = append(offs, off)
		hdrs = append(hdrs, hdr)
		off = int64(hdr.next)
	}
	return offs, hdrs
}

// asymmetricLinks counts links where B = A.next but B.prev != A (head
// counts when its prev is nonzero). A completed relink leaves zero; a kill
// between the forward and backward pointer writes leaves exactly one.
func asymmetricLinks(offs []int64, hdrs []kvHeader) int {
	n := 0
	var prev int64
	for i := range offs {
		if int64(hdrs[i].prev) != prev {
			n++
		}
		prev = offs[i]
	}
	return n
}

// runKilledOp seeds a fresh store through a Crash filesystem, arms the
// kill point at the killth write, runs op against the victim key, then
// reopens the file through the real filesystem and checks every chain
// invariant that must survive a mid-relink process death:
//
//   - every bucket's forward chain terminates without cycles and every
//     header on it parses;
//   - untouched buckets keep exact prev/next symmetry;
//   - the victim's bucket has at most one stale back-pointer (the one the
//     kill prevented), and all its surviving keys still read back;
//   - keys in other buckets are untouched.
//
// Returns whether the kill point actually tripped; once an op completes
// with writes to spare, the caller has covered every boundary inside it.
func runKilledOp(t *testing.T, kill int, op func(kv *KVStore) error, checkVictim func(t *testing.T, kv *KVStore)) bool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.cache")
	crash := fs.NewCrash(fs.NewReal())

	e, kv := seedCrashStore(t, crash, path)
	crash.KillAfterWrites(kill)
	_ = op(kv) // the run under the kill point; the error is the point
	tripped := crash.Killed()
	require.NoError(t, e.Close())

	re, err := Open(fs.NewReal(), Options{Path: path, Quiet: true})
	require.NoError(t, err)
	defer re.Close()
	rkv := NewKVStore(re, nil)
	f, err := re.Handle()
	require.NoError(t, err)

	victimBucket := codec.Bucket(crashVictim, BucketCount)
	offs, hdrs := collectChain(t, f, re.PrefixLen(), victimBucket)
	require.LessOrEqual(t, asymmetricLinks(offs, hdrs), 1,
		"kill=%d: more than one stale back-pointer in the victim bucket", kill)

	for _, k := range crashFillers {
		fo, fh := collectChain(t, f, re.PrefixLen(), codec.Bucket(k, BucketCount))
		require.Zero(t, asymmetricLinks(fo, fh), "untouched bucket for %q lost pointer symmetry", k)
		val, ok, err := rkv.Get(k)
		require.NoError(t, err)
		require.True(t, ok, "kill=%d: filler %q lost", kill, k)
		require.Equal(t, "v-"+k, string(val))
	}
	for _, k := range crashSiblings {
		if k == crashVictim {
			continue
		}
		val, ok, err := rkv.Get(k)
		require.NoError(t, err)
		require.True(t, ok, "kill=%d: sibling %q lost", kill, k)
		require.Equal(t, "v-"+k, string(val))
	}
	checkVictim(t, rkv)
	return tripped
}

// TestKillMidGrowRelinkKeepsChainsConsistent kills the process at every
// write boundary inside a grow-and-relink update of a mid-chain record and
// verifies the reopened file's chains stay walkable and symmetric, with
// the victim holding either its old or its new value.
func TestKillMidGrowRelinkKeepsChainsConsistent(t *testing.T) {
	t.Parallel()
	grown := strings.Repeat("x", 64)

	for kill := 1; ; kill++ {
		require.Less(t, kill, 50, "grow-relink never completed")
		tripped := runKilledOp(t,
			kill,
			func(kv *KVStore) error { return kv.Set(crashVictim, grown, 0) },
			func(t *testing.T, kv *KVStore) {
				val, ok, err := kv.Get(crashVictim)
				require.NoError(t, err)
				require.True(t, ok, "victim must hold its old or new value, never vanish")
				if string(val) != grown {
					require.Equal(t, "v-"+crashVictim, string(val))
				}
			})
		if !tripped {
			break
		}
	}
}

// TestKillMidDeleteSpliceKeepsChainsConsistent is the delete-side analog:
// the process dies at every boundary inside mark-dead-and-splice, and the
// victim afterwards reads as either still present or cleanly gone.
func TestKillMidDeleteSpliceKeepsChainsConsistent(t *testing.T) {
	t.Parallel()

	for kill := 1; ; kill++ {
		require.Less(t, kill, 50, "delete splice never completed")
		tripped := runKilledOp(t,
			kill,
			func(kv *KVStore) error { return kv.Remove(crashVictim) },
			func(t *testing.T, kv *KVStore) {
				val, ok, err := kv.Get(crashVictim)
				require.NoError(t, err)
				if ok {
					require.Equal(t, "v-"+crashVictim, string(val))
				}
			})
		if !tripped {
			break
		}
	}
}
