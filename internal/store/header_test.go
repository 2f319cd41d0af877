package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScriptGuardDetection(t *testing.T) {
	t.Parallel()
	require.True(t, hasScriptGuard("cache.php"))
	require.True(t, hasScriptGuard("/var/data/store.php"))
	require.False(t, hasScriptGuard("cache.db"))
	require.False(t, hasScriptGuard("cache.php.bak"))
	require.False(t, hasScriptGuard("php"))
	require.Len(t, scriptGuardPrefix, 13)
}

func TestGlobalHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	in := globalHeader{status: statusNormal, optimized: isOptimized, createTime: 1700000000, count: 42}
	out, err := decodeHeader(encodeHeader(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestGlobalHeaderRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	buf := encodeHeader(globalHeader{status: statusNormal})
	buf[headerOffStatus] = 'x'
	_, err := decodeHeader(buf)
	require.ErrorIs(t, err, ErrFormat)

	_, err = decodeHeader(buf[:headerSize-1])
	require.ErrorIs(t, err, ErrFormat)
}

func TestBucketOffsets(t *testing.T) {
	t.Parallel()
	require.EqualValues(t, 11, bucketOffset(0, 0))
	require.EqualValues(t, 11+4, bucketOffset(0, 1))
	require.EqualValues(t, 13+11, bucketOffset(13, 0))
	require.EqualValues(t, 11+int64(BucketCount)*4, heapStart(0))
}
