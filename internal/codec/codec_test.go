package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUintRoundTrip(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 4)

	PutUint16(buf, 0xBEEF)
	require.Equal(t, uint16(0xBEEF), Uint16(buf))
	require.Equal(t, []byte{0xEF, 0xBE}, buf[:2])

	PutUint32(buf, 0xDEADBEEF)
	require.Equal(t, uint32(0xDEADBEEF), Uint32(buf))
	require.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, buf)
}

func TestCRC32MatchesIEEECheckValue(t *testing.T) {
	t.Parallel()
	// The standard CRC-32/IEEE check value for the digits "123456789".
	require.Equal(t, uint32(0xCBF43926), CRC32([]byte("123456789")))
}

func TestBucketStaysInRange(t *testing.T) {
	t.Parallel()
	const n = 0x8FFFF
	for _, key := range []string{"", "a", "key", "a-much-longer-key-with-punctuation!?"} {
		require.Less(t, Bucket(key, n), uint32(n))
	}
}

func TestDefaultSerializerRoundTrip(t *testing.T) {
	t.Parallel()

	b, err := Default.Serialize("hello")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b)

	var s string
	require.NoError(t, Default.Deserialize(b, &s))
	require.Equal(t, "hello", s)

	raw := []byte{0x00, 0xFF, 0x10}
	b, err = Default.Serialize(raw)
	require.NoError(t, err)
	require.Equal(t, raw, b)

	type point struct{ X, Y int }
	b, err = Default.Serialize(point{X: 3, Y: 4})
	require.NoError(t, err)
	var p point
	require.NoError(t, Default.Deserialize(b, &p))
	require.Equal(t, point{X: 3, Y: 4}, p)
}
