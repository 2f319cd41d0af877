// Package codec provides the little-endian binary primitives shared by
// every record layout in internal/store: fixed-width integer packing and
// the CRC32 checksum used to detect torn or corrupted value bytes.
package codec

import (
	"encoding/binary"
	"hash/crc32"
)

// PutUint16 writes v to buf[0:2] in little-endian order.
func PutUint16(buf []byte, v uint16) {
	binary.LittleEndian.PutUint16(buf, v)
}

// Uint16 reads a little-endian uint16 from buf[0:2].
func Uint16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

// PutUint32 writes v to buf[0:4] in little-endian order.
func PutUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

// Uint32 reads a little-endian uint32 from buf[0:4].
func Uint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// CRC32 returns the IEEE CRC32 of b. Used both as an integrity check over
// stored value bytes and, for list values, as a cheap equality predicate
// during pivot search.
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// Bucket returns the bucket index for key under a table of n buckets:
// crc32(key) mod n.
func Bucket(key string, n uint32) uint32 {
	return crc32.ChecksumIEEE([]byte(key)) % n
}
