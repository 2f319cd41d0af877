package store

import (
	"github.com/gofcache/fcache/internal/codec"
	"github.com/gofcache/fcache/internal/fs"
)

// KV record header layout: kLen(2)|eLen(4)|vLen(4)|crc(4)|expire(4)|
// prev(4)|next(4), 26 bytes, followed by the key and the eLen-wide value
// slot.
const (
	kvOffKLen   = 0
	kvOffELen   = 2
	kvOffVLen   = 6
	kvOffCRC    = 10
	kvOffExpire = 14
	kvOffPrev   = 18
	kvOffNext   = 22
	kvHeaderLen = 26
)

type kvHeader struct {
	kLen   uint16
	eLen   uint32
	vLen   uint32
	crc    uint32
	expire uint32
	prev   uint32
	next   uint32
}

func encodeKVHeaderInto(buf []byte, h kvHeader) {
	codec.PutUint16(buf[kvOffKLen:], h.kLen)
	codec.PutUint32(buf[kvOffELen:], h.eLen)
	codec.PutUint32(buf[kvOffVLen:], h.vLen)
	codec.PutUint32(buf[kvOffCRC:], h.crc)
	codec.PutUint32(buf[kvOffExpire:], h.expire)
	codec.PutUint32(buf[kvOffPrev:], h.prev)
	codec.PutUint32(buf[kvOffNext:], h.next)
}

func decodeKVHeader(buf []byte) kvHeader {
	return kvHeader{
		kLen:   codec.Uint16(buf[kvOffKLen:]),
		eLen:   codec.Uint32(buf[kvOffELen:]),
		vLen:   codec.Uint32(buf[kvOffVLen:]),
		crc:    codec.Uint32(buf[kvOffCRC:]),
		expire: codec.Uint32(buf[kvOffExpire:]),
		prev:   codec.Uint32(buf[kvOffPrev:]),
		next:   codec.Uint32(buf[kvOffNext:]),
	}
}

func readKVHeader(f fs.File, offset int64) (kvHeader, error) {
	buf := make([]byte, kvHeaderLen)
	if err := readAt(f, offset, buf); err != nil {
		return kvHeader{}, err
	}
	return decodeKVHeader(buf), nil
}

func writeKVHeader(f fs.File, offset int64, h kvHeader) error {
	buf := make([]byte, kvHeaderLen)
	encodeKVHeaderInto(buf, h)
	return writeAt(f, offset, buf)
}

func readKVKey(f fs.File, offset int64, kLen uint16) (string, error) {
	buf := make([]byte, kLen)
	if err := readAt(f, offset+kvHeaderLen, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readKVValue reads the vLen real bytes of a record's value, ignoring the
// eLen-vLen filler padding beyond it.
func readKVValue(f fs.File, offset int64, h kvHeader) ([]byte, error) {
	buf := make([]byte, h.vLen)
	if err := readAt(f, offset+kvHeaderLen+int64(h.kLen), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// kvFind walks the bucket chain starting at head looking for key, returning
// its offset and header if found. The record's own prev/next fields are
// the relink information needed by callers; no separate predecessor
// tracking is required.
func kvFind(f fs.File, chainCap int, head uint32, key string) (offset int64, hdr kvHeader, found bool, err error) {
	cw := newChainWalker(chainCap)
	offset = int64(head)
	for offset != 0 {
		ok, verr := cw.visit(offset)
		if verr != nil {
			return 0, kvHeader{}, false, verr
		}
		if !ok {
			return 0, kvHeader{}, false, nil
		}
		h, rerr := readKVHeader(f, offset)
		if rerr != nil {
			return 0, kvHeader{}, false, rerr
		}
		if h.kLen != 0 {
			k, kerr := readKVKey(f, offset, h.kLen)
			if kerr != nil {
				return 0, kvHeader{}, false, kerr
			}
			if k == key {
				return offset, h, true, nil
			}
		}
		offset = int64(h.next)
	}
	return 0, kvHeader{}, false, nil
}

// kvSplice unlinks a dead record at prev/next from its bucket chain.
func kvSplice(f fs.File, bucketOffset int64, prev, next uint32) error {
	if prev == 0 {
		if err := putUnpackInt(f, bucketOffset, next); err != nil {
			return err
		}
	} else {
		if err := writeAt(f, int64(prev)+kvOffNext, uint32Bytes(next)); err != nil {
			return err
		}
	}
	if next != 0 {
		if err := writeAt(f, int64(next)+kvOffPrev, uint32Bytes(prev)); err != nil {
			return err
		}
	}
	return nil
}

// kvSpliceReplace points prev/next at newOffset instead of at each other,
// installing a grown record in its predecessor's place.
func kvSpliceReplace(f fs.File, bucketOffset int64, prev, next, newOffset uint32) error {
	if prev == 0 {
		if err := putUnpackInt(f, bucketOffset, newOffset); err != nil {
			return err
		}
	} else {
		if err := writeAt(f, int64(prev)+kvOffNext, uint32Bytes(newOffset)); err != nil {
			return err
		}
	}
	if next != 0 {
		if err := writeAt(f, int64(next)+kvOffPrev, uint32Bytes(newOffset)); err != nil {
			return err
		}
	}
	return nil
}

func markKVDead(f fs.File, offset int64) error {
	return writeAt(f, offset+kvOffKLen, []byte{0, 0})
}
