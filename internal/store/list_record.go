package store

import (
	"github.com/gofcache/fcache/internal/codec"
	"github.com/gofcache/fcache/internal/fs"
)

// List key-header record layout: kLen(2)|prev(4)|next(4)|valueHead(4)|
// key[kLen]. Links sibling key-headers within one bucket and points at the
// head of the key's separate per-key value list.
const (
	listKeyOffKLen      = 0
	listKeyOffPrev      = 2
	listKeyOffNext      = 6
	listKeyOffValueHead = 10
	listKeyHeaderLen    = 14
)

type listKeyHeader struct {
	kLen      uint16
	prev      uint32
	next      uint32
	valueHead uint32
}

func encodeListKeyHeaderInto(buf []byte, h listKeyHeader) {
	codec.PutUint16(buf[listKeyOffKLen:], h.kLen)
	codec.PutUint32(buf[listKeyOffPrev:], h.prev)
	codec.PutUint32(buf[listKeyOffNext:], h.next)
	codec.PutUint32(buf[listKeyOffValueHead:], h.valueHead)
}

func decodeListKeyHeader(buf []byte) listKeyHeader {
	return listKeyHeader{
		kLen:      codec.Uint16(buf[listKeyOffKLen:]),
		prev:      codec.Uint32(buf[listKeyOffPrev:]),
		next:      codec.Uint32(buf[listKeyOffNext:]),
		valueHead: codec.Uint32(buf[listKeyOffValueHead:]),
	}
}

func readListKeyHeader(f fs.File, offset int64) (listKeyHeader, error) {
	buf := make([]byte, listKeyHeaderLen)
	if err := readAt(f, offset, buf); err != nil {
		return listKeyHeader{}, err
	}
	return decodeListKeyHeader(buf), nil
}

func writeListKeyHeader(f fs.File, offset int64, h listKeyHeader) error {
	buf := make([]byte, listKeyHeaderLen)
	encodeListKeyHeaderInto(buf, h)
	return writeAt(f, offset, buf)
}

func readListKey(f fs.File, offset int64, kLen uint16) (string, error) {
	buf := make([]byte, kLen)
	if err := readAt(f, offset+listKeyHeaderLen, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func markListKeyDead(f fs.File, offset int64) error {
	return writeAt(f, offset+listKeyOffKLen, []byte{0, 0})
}

func listKeyFind(f fs.File, chainCap int, head uint32, key string) (offset int64, hdr listKeyHeader, found bool, err error) {
	cw := newChainWalker(chainCap)
	offset = int64(head)
	for offset != 0 {
		ok, verr := cw.visit(offset)
		if verr != nil {
			return 0, listKeyHeader{}, false, verr
		}
		if !ok {
			return 0, listKeyHeader{}, false, nil
		}
		h, rerr := readListKeyHeader(f, offset)
		if rerr != nil {
			return 0, listKeyHeader{}, false, rerr
		}
		if h.kLen != 0 {
			k, kerr := readListKey(f, offset, h.kLen)
			if kerr != nil {
				return 0, listKeyHeader{}, false, kerr
			}
			if k == key {
				return offset, h, true, nil
			}
		}
		offset = int64(h.next)
	}
	return 0, listKeyHeader{}, false, nil
}

func listKeySplice(f fs.File, bucketOff int64, prev, next uint32) error {
	if prev == 0 {
		if err := putUnpackInt(f, bucketOff, next); err != nil {
			return err
		}
	} else {
		if err := writeAt(f, int64(prev)+listKeyOffNext, uint32Bytes(next)); err != nil {
			return err
		}
	}
	if next != 0 {
		if err := writeAt(f, int64(next)+listKeyOffPrev, uint32Bytes(prev)); err != nil {
			return err
		}
	}
	return nil
}

// List value record layout: vLen(4)|prev(4)|next(4)|crc(4)|value[vLen].
// prev/next link adjacent values of the same key; there is no dead flag,
// unlinking suffices.
const (
	listValOffVLen   = 0
	listValOffPrev   = 4
	listValOffNext   = 8
	listValOffCRC    = 12
	listValHeaderLen = 16
)

type listValueRecord struct {
	vLen       uint32
	prev, next uint32
	crc        uint32
}

func encodeListValueRecordInto(buf []byte, r listValueRecord) {
	codec.PutUint32(buf[listValOffVLen:], r.vLen)
	codec.PutUint32(buf[listValOffPrev:], r.prev)
	codec.PutUint32(buf[listValOffNext:], r.next)
	codec.PutUint32(buf[listValOffCRC:], r.crc)
}

func decodeListValueRecord(buf []byte) listValueRecord {
	return listValueRecord{
		vLen: codec.Uint32(buf[listValOffVLen:]),
		prev: codec.Uint32(buf[listValOffPrev:]),
		next: codec.Uint32(buf[listValOffNext:]),
		crc:  codec.Uint32(buf[listValOffCRC:]),
	}
}

func readListValueRecord(f fs.File, offset int64) (listValueRecord, error) {
	buf := make([]byte, listValHeaderLen)
	if err := readAt(f, offset, buf); err != nil {
		return listValueRecord{}, err
	}
	return decodeListValueRecord(buf), nil
}

func writeListValueRecordHeader(f fs.File, offset int64, r listValueRecord) error {
	buf := make([]byte, listValHeaderLen)
	encodeListValueRecordInto(buf, r)
	return writeAt(f, offset, buf)
}

func readListValue(f fs.File, offset int64, vLen uint32) ([]byte, error) {
	buf := make([]byte, vLen)
	if err := readAt(f, offset+listValHeaderLen, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// listValueNode pairs a value record with the file offset it lives at.
type listValueNode struct {
	offset int64
	rec    listValueRecord
}

// listCollectValues walks the per-key value list starting at head into
// memory. Lists are expected to be short enough (bounded by application
// use) that in-memory index arithmetic followed by a full relink, rather
// than a minimal pointer diff, is an acceptable trade of simplicity for
// the extra writes the positional operations perform.
func listCollectValues(f fs.File, chainCap int, head uint32) ([]listValueNode, error) {
	cw := newChainWalker(chainCap)
	var out []listValueNode
	offset := int64(head)
	for offset != 0 {
		ok, err := cw.visit(offset)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rec, err := readListValueRecord(f, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, listValueNode{offset: offset, rec: rec})
		offset = int64(rec.next)
	}
	return out, nil
}

func listValueSplice(f fs.File, khdr *listKeyHeader, prev, next uint32) error {
	if prev != 0 {
		if err := writeAt(f, int64(prev)+listValOffNext, uint32Bytes(next)); err != nil {
			return err
		}
	} else {
		khdr.valueHead = next
	}
	if next != 0 {
		if err := writeAt(f, int64(next)+listValOffPrev, uint32Bytes(prev)); err != nil {
			return err
		}
	}
	return nil
}
