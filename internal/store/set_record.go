package store

import (
	"crypto/md5"

	"github.com/gofcache/fcache/internal/codec"
	"github.com/gofcache/fcache/internal/fs"
)

// Key-set record layout: prev(4)|next(4)|md5raw(16). There is no dead
// marker; removal is by unlinking from the chain.
const (
	setOffPrev = 0
	setOffNext = 4
	setOffMD5  = 8
	setRecLen  = 24
)

type setRecord struct {
	prev, next uint32
	digest     [16]byte
}

func encodeSetRecord(r setRecord) []byte {
	buf := make([]byte, setRecLen)
	codec.PutUint32(buf[setOffPrev:], r.prev)
	codec.PutUint32(buf[setOffNext:], r.next)
	copy(buf[setOffMD5:], r.digest[:])
	return buf
}

func readSetRecord(f fs.File, offset int64) (setRecord, error) {
	buf := make([]byte, setRecLen)
	if err := readAt(f, offset, buf); err != nil {
		return setRecord{}, err
	}
	var r setRecord
	r.prev = codec.Uint32(buf[setOffPrev:])
	r.next = codec.Uint32(buf[setOffNext:])
	copy(r.digest[:], buf[setOffMD5:setOffMD5+16])
	return r, nil
}

func setFind(f fs.File, chainCap int, head uint32, digest [16]byte) (offset int64, rec setRecord, found bool, err error) {
	cw := newChainWalker(chainCap)
	offset = int64(head)
	for offset != 0 {
		ok, verr := cw.visit(offset)
		if verr != nil {
			return 0, setRecord{}, false, verr
		}
		if !ok {
			return 0, setRecord{}, false, nil
		}
		r, rerr := readSetRecord(f, offset)
		if rerr != nil {
			return 0, setRecord{}, false, rerr
		}
		if r.digest == digest {
			return offset, r, true, nil
		}
		offset = int64(r.next)
	}
	return 0, setRecord{}, false, nil
}

func setSplice(f fs.File, bucketOff int64, prev, next uint32) error {
	if prev == 0 {
		if err := putUnpackInt(f, bucketOff, next); err != nil {
			return err
		}
	} else {
		if err := writeAt(f, int64(prev)+setOffNext, uint32Bytes(next)); err != nil {
			return err
		}
	}
	if next != 0 {
		if err := writeAt(f, int64(next)+setOffPrev, uint32Bytes(prev)); err != nil {
			return err
		}
	}
	return nil
}

func md5Digest(key string) [16]byte {
	return md5.Sum([]byte(key))
}
