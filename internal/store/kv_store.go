package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofcache/fcache/internal/codec"
	"github.com/gofcache/fcache/internal/fs"
)

// KVStore is the KV flavor driver: opaque-value records with optional TTL
// and in-place integer counters.
type KVStore struct {
	e   *Engine
	ser codec.Serializer
	now func() uint32
}

func NewKVStore(e *Engine, ser codec.Serializer) *KVStore {
	if ser == nil {
		ser = codec.Default
	}
	return &KVStore{e: e, ser: ser, now: func() uint32 { return uint32(time.Now().Unix()) }}
}

// TTLResult is the outcome of TTL: Exists distinguishes an absent/expired
// key; Never distinguishes a key with no expiry from one with a concrete
// remaining duration.
type TTLResult struct {
	Exists    bool
	Never     bool
	Remaining int
}

func (s *KVStore) bucketOff(key string) int64 {
	return bucketOffset(s.e.PrefixLen(), codec.Bucket(key, BucketCount))
}

// writeValue installs payload as key's stored value, choosing in-place
// update (new length fits the existing slot), grow-and-relink, or a fresh
// head-of-chain insert. minELen optionally pads the allocated slot beyond
// len(payload), used by Increase to keep counters in-place across future
// updates.
func writeValue(f fs.File, bOff int64, key string, found bool, offset int64, old kvHeader, head uint32, payload []byte, expire uint32, minELen uint32) error {
	newVLen := uint32(len(payload))
	crc := codec.CRC32(payload)

	if found && newVLen <= old.eLen {
		old.vLen = newVLen
		old.crc = crc
		old.expire = expire
		if err := writeKVHeader(f, offset, old); err != nil {
			return err
		}
		return writeAt(f, offset+kvHeaderLen+int64(old.kLen), payload)
	}

	eLen := newVLen
	if minELen > eLen {
		eLen = minELen
	}

	var prev, next uint32
	if found {
		prev, next = old.prev, old.next
	} else {
		prev, next = 0, head
	}

	newHdr := kvHeader{kLen: uint16(len(key)), eLen: eLen, vLen: newVLen, crc: crc, expire: expire, prev: prev, next: next}
	buf := make([]byte, kvHeaderLen+len(key)+int(eLen))
	encodeKVHeaderInto(buf, newHdr)
	copy(buf[kvHeaderLen:], key)
	copy(buf[kvHeaderLen+len(key):], payload)

	newOff, err := appendRecord(f, buf)
	if err != nil {
		return err
	}

	if found {
		if err := kvSpliceReplace(f, bOff, prev, next, uint32(newOff)); err != nil {
			return err
		}
		return markKVDead(f, offset)
	}

	if err := putUnpackInt(f, bOff, uint32(newOff)); err != nil {
		return err
	}
	if head != 0 {
		if err := writeAt(f, int64(head)+kvOffPrev, uint32Bytes(uint32(newOff))); err != nil {
			return err
		}
	}
	return nil
}

// Set stores value under key. A nil value is equivalent to Remove.
func (s *KVStore) Set(key string, value any, ttlSec int) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrArg)
	}
	if value == nil {
		return s.Remove(key)
	}
	payload, err := s.ser.Serialize(value)
	if err != nil {
		return fmt.Errorf("%w: serialize: %v", ErrArg, err)
	}
	var expire uint32
	if ttlSec > 0 {
		expire = s.now() + uint32(ttlSec)
	}
	bOff := s.bucketOff(key)
	return s.e.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		offset, hdr, found, err := kvFind(f, s.e.ChainCap(), head, key)
		if err != nil {
			return err
		}
		wasNew := !found
		if err := writeValue(f, bOff, key, found, offset, hdr, head, payload, expire, 0); err != nil {
			return err
		}
		if wasNew {
			return s.e.IncreaseCount(f, 1)
		}
		return nil
	})
}

// Get returns the stored value, or ok=false if absent, CRC-invalid, or
// expired.
func (s *KVStore) Get(key string) (value []byte, ok bool, err error) {
	f, err := s.e.Handle()
	if err != nil {
		return nil, false, err
	}
	head, err := getUnpackInt(f, s.bucketOff(key))
	if err != nil {
		return nil, false, err
	}
	offset, hdr, found, err := kvFind(f, s.e.ChainCap(), head, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// While a compaction is in flight, a key not yet backfilled into
		// the new store still lives in the old one.
		return s.getFromOldStore(key)
	}
	if hdr.expire != 0 && hdr.expire <= s.now() {
		return nil, false, nil
	}
	val, err := readKVValue(f, offset, hdr)
	if err != nil {
		return nil, false, err
	}
	if codec.CRC32(val) != hdr.crc {
		return nil, false, nil
	}
	return val, true, nil
}

// getFromOldStore is the reader side of compaction cooperation: a
// read-only fallback lookup in an in-flight compaction's old store.
func (s *KVStore) getFromOldStore(key string) (value []byte, ok bool, err error) {
	old, found := openOldStore(s.e)
	if !found {
		return nil, false, nil
	}
	defer old.Close()

	head, err := getUnpackInt(old.f, old.bucketOff(key))
	if err != nil {
		return nil, false, nil
	}
	offset, hdr, found, err := kvFind(old.f, s.e.ChainCap(), head, key)
	if err != nil || !found {
		return nil, false, nil
	}
	if hdr.expire != 0 && hdr.expire <= s.now() {
		return nil, false, nil
	}
	val, err := readKVValue(old.f, offset, hdr)
	if err != nil || codec.CRC32(val) != hdr.crc {
		return nil, false, nil
	}
	return val, true, nil
}

// TTL reports the remaining time to live for key.
func (s *KVStore) TTL(key string) (TTLResult, error) {
	f, err := s.e.Handle()
	if err != nil {
		return TTLResult{}, err
	}
	head, err := getUnpackInt(f, s.bucketOff(key))
	if err != nil {
		return TTLResult{}, err
	}
	_, hdr, found, err := kvFind(f, s.e.ChainCap(), head, key)
	if err != nil {
		return TTLResult{}, err
	}
	if !found {
		// Same miss rule as Get: a key not yet backfilled by an in-flight
		// compaction still lives in the old store.
		hdr, found = s.ttlHeaderFromOldStore(key)
	}
	if !found {
		return TTLResult{Exists: false}, nil
	}
	if hdr.expire == 0 {
		return TTLResult{Exists: true, Never: true}, nil
	}
	now := s.now()
	if hdr.expire <= now {
		return TTLResult{Exists: true, Remaining: 0}, nil
	}
	return TTLResult{Exists: true, Remaining: int(hdr.expire - now)}, nil
}

func (s *KVStore) ttlHeaderFromOldStore(key string) (kvHeader, bool) {
	old, ok := openOldStore(s.e)
	if !ok {
		return kvHeader{}, false
	}
	defer old.Close()

	head, err := getUnpackInt(old.f, old.bucketOff(key))
	if err != nil {
		return kvHeader{}, false
	}
	_, hdr, found, err := kvFind(old.f, s.e.ChainCap(), head, key)
	if err != nil || !found {
		return kvHeader{}, false
	}
	return hdr, true
}

// Expire patches the expiry field in place. secs<0 expires immediately,
// secs==0 clears the expiry (never), secs>0 sets it to now+secs.
func (s *KVStore) Expire(key string, secs int) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrArg)
	}
	var expire uint32
	switch {
	case secs < 0:
		expire = s.now()
		if expire == 0 {
			expire = 1
		}
	case secs == 0:
		expire = 0
	default:
		expire = s.now() + uint32(secs)
	}

	bOff := s.bucketOff(key)
	err := s.e.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		offset, _, found, err := kvFind(f, s.e.ChainCap(), head, key)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		return writeAt(f, offset+kvOffExpire, uint32Bytes(expire))
	})
	if err != nil {
		return err
	}
	// Mirror onto a not-yet-backfilled key living in the old store, so the
	// compactor's backfill cannot carry the stale expiry back into the new
	// store.
	s.expireInOldStore(key, expire)
	return nil
}

func (s *KVStore) expireInOldStore(key string, expire uint32) {
	old, found := openOldStore(s.e)
	if !found {
		return
	}
	defer old.Close()

	err := old.withWriteLock(func(f fs.File) error {
		bOff := old.bucketOff(key)
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		offset, _, found, err := kvFind(f, s.e.ChainCap(), head, key)
		if err != nil || !found {
			return err
		}
		return writeAt(f, offset+kvOffExpire, uint32Bytes(expire))
	})
	if err != nil {
		s.e.log.Warnw("expire: old store cooperation failed", "key", key, "err", err)
	}
}

// Increase atomically adds delta to key's integer value (absent treated as
// 0) and returns the new value. The stored value is parsed as a decimal
// string; a value written by a prior Set with a non-decimal encoding (e.g.
// a gob-serialized struct) reads back as current=0 rather than failing.
func (s *KVStore) Increase(key string, delta int64, ttlSec int) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("%w: empty key", ErrArg)
	}
	var result int64
	bOff := s.bucketOff(key)
	err := s.e.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		offset, hdr, found, err := kvFind(f, s.e.ChainCap(), head, key)
		if err != nil {
			return err
		}

		var current int64
		if found && (hdr.expire == 0 || hdr.expire > s.now()) {
			val, rerr := readKVValue(f, offset, hdr)
			if rerr != nil {
				return rerr
			}
			if codec.CRC32(val) == hdr.crc {
				current, _ = strconv.ParseInt(string(val), 10, 64)
			}
		}
		result = current + delta
		payload := []byte(strconv.FormatInt(result, 10))
		var expire uint32
		if ttlSec > 0 {
			expire = s.now() + uint32(ttlSec)
		}

		wasNew := !found
		if err := writeValue(f, bOff, key, found, offset, hdr, head, payload, expire, 16); err != nil {
			return err
		}
		if wasNew {
			return s.e.IncreaseCount(f, 1)
		}
		return nil
	})
	return result, err
}

// Remove deletes key. Absent keys are a no-op (idempotent).
func (s *KVStore) Remove(key string) error {
	bOff := s.bucketOff(key)
	err := s.e.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		offset, hdr, found, err := kvFind(f, s.e.ChainCap(), head, key)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if err := markKVDead(f, offset); err != nil {
			return err
		}
		if err := kvSplice(f, bOff, hdr.prev, hdr.next); err != nil {
			return err
		}
		return s.e.DecreaseCount(f, 1)
	})
	if err != nil {
		return err
	}
	// Mirror onto the old store too, or a key not yet backfilled by an
	// in-flight compaction would still be found there and get reinserted
	// into the new store by WriteOptimize's skip-if-present check,
	// resurrecting a value this call just deleted.
	s.removeFromOldStore(key)
	return nil
}

func (s *KVStore) removeFromOldStore(key string) {
	old, found := openOldStore(s.e)
	if !found {
		return
	}
	defer old.Close()

	err := old.withWriteLock(func(f fs.File) error {
		bOff := old.bucketOff(key)
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		offset, hdr, found, err := kvFind(f, s.e.ChainCap(), head, key)
		if err != nil || !found {
			return err
		}
		if err := markKVDead(f, offset); err != nil {
			return err
		}
		return kvSplice(f, bOff, hdr.prev, hdr.next)
	})
	if err != nil {
		s.e.log.Warnw("remove: old store cooperation failed", "key", key, "err", err)
	}
}

// WalkBucket implements BucketWalker for the KV flavor, including recovery
// when a concurrent writer relinks the chain out from under the walk.
func (s *KVStore) WalkBucket(f fs.File, bucket uint32, headOffset uint32, yield func(Entry) bool) error {
	cw := newChainWalker(s.e.ChainCap())
	var prevOffset int64
	offset := int64(headOffset)

	for offset != 0 {
		ok, err := cw.visit(offset)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		hdr, err := readKVHeader(f, offset)
		if err != nil {
			if prevOffset == 0 {
				return fmt.Errorf("%w: %v", ErrFormat, err)
			}
			newNext, nerr := getUnpackInt(f, prevOffset+kvOffNext)
			if nerr != nil || int64(newNext) == offset {
				return fmt.Errorf("%w: %v", ErrFormat, err)
			}
			offset = int64(newNext)
			continue
		}

		next := int64(hdr.next)
		if hdr.kLen != 0 && (hdr.expire == 0 || hdr.expire > s.now()) {
			key, kerr := readKVKey(f, offset, hdr.kLen)
			if kerr == nil {
				val, verr := readKVValue(f, offset, hdr)
				if verr == nil && codec.CRC32(val) == hdr.crc {
					if !yield(Entry{Bucket: bucket, Key: key, Value: val, Expire: hdr.expire}) {
						return nil
					}
				}
			}
		}
		prevOffset = offset
		offset = next
	}
	return nil
}

// WriteOptimize inserts entry into newEngine's KV store unless key already
// exists there.
func (s *KVStore) WriteOptimize(newEngine *Engine, entry Entry) (bool, error) {
	inserted := false
	bOff := bucketOffset(newEngine.PrefixLen(), entry.Bucket)
	err := newEngine.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		_, _, found, err := kvFind(f, newEngine.ChainCap(), head, entry.Key)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		if err := writeValue(f, bOff, entry.Key, false, 0, kvHeader{}, head, entry.Value, entry.Expire, 0); err != nil {
			return err
		}
		inserted = true
		return newEngine.IncreaseCount(f, 1)
	})
	return inserted, err
}
