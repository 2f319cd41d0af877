package store

import (
	"fmt"

	"github.com/gofcache/fcache/internal/codec"
	"github.com/gofcache/fcache/internal/fs"
)

// SetStore is the key-set flavor driver: membership-only, keyed by the
// 16-byte raw MD5 digest of the user key. Collisions across distinct user
// keys would require a full 128-bit MD5 collision and are treated as
// impossible.
type SetStore struct {
	e *Engine
}

func NewSetStore(e *Engine) *SetStore {
	return &SetStore{e: e}
}

func (s *SetStore) bucketOff(key string) int64 {
	return bucketOffset(s.e.PrefixLen(), codec.Bucket(key, BucketCount))
}

// Add inserts key. Already-present keys are a no-op returning success.
func (s *SetStore) Add(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrArg)
	}
	digest := md5Digest(key)
	bOff := s.bucketOff(key)
	return s.e.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		_, _, found, err := setFind(f, s.e.ChainCap(), head, digest)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		rec := setRecord{prev: 0, next: head, digest: digest}
		newOff, err := appendRecord(f, encodeSetRecord(rec))
		if err != nil {
			return err
		}
		if err := putUnpackInt(f, bOff, uint32(newOff)); err != nil {
			return err
		}
		if head != 0 {
			if err := writeAt(f, int64(head)+setOffPrev, uint32Bytes(uint32(newOff))); err != nil {
				return err
			}
		}
		return s.e.IncreaseCount(f, 1)
	})
}

// Has reports whether key is a member.
func (s *SetStore) Has(key string) (bool, error) {
	f, err := s.e.Handle()
	if err != nil {
		return false, err
	}
	head, err := getUnpackInt(f, s.bucketOff(key))
	if err != nil {
		return false, err
	}
	_, _, found, err := setFind(f, s.e.ChainCap(), head, md5Digest(key))
	if err != nil {
		return false, err
	}
	if found {
		return true, nil
	}
	// Not yet backfilled by an in-flight compaction; check the old store.
	return s.hasInOldStore(key)
}

func (s *SetStore) hasInOldStore(key string) (bool, error) {
	old, found := openOldStore(s.e)
	if !found {
		return false, nil
	}
	defer old.Close()

	head, err := getUnpackInt(old.f, old.bucketOff(key))
	if err != nil {
		return false, nil
	}
	_, _, found, err = setFind(old.f, s.e.ChainCap(), head, md5Digest(key))
	if err != nil {
		return false, nil
	}
	return found, nil
}

// Remove deletes key. Absent keys are a no-op (idempotent).
func (s *SetStore) Remove(key string) error {
	digest := md5Digest(key)
	bOff := s.bucketOff(key)
	err := s.e.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		_, rec, found, err := setFind(f, s.e.ChainCap(), head, digest)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if err := setSplice(f, bOff, rec.prev, rec.next); err != nil {
			return err
		}
		return s.e.DecreaseCount(f, 1)
	})
	if err != nil {
		return err
	}
	s.removeFromOldStore(key)
	return nil
}

func (s *SetStore) removeFromOldStore(key string) {
	old, found := openOldStore(s.e)
	if !found {
		return
	}
	defer old.Close()

	digest := md5Digest(key)
	err := old.withWriteLock(func(f fs.File) error {
		bOff := old.bucketOff(key)
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		_, rec, found, err := setFind(f, s.e.ChainCap(), head, digest)
		if err != nil || !found {
			return err
		}
		return setSplice(f, bOff, rec.prev, rec.next)
	})
	if err != nil {
		s.e.log.Warnw("remove: old store cooperation failed", "key", key, "err", err)
	}
}

// WalkBucket implements BucketWalker, including recovery when a concurrent
// writer relinks the chain out from under the walk. Entry.Key carries the
// raw 16-byte MD5 digest (the store never learns the original key string
// back).
func (s *SetStore) WalkBucket(f fs.File, bucket uint32, headOffset uint32, yield func(Entry) bool) error {
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
		rec, err := readSetRecord(f, offset)
		if err != nil {
			if prevOffset == 0 {
				return fmt.Errorf("%w: %v", ErrFormat, err)
			}
			newNext, nerr := getUnpackInt(f, prevOffset+setOffNext)
			if nerr != nil || int64(newNext) == offset {
				return fmt.Errorf("%w: %v", ErrFormat, err)
			}
			offset = int64(newNext)
			continue
		}
		if !yield(Entry{Bucket: bucket, Key: string(rec.digest[:])}) {
			return nil
		}
		prevOffset = offset
		offset = int64(rec.next)
	}
	return nil
}

// WriteOptimize inserts entry's digest into newEngine's set store unless
// already present.
func (s *SetStore) WriteOptimize(newEngine *Engine, entry Entry) (bool, error) {
	var digest [16]byte
	copy(digest[:], entry.Key)
	bOff := bucketOffset(newEngine.PrefixLen(), entry.Bucket)
	inserted := false
	err := newEngine.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		_, _, found, err := setFind(f, newEngine.ChainCap(), head, digest)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		rec := setRecord{prev: 0, next: head, digest: digest}
		newOff, err := appendRecord(f, encodeSetRecord(rec))
		if err != nil {
			return err
		}
		if err := putUnpackInt(f, bOff, uint32(newOff)); err != nil {
			return err
		}
		if head != 0 {
			if err := writeAt(f, int64(head)+setOffPrev, uint32Bytes(uint32(newOff))); err != nil {
				return err
			}
		}
		inserted = true
		return newEngine.IncreaseCount(f, 1)
	})
	return inserted, err
}
