package store

import (
	"fmt"
	"sync"

	"github.com/gofcache/fcache/internal/codec"
	"github.com/gofcache/fcache/internal/fs"
)

// ListStore is the list flavor driver: an ordered, per-key chain of
// values. Positional operations (alter, remove, keep, *Index) read the
// whole per-key value list into memory via listCollectValues and do their
// index arithmetic there before writing back, rather than chasing pointers
// one at a time.
//
// A ListStore also carries the pending-value buffer behind AddValue/
// SetValue/ClearValue: push/insert/append/prepend/appendByIndex/
// prependByIndex consume and clear it on call.
type ListStore struct {
	e   *Engine
	ser codec.Serializer

	mu         sync.Mutex
	pending    [][]byte
	pendingErr error

	// backfillSeen tracks, for one Optimize backfill pass using this
	// instance as the walker, which keys this same pass has already
	// started writing into the new store. A second WriteOptimize call for
	// a key already in backfillSeen keeps appending values; one for a key
	// already present but NOT in backfillSeen belongs to a concurrent
	// writer and must be left alone.
	backfillSeen map[string]struct{}
}

func NewListStore(e *Engine, ser codec.Serializer) *ListStore {
	if ser == nil {
		ser = codec.Default
	}
	return &ListStore{e: e, ser: ser}
}

func (l *ListStore) bucketOff(key string) int64 {
	return bucketOffset(l.e.PrefixLen(), codec.Bucket(key, BucketCount))
}

// AddValue appends one value to the pending buffer consumed by the next
// push/insert/append/prepend/appendByIndex/prependByIndex call.
func (l *ListStore) AddValue(value any) *ListStore {
	payload, err := l.ser.Serialize(value)
	l.mu.Lock()
	if err != nil {
		l.pendingErr = fmt.Errorf("%w: serialize: %v", ErrArg, err)
	} else {
		l.pending = append(l.pending, payload)
	}
	l.mu.Unlock()
	return l
}

// SetValue replaces the pending buffer with values.
func (l *ListStore) SetValue(values []any) *ListStore {
	l.ClearValue()
	for _, v := range values {
		l.AddValue(v)
	}
	return l
}

// ClearValue empties the pending buffer without writing anything.
func (l *ListStore) ClearValue() *ListStore {
	l.mu.Lock()
	l.pending = nil
	l.pendingErr = nil
	l.mu.Unlock()
	return l
}

func (l *ListStore) takePending() ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	vals, err := l.pending, l.pendingErr
	l.pending, l.pendingErr = nil, nil
	return vals, err
}

// valueItem is either an existing value record (identified by its file
// offset) or a brand new value awaiting its first write.
type valueItem struct {
	offset int64
	value  []byte
}

func nodesToItems(nodes []listValueNode) []valueItem {
	out := make([]valueItem, len(nodes))
	for i, n := range nodes {
		out[i] = valueItem{offset: n.offset}
	}
	return out
}

// normalizeIndex resolves a possibly-negative index against a slice of
// length n, returning ok=false if it is out of range.
func normalizeIndex(idx, n int) (int, bool) {
	if idx < 0 {
		idx = n + idx
	}
	if idx < 0 || idx >= n {
		return 0, false
	}
	return idx, true
}

// resolveRange computes the half-open [lo, hi) slice bound over n items
// given a zero-based start (negative counts from the end) and an optional
// length (hasLength=false means "to the end").
func resolveRange(n, start, length int, hasLength bool) (lo, hi int) {
	if start < 0 {
		start = n + start
	}
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	if !hasLength {
		return start, n
	}
	hi = start + length
	if hi > n {
		hi = n
	}
	if hi < start {
		hi = start
	}
	return start, hi
}

// commitValueChain rewrites the full prev/next chain to match items, in
// order, appending new records for items whose offset is unset, and
// updates the key header's valueHead if it changed. Dropped nodes (not
// present in items) are simply left unlinked; compaction reclaims them.
func (l *ListStore) commitValueChain(f fs.File, koff int64, khdr *listKeyHeader, items []valueItem) error {
	offsets := make([]int64, len(items))
	for i, it := range items {
		if it.offset != 0 {
			offsets[i] = it.offset
			continue
		}
		rec := listValueRecord{vLen: uint32(len(it.value)), crc: codec.CRC32(it.value)}
		buf := make([]byte, listValHeaderLen+len(it.value))
		encodeListValueRecordInto(buf, rec)
		copy(buf[listValHeaderLen:], it.value)
		off, err := appendRecord(f, buf)
		if err != nil {
			return err
		}
		offsets[i] = off
	}

	for i, off := range offsets {
		var prev, next uint32
		if i > 0 {
			prev = uint32(offsets[i-1])
		}
		if i < len(offsets)-1 {
			next = uint32(offsets[i+1])
		}
		if err := writeAt(f, off+listValOffPrev, uint32Bytes(prev)); err != nil {
			return err
		}
		if err := writeAt(f, off+listValOffNext, uint32Bytes(next)); err != nil {
			return err
		}
	}

	var newHead uint32
	if len(offsets) > 0 {
		newHead = uint32(offsets[0])
	}
	if khdr.valueHead != newHead {
		khdr.valueHead = newHead
		if err := writeListKeyHeader(f, koff, *khdr); err != nil {
			return err
		}
	}
	return nil
}

// ensureKeyHeader finds key's key-header or creates one at the head of its
// bucket chain with an empty value list.
func (l *ListStore) ensureKeyHeader(f fs.File, bOff int64, head uint32, key string) (offset int64, hdr listKeyHeader, created bool, err error) {
	offset, hdr, found, err := listKeyFind(f, l.e.ChainCap(), head, key)
	if err != nil {
		return 0, listKeyHeader{}, false, err
	}
	if found {
		return offset, hdr, false, nil
	}
	newHdr := listKeyHeader{kLen: uint16(len(key)), prev: 0, next: head, valueHead: 0}
	buf := make([]byte, listKeyHeaderLen+len(key))
	encodeListKeyHeaderInto(buf, newHdr)
	copy(buf[listKeyHeaderLen:], key)
	newOff, err := appendRecord(f, buf)
	if err != nil {
		return 0, listKeyHeader{}, false, err
	}
	if err := putUnpackInt(f, bOff, uint32(newOff)); err != nil {
		return 0, listKeyHeader{}, false, err
	}
	if head != 0 {
		if err := writeAt(f, int64(head)+listKeyOffPrev, uint32Bytes(uint32(newOff))); err != nil {
			return 0, listKeyHeader{}, false, err
		}
	}
	return newOff, newHdr, true, nil
}

// flush is the shared body of Push/Insert/AppendByIndex/PrependByIndex: it
// takes the pending buffer, finds-or-creates key's key-header, collects its
// current value list, hands both to build, and commits the result.
func (l *ListStore) flush(key string, build func(nodes []listValueNode, values [][]byte) []valueItem) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrArg)
	}
	values, err := l.takePending()
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return fmt.Errorf("%w: no pending values", ErrArg)
	}
	bOff := l.bucketOff(key)
	return l.e.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		koff, khdr, created, err := l.ensureKeyHeader(f, bOff, head, key)
		if err != nil {
			return err
		}
		nodes, err := listCollectValues(f, l.e.ChainCap(), khdr.valueHead)
		if err != nil {
			return err
		}
		items := build(nodes, values)
		if err := l.commitValueChain(f, koff, &khdr, items); err != nil {
			return err
		}
		if created {
			return l.e.IncreaseCount(f, 1)
		}
		return nil
	})
}

// Push appends the pending values to the tail of key's list, creating key
// if absent.
func (l *ListStore) Push(key string) error {
	return l.flush(key, func(nodes []listValueNode, values [][]byte) []valueItem {
		items := nodesToItems(nodes)
		for _, v := range values {
			items = append(items, valueItem{value: v})
		}
		return items
	})
}

// Insert prepends the pending values to the head of key's list, creating
// key if absent.
func (l *ListStore) Insert(key string) error {
	return l.flush(key, func(nodes []listValueNode, values [][]byte) []valueItem {
		items := make([]valueItem, 0, len(values)+len(nodes))
		for _, v := range values {
			items = append(items, valueItem{value: v})
		}
		return append(items, nodesToItems(nodes)...)
	})
}

// AppendByIndex inserts the pending values immediately after position idx
// (0-based, negative counts from the end). An out-of-range idx, or an
// absent/empty key, falls back to Push's tail-append, creating the key if
// needed.
func (l *ListStore) AppendByIndex(key string, idx int) error {
	return l.flush(key, func(nodes []listValueNode, values [][]byte) []valueItem {
		pos := len(nodes)
		if n := len(nodes); n > 0 {
			if p, ok := normalizeIndex(idx, n); ok {
				pos = p + 1
			}
		}
		return spliceAt(nodes, pos, values)
	})
}

// PrependByIndex inserts the pending values immediately before position
// idx. An out-of-range idx, or an absent/empty key, falls back to Insert's
// head-prepend, creating the key if needed.
func (l *ListStore) PrependByIndex(key string, idx int) error {
	return l.flush(key, func(nodes []listValueNode, values [][]byte) []valueItem {
		pos := 0
		if n := len(nodes); n > 0 {
			if p, ok := normalizeIndex(idx, n); ok {
				pos = p
			}
		}
		return spliceAt(nodes, pos, values)
	})
}

func spliceAt(nodes []listValueNode, pos int, values [][]byte) []valueItem {
	items := nodesToItems(nodes)
	out := make([]valueItem, 0, len(items)+len(values))
	out = append(out, items[:pos]...)
	for _, v := range values {
		out = append(out, valueItem{value: v})
	}
	return append(out, items[pos:]...)
}

// Append inserts the pending values immediately after the first value
// equal to pivot. Fails with ErrNotFound if key or a matching value is
// absent.
func (l *ListStore) Append(key string, pivot any) error {
	return l.insertAtPivot(key, pivot, 1)
}

// Prepend inserts the pending values immediately before the first value
// equal to pivot. Fails with ErrNotFound if key or a matching value is
// absent.
func (l *ListStore) Prepend(key string, pivot any) error {
	return l.insertAtPivot(key, pivot, 0)
}

func (l *ListStore) insertAtPivot(key string, pivot any, posOffset int) error {
	values, err := l.takePending()
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return fmt.Errorf("%w: no pending values", ErrArg)
	}
	payload, err := l.ser.Serialize(pivot)
	if err != nil {
		return fmt.Errorf("%w: serialize pivot: %v", ErrArg, err)
	}
	pivotCRC := codec.CRC32(payload)
	bOff := l.bucketOff(key)

	return l.e.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		koff, khdr, found, err := listKeyFind(f, l.e.ChainCap(), head, key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: key %q", ErrNotFound, key)
		}
		nodes, err := listCollectValues(f, l.e.ChainCap(), khdr.valueHead)
		if err != nil {
			return err
		}
		idx := -1
		for i, n := range nodes {
			if n.rec.crc == pivotCRC {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: pivot value", ErrNotFound)
		}
		items := spliceAt(nodes, idx+posOffset, values)
		return l.commitValueChain(f, koff, &khdr, items)
	})
}

// Alter replaces the value at position idx, in place if it fits the
// existing slot or by grow-and-relink otherwise. Fails with ErrArg if idx
// is out of range.
func (l *ListStore) Alter(key string, idx int, value any) error {
	payload, err := l.ser.Serialize(value)
	if err != nil {
		return fmt.Errorf("%w: serialize: %v", ErrArg, err)
	}
	bOff := l.bucketOff(key)
	return l.e.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		koff, khdr, found, err := listKeyFind(f, l.e.ChainCap(), head, key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: key %q", ErrNotFound, key)
		}
		nodes, err := listCollectValues(f, l.e.ChainCap(), khdr.valueHead)
		if err != nil {
			return err
		}
		pos, ok := normalizeIndex(idx, len(nodes))
		if !ok {
			return fmt.Errorf("%w: index %d out of range", ErrArg, idx)
		}
		node := nodes[pos]

		if uint32(len(payload)) <= node.rec.vLen {
			newRec := node.rec
			newRec.vLen = uint32(len(payload))
			newRec.crc = codec.CRC32(payload)
			if err := writeListValueRecordHeader(f, node.offset, newRec); err != nil {
				return err
			}
			return writeAt(f, node.offset+listValHeaderLen, payload)
		}

		newRec := listValueRecord{vLen: uint32(len(payload)), prev: node.rec.prev, next: node.rec.next, crc: codec.CRC32(payload)}
		buf := make([]byte, listValHeaderLen+len(payload))
		encodeListValueRecordInto(buf, newRec)
		copy(buf[listValHeaderLen:], payload)
		newOff, err := appendRecord(f, buf)
		if err != nil {
			return err
		}
		if node.rec.prev != 0 {
			if err := writeAt(f, int64(node.rec.prev)+listValOffNext, uint32Bytes(uint32(newOff))); err != nil {
				return err
			}
		} else if khdr.valueHead == uint32(node.offset) {
			khdr.valueHead = uint32(newOff)
			if err := writeListKeyHeader(f, koff, khdr); err != nil {
				return err
			}
		}
		if node.rec.next != 0 {
			if err := writeAt(f, int64(node.rec.next)+listValOffPrev, uint32Bytes(uint32(newOff))); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *ListStore) popEnd(key string, tail bool) ([]byte, bool, error) {
	var result []byte
	var found2 bool
	bOff := l.bucketOff(key)
	err := l.e.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		koff, khdr, found, err := listKeyFind(f, l.e.ChainCap(), head, key)
		if err != nil {
			return err
		}
		if !found || khdr.valueHead == 0 {
			return nil
		}
		nodes, err := listCollectValues(f, l.e.ChainCap(), khdr.valueHead)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			return nil
		}
		var node listValueNode
		if tail {
			node = nodes[len(nodes)-1]
		} else {
			node = nodes[0]
		}
		val, err := readListValue(f, node.offset, node.rec.vLen)
		if err != nil {
			return err
		}
		if err := listValueSplice(f, &khdr, node.rec.prev, node.rec.next); err != nil {
			return err
		}
		if err := writeListKeyHeader(f, koff, khdr); err != nil {
			return err
		}
		result, found2 = val, true
		return nil
	})
	return result, found2, err
}

// Pop removes and returns the last value of key's list.
func (l *ListStore) Pop(key string) ([]byte, bool, error) { return l.popEnd(key, true) }

// Shift removes and returns the first value of key's list.
func (l *ListStore) Shift(key string) ([]byte, bool, error) { return l.popEnd(key, false) }

// Remove drops values in [start, start+length) (or [start, end) if
// hasLength is false) from key's list.
func (l *ListStore) Remove(key string, start, length int, hasLength bool) error {
	return l.sliceOp(key, start, length, hasLength, true)
}

// Keep retains only values in [start, start+length) (or [start, end) if
// hasLength is false) from key's list, dropping the rest.
func (l *ListStore) Keep(key string, start, length int, hasLength bool) error {
	return l.sliceOp(key, start, length, hasLength, false)
}

func (l *ListStore) sliceOp(key string, start, length int, hasLength, remove bool) error {
	bOff := l.bucketOff(key)
	return l.e.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		koff, khdr, found, err := listKeyFind(f, l.e.ChainCap(), head, key)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		nodes, err := listCollectValues(f, l.e.ChainCap(), khdr.valueHead)
		if err != nil {
			return err
		}
		lo, hi := resolveRange(len(nodes), start, length, hasLength)
		items := make([]valueItem, 0, len(nodes))
		for i, n := range nodes {
			inRange := i >= lo && i < hi
			if remove == inRange {
				continue
			}
			items = append(items, valueItem{offset: n.offset})
		}
		return l.commitValueChain(f, koff, &khdr, items)
	})
}

// RemoveIndex drops the values at the given (possibly negative) indices.
func (l *ListStore) RemoveIndex(key string, idxs []int) error {
	return l.indexSetOp(key, idxs, true)
}

// KeepIndex retains only the values at the given (possibly negative)
// indices, dropping the rest.
func (l *ListStore) KeepIndex(key string, idxs []int) error {
	return l.indexSetOp(key, idxs, false)
}

func (l *ListStore) indexSetOp(key string, idxs []int, remove bool) error {
	bOff := l.bucketOff(key)
	return l.e.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		koff, khdr, found, err := listKeyFind(f, l.e.ChainCap(), head, key)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		nodes, err := listCollectValues(f, l.e.ChainCap(), khdr.valueHead)
		if err != nil {
			return err
		}
		selected := make(map[int]bool, len(idxs))
		for _, idx := range idxs {
			if p, ok := normalizeIndex(idx, len(nodes)); ok {
				selected[p] = true
			}
		}
		items := make([]valueItem, 0, len(nodes))
		for i, n := range nodes {
			if selected[i] == remove {
				continue
			}
			items = append(items, valueItem{offset: n.offset})
		}
		return l.commitValueChain(f, koff, &khdr, items)
	})
}

// Range reads values in [start, start+length) (or [start, end) if
// hasLength is false) without modifying the list.
func (l *ListStore) Range(key string, start, length int, hasLength bool) ([][]byte, error) {
	f, err := l.e.Handle()
	if err != nil {
		return nil, err
	}
	head, err := getUnpackInt(f, l.bucketOff(key))
	if err != nil {
		return nil, err
	}
	_, khdr, found, err := l.findOrMigrateListKey(f, head, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	nodes, err := listCollectValues(f, l.e.ChainCap(), khdr.valueHead)
	if err != nil {
		return nil, err
	}
	lo, hi := resolveRange(len(nodes), start, length, hasLength)
	out := make([][]byte, 0, hi-lo)
	for i := lo; i < hi; i++ {
		val, err := readListValue(f, nodes[i].offset, nodes[i].rec.vLen)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}

// Len reports the number of values stored under key (0 if absent).
func (l *ListStore) Len(key string) (int, error) {
	f, err := l.e.Handle()
	if err != nil {
		return 0, err
	}
	head, err := getUnpackInt(f, l.bucketOff(key))
	if err != nil {
		return 0, err
	}
	_, khdr, found, err := l.findOrMigrateListKey(f, head, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	nodes, err := listCollectValues(f, l.e.ChainCap(), khdr.valueHead)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

// Search returns the position of the first value equal to value.
func (l *ListStore) Search(key string, value any) (int, bool, error) {
	payload, err := l.ser.Serialize(value)
	if err != nil {
		return 0, false, fmt.Errorf("%w: serialize: %v", ErrArg, err)
	}
	crc := codec.CRC32(payload)
	f, err := l.e.Handle()
	if err != nil {
		return 0, false, err
	}
	head, err := getUnpackInt(f, l.bucketOff(key))
	if err != nil {
		return 0, false, err
	}
	_, khdr, found, err := l.findOrMigrateListKey(f, head, key)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	nodes, err := listCollectValues(f, l.e.ChainCap(), khdr.valueHead)
	if err != nil {
		return 0, false, err
	}
	for i, n := range nodes {
		if n.rec.crc == crc {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// Exist reports whether key has a list at all (even an empty one).
func (l *ListStore) Exist(key string) (bool, error) {
	f, err := l.e.Handle()
	if err != nil {
		return false, err
	}
	head, err := getUnpackInt(f, l.bucketOff(key))
	if err != nil {
		return false, err
	}
	_, _, found, err := l.findOrMigrateListKey(f, head, key)
	return found, err
}

// Drop deletes key and its entire value list. Absent keys are a no-op.
func (l *ListStore) Drop(key string) error {
	bOff := l.bucketOff(key)
	err := l.e.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		koff, khdr, found, err := listKeyFind(f, l.e.ChainCap(), head, key)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if err := markListKeyDead(f, koff); err != nil {
			return err
		}
		if err := listKeySplice(f, bOff, khdr.prev, khdr.next); err != nil {
			return err
		}
		return l.e.DecreaseCount(f, 1)
	})
	if err != nil {
		return err
	}
	// Mirror onto the old store too, so a key not yet backfilled by an
	// in-flight compaction doesn't reappear when the backfill reaches it.
	l.dropFromOldStore(key)
	return nil
}

func (l *ListStore) dropFromOldStore(key string) {
	old, found := openOldStore(l.e)
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
		koff, khdr, found, err := listKeyFind(f, l.e.ChainCap(), head, key)
		if err != nil || !found {
			return err
		}
		if err := markListKeyDead(f, koff); err != nil {
			return err
		}
		return listKeySplice(f, bOff, khdr.prev, khdr.next)
	})
	if err != nil {
		l.e.log.Warnw("drop: old store cooperation failed", "key", key, "err", err)
	}
}

// migrateListKeyFromOldStore copies key's entire value list from an
// in-flight compaction's old store into the new store, under the new
// store's write lock. This read-triggered migration accelerates
// convergence: once any reader touches a key, it lives in the new store
// for good. Returns
// migrated=true if key is present in the new store by the time this
// returns, whether because this call copied it in or a concurrent
// writer/migration already had.
func (l *ListStore) migrateListKeyFromOldStore(key string) (migrated bool, err error) {
	old, found := openOldStore(l.e)
	if !found {
		return false, nil
	}
	defer old.Close()

	// A concurrent Clear has logically emptied the store; migrating out of
	// it would resurrect the cleared data.
	if ohdr, herr := readGlobalHeader(old.f, old.prefixLen); herr != nil || ohdr.status == statusClearing {
		return false, nil
	}

	oldHead, err := getUnpackInt(old.f, old.bucketOff(key))
	if err != nil {
		return false, nil
	}
	_, okhdr, oldFound, err := listKeyFind(old.f, l.e.ChainCap(), oldHead, key)
	if err != nil || !oldFound {
		return false, nil
	}
	oldNodes, err := listCollectValues(old.f, l.e.ChainCap(), okhdr.valueHead)
	if err != nil {
		return false, nil
	}
	values := make([][]byte, 0, len(oldNodes))
	for _, n := range oldNodes {
		v, verr := readListValue(old.f, n.offset, n.rec.vLen)
		if verr != nil || codec.CRC32(v) != n.rec.crc {
			continue
		}
		values = append(values, v)
	}

	bOff := l.bucketOff(key)
	err = l.e.WithWriteLock(func(f fs.File) error {
		// Recheck under the lock: a Clear that landed after the values were
		// collected above has marked the old store, and committing the copy
		// now would resurrect data the clear already threw away.
		if ohdr, herr := readGlobalHeader(old.f, old.prefixLen); herr != nil || ohdr.status == statusClearing {
			return nil
		}
		head, ferr := getUnpackInt(f, bOff)
		if ferr != nil {
			return ferr
		}
		_, _, alreadyThere, ferr := listKeyFind(f, l.e.ChainCap(), head, key)
		if ferr != nil {
			return ferr
		}
		if alreadyThere {
			migrated = true
			return nil
		}
		koff, khdr, _, ferr := l.ensureKeyHeader(f, bOff, head, key)
		if ferr != nil {
			return ferr
		}
		items := make([]valueItem, len(values))
		for i, v := range values {
			items[i] = valueItem{value: v}
		}
		if ferr := l.commitValueChain(f, koff, &khdr, items); ferr != nil {
			return ferr
		}
		migrated = true
		return l.e.IncreaseCount(f, 1)
	})
	return migrated, err
}

// findOrMigrateListKey resolves key's key-header, triggering read-side
// migration from an in-flight compaction's old store when it misses
// locally. head is the new store's current bucket head for key; callers
// that already hold it on entry still get a correct result after a
// migration, since this re-reads the bucket head once migration commits.
func (l *ListStore) findOrMigrateListKey(f fs.File, head uint32, key string) (offset int64, hdr listKeyHeader, found bool, err error) {
	offset, hdr, found, err = listKeyFind(f, l.e.ChainCap(), head, key)
	if err != nil || found {
		return offset, hdr, found, err
	}
	migrated, merr := l.migrateListKeyFromOldStore(key)
	if merr != nil {
		l.e.log.Warnw("list: migrate from old store failed", "key", key, "err", merr)
	}
	if !migrated {
		return 0, listKeyHeader{}, false, nil
	}
	newHead, err := getUnpackInt(f, l.bucketOff(key))
	if err != nil {
		return 0, listKeyHeader{}, false, err
	}
	return listKeyFind(f, l.e.ChainCap(), newHead, key)
}

func (l *ListStore) appendValueAtTail(f fs.File, tailOffset int64, value []byte) (int64, error) {
	rec := listValueRecord{vLen: uint32(len(value)), prev: uint32(tailOffset), next: 0, crc: codec.CRC32(value)}
	buf := make([]byte, listValHeaderLen+len(value))
	encodeListValueRecordInto(buf, rec)
	copy(buf[listValHeaderLen:], value)
	newOff, err := appendRecord(f, buf)
	if err != nil {
		return 0, err
	}
	if tailOffset != 0 {
		if err := writeAt(f, tailOffset+listValOffNext, uint32Bytes(uint32(newOff))); err != nil {
			return 0, err
		}
	}
	return newOff, nil
}

// WalkBucket implements BucketWalker, yielding one Entry per live value
// across every key in the bucket (Entry.Key repeats for multi-value
// keys). Like the other flavors' walkers it recovers from a concurrent
// relink of the key-header chain mid-walk.
func (l *ListStore) WalkBucket(f fs.File, bucket uint32, headOffset uint32, yield func(Entry) bool) error {
	cw := newChainWalker(l.e.ChainCap())
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
		khdr, err := readListKeyHeader(f, offset)
		if err != nil {
			if prevOffset == 0 {
				return fmt.Errorf("%w: %v", ErrFormat, err)
			}
			newNext, nerr := getUnpackInt(f, prevOffset+listKeyOffNext)
			if nerr != nil || int64(newNext) == offset {
				return fmt.Errorf("%w: %v", ErrFormat, err)
			}
			offset = int64(newNext)
			continue
		}
		next := int64(khdr.next)
		if khdr.kLen != 0 {
			key, kerr := readListKey(f, offset, khdr.kLen)
			if kerr == nil {
				nodes, nerr := listCollectValues(f, l.e.ChainCap(), khdr.valueHead)
				if nerr == nil {
					for _, n := range nodes {
						val, verr := readListValue(f, n.offset, n.rec.vLen)
						if verr != nil || codec.CRC32(val) != n.rec.crc {
							continue
						}
						if !yield(Entry{Bucket: bucket, Key: key, Value: val}) {
							return nil
						}
					}
				}
			}
		}
		prevOffset = offset
		offset = next
	}
	return nil
}

// WriteOptimize appends entry.Value to the tail of entry.Key's list in
// newEngine, unless that key was already present before this backfill
// pass started touching it (skip-if-present applies per key, not per
// value: backfillSeen distinguishes "a concurrent writer
// already owns this key" from "this pass already inserted an earlier
// value of the same key").
func (l *ListStore) WriteOptimize(newEngine *Engine, entry Entry) (bool, error) {
	if l.backfillSeen == nil {
		l.backfillSeen = make(map[string]struct{})
	}
	newList := NewListStore(newEngine, l.ser)
	bOff := bucketOffset(newEngine.PrefixLen(), entry.Bucket)
	inserted := false
	err := newEngine.WithWriteLock(func(f fs.File) error {
		head, err := getUnpackInt(f, bOff)
		if err != nil {
			return err
		}
		_, _, found, err := listKeyFind(f, newEngine.ChainCap(), head, entry.Key)
		if err != nil {
			return err
		}
		_, seenByUs := l.backfillSeen[entry.Key]
		if found && !seenByUs {
			return nil
		}
		koff, khdr, created, err := newList.ensureKeyHeader(f, bOff, head, entry.Key)
		if err != nil {
			return err
		}
		nodes, err := listCollectValues(f, newEngine.ChainCap(), khdr.valueHead)
		if err != nil {
			return err
		}
		var tailOffset int64
		if len(nodes) > 0 {
			tailOffset = nodes[len(nodes)-1].offset
		}
		off, err := newList.appendValueAtTail(f, tailOffset, entry.Value)
		if err != nil {
			return err
		}
		if khdr.valueHead == 0 {
			khdr.valueHead = uint32(off)
			if err := writeListKeyHeader(f, koff, khdr); err != nil {
				return err
			}
		}
		l.backfillSeen[entry.Key] = struct{}{}
		if created {
			inserted = true
			return newEngine.IncreaseCount(f, 1)
		}
		return nil
	})
	return inserted, err
}
