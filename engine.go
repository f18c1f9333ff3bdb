package collisioncache

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// shape selects the capacity policy: Packed (no size tracking, any full
// bucket always swaps) or Sparse (tracked size against a capacity budget,
// optional strict refusal). Per the Design Notes §9 polymorphism mapping,
// this one generic Cache type plus the storeKeys flag on shapeOps covers
// all four variants (Packed/Sparse × WithKey/WithoutKey) as a sum type,
// rather than four separate concrete types.
type shape uint8

const (
	shapePacked shape = iota
	shapeSparse
)

// Cache is a concurrent, bounded, in-memory associative cache. Construct
// one with WithCapacity and a Builder; do not build a zero Cache directly.
type Cache[K comparable, V any] struct {
	shape shape

	tops  []unsafe.Pointer // len numBuckets; *bucketSlots or nil while lazy
	locks []sync.Mutex     // len numBuckets; per-bucket monitor substitute

	counters    *atomicLogCounters
	mask        uint64
	bucketWidth uint32

	hashKey func(K) uint64
	ops     *shapeOps[K, V]

	lazy bool

	loader func(K) (V, error)
	mapper func(K, V) (V, error)

	// Sparse-only; harmlessly unused (capacity==0, strict==false) for Packed.
	capacity int64
	strict   bool
	size     int64
}

func (c *Cache[K, V]) bucketIndex(key K) int {
	return int(c.hashKey(key) & c.mask)
}

func (c *Cache[K, V]) counterOffset(index int) int {
	return index * int(c.bucketWidth)
}

// scanBucketOnly is the opaque B-wide scan shared by every read path
// (spec.md §4.3): stop at the first nil slot, bump the counter on a match.
func (c *Cache[K, V]) scanBucketOnly(b *bucketSlots, offset int, key K) (V, bool) {
	var zero V
	for i := 0; i < int(c.bucketWidth); i++ {
		s := atomic.LoadPointer(&b.slots[i])
		if s == nil {
			return zero, false
		}
		if c.ops.matchKey(s, key) {
			c.counters.increment(offset + i)
			return c.ops.slotValue(s), true
		}
	}
	return zero, false
}

// fastRead is scanBucketOnly without forcing a lazy bucket into existence:
// an untouched lazy bucket is a guaranteed miss and is never allocated just
// to discover that (spec.md seed test S6).
func (c *Cache[K, V]) fastRead(key K) (V, bool) {
	var zero V
	index := c.bucketIndex(key)
	b := c.peekBucket(index)
	if b == nil {
		return zero, false
	}
	return c.scanBucketOnly(b, c.counterOffset(index), key)
}

// decayAndSwap is the full-scan decay-and-swap algorithm (spec.md §4.4).
// Must be called with the bucket's lock held. A never-installed slot has
// counter 0, so this single scan doubles as "find a free slot" and "find
// the weakest occupant": if any counter reads 0, install there and keep
// scanning the rest of the bucket halving their counters; otherwise
// install at the position with the smallest counter seen during the scan.
func (c *Cache[K, V]) decayAndSwap(b *bucketSlots, offset int, slot unsafe.Pointer) {
	width := int(c.bucketWidth)
	installed := false
	minIdx, minVal := 0, ^uint32(0)
	for i := 0; i < width; i++ {
		v := c.counters.get(offset + i)
		if installed {
			if v != 0 {
				c.counters.set(offset+i, v>>1)
			}
			continue
		}
		if v == 0 {
			atomic.StorePointer(&b.slots[i], slot)
			c.counters.initialize(offset + i)
			installed = true
			continue
		}
		if v < minVal {
			minVal, minIdx = v, i
		}
	}
	if !installed {
		atomic.StorePointer(&b.slots[minIdx], slot)
		c.counters.initialize(offset + minIdx)
	}
}

// checkDecayAndProbSwap is the min-tracking probabilistic swap (spec.md
// §4.4). Must be called with the bucket's lock held. It walks the bucket
// once, tracking the minimum counter seen. If it meets a nil slot first
// (the bucket isn't actually full — this path is reached when a caller
// already decided, under capacity pressure, not to grow into that free
// slot), it installs at the best minimum seen so far and hands the
// remaining range to decayAndDrop. Otherwise it installs at the overall
// minimum and halves every other counter.
func (c *Cache[K, V]) checkDecayAndProbSwap(b *bucketSlots, offset int, slot unsafe.Pointer) {
	width := int(c.bucketWidth)
	minIdx, minVal := 0, ^uint32(0)
	for i := 0; i < width; i++ {
		s := atomic.LoadPointer(&b.slots[i])
		if s == nil {
			atomic.StorePointer(&b.slots[minIdx], slot)
			c.counters.initialize(offset + minIdx)
			c.decayAndDrop(b, offset, i, minIdx)
			return
		}
		if v := c.counters.get(offset + i); v < minVal {
			minVal, minIdx = v, i
		}
	}
	atomic.StorePointer(&b.slots[minIdx], slot)
	c.counters.initialize(offset + minIdx)
	if c.shape == shapeSparse && atomic.LoadInt64(&c.size) > c.capacity {
		c.decayAndDrop(b, offset, width, minIdx)
	} else {
		c.counters.decaySkip(offset, offset+width, offset+minIdx)
	}
}

// decayAndDrop halves the counters for local slot indices [0, limit)
// within the bucket at offset, skipping skipIdx (spec.md §4.4). Any
// counter that decays to zero past skipIdx, while the cache is over its
// Sparse capacity, triggers a compaction of that now-worthless slot out of
// the bucket. For Packed it only halves: compaction never triggers (no size
// budget to shrink back toward).
func (c *Cache[K, V]) decayAndDrop(b *bucketSlots, offset, limit, skipIdx int) {
	for i := 0; i < limit; i++ {
		if i == skipIdx {
			continue
		}
		v := c.counters.get(offset + i)
		if v == 0 {
			continue
		}
		v >>= 1
		c.counters.set(offset+i, v)
		if v == 0 && i > skipIdx && c.shape == shapeSparse && atomic.LoadInt64(&c.size) > c.capacity {
			c.compactFrom(b, offset, i)
		}
	}
}

// compactFrom shifts slots after local index at one position left,
// restoring prefix-contiguity after slot at becomes logically vacant.
// Must be called with the bucket's lock held. Each shifted slot carries its
// counter along unchanged, and (Sparse) size is decremented exactly once.
func (c *Cache[K, V]) compactFrom(b *bucketSlots, offset, at int) {
	width := int(c.bucketWidth)
	if at == width-1 {
		atomic.StorePointer(&b.slots[at], nil)
		c.counters.set(offset+at, 0)
	}
	for i := at; i < width-1; i++ {
		next := atomic.LoadPointer(&b.slots[i+1])
		if next == nil {
			atomic.StorePointer(&b.slots[i], nil)
			c.counters.set(offset+i, 0)
			break
		}
		atomic.StorePointer(&b.slots[i], next)
		atomic.StorePointer(&b.slots[i+1], nil)
		c.counters.set(offset+i, c.counters.get(offset+i+1))
		c.counters.set(offset+i+1, 0)
	}
	if c.shape == shapeSparse {
		atomic.AddInt64(&c.size, -1)
	}
}

// remove implements the compacting remove (spec.md §4.4 "Compacting after
// remove"). Reports whether a slot was removed.
func (c *Cache[K, V]) remove(key K) bool {
	index := c.bucketIndex(key)
	b := c.peekBucket(index)
	if b == nil {
		return false
	}
	offset := c.counterOffset(index)
	width := int(c.bucketWidth)

	c.locks[index].Lock()
	defer c.locks[index].Unlock()

	matchAt := -1
	for i := 0; i < width; i++ {
		s := atomic.LoadPointer(&b.slots[i])
		if s == nil {
			break
		}
		if c.ops.matchKey(s, key) {
			matchAt = i
			break
		}
	}
	if matchAt == -1 {
		return false
	}

	if matchAt == width-1 {
		atomic.StorePointer(&b.slots[matchAt], nil)
		c.counters.set(offset+matchAt, 0)
	}
	for i := matchAt; i < width-1; {
		next := atomic.LoadPointer(&b.slots[i+1])
		if next == nil {
			atomic.StorePointer(&b.slots[i], nil)
			c.counters.set(offset+i, 0)
			break
		}
		witness := atomic.LoadPointer(&b.slots[i])
		if !atomic.CompareAndSwapPointer(&b.slots[i], witness, next) {
			continue // slot i changed since it was loaded; retry
		}
		atomic.StorePointer(&b.slots[i+1], nil)
		if v := c.counters.get(offset + i + 1); v != 0 {
			c.counters.set(offset+i, v>>1)
		} else {
			c.counters.set(offset+i, 0)
		}
		c.counters.set(offset+i+1, 0)
		i++
	}
	if c.shape == shapeSparse {
		atomic.AddInt64(&c.size, -1)
	}
	return true
}
