package collisioncache

import (
	"sync/atomic"
	"unsafe"
)

// bucketSlots is a fixed-length array of slot references: the unit of
// eviction. Its identity is stable for the cache's lifetime and the
// parallel lock at the same index serves as its synchronization token for
// the decay/swap and remove paths.
type bucketSlots struct {
	slots []unsafe.Pointer // length B; nil or a boxed *entry[K,V] / *V
}

func newBucketSlots(width int) *bucketSlots {
	return &bucketSlots{slots: make([]unsafe.Pointer, width)}
}

// peekBucket returns the bucket at index without allocating one: nil if
// lazyInitBuckets is set and the bucket has never been touched. Used by
// read-only paths (getIfPresent, a plain remove) that must not pay for an
// allocation just to discover "nothing here" (spec.md seed test S6).
func (c *Cache[K, V]) peekBucket(index int) *bucketSlots {
	p := atomic.LoadPointer(&c.tops[index])
	if p == nil {
		return nil
	}
	return (*bucketSlots)(p)
}

// resolveBucket returns the bucket at index, allocating and CAS-publishing
// it on first access if lazyInitBuckets is set. Losers of the publish race
// adopt the winner's array, matching the lazy bucket contract in
// spec.md §4.2.
func (c *Cache[K, V]) resolveBucket(index int) *bucketSlots {
	if p := atomic.LoadPointer(&c.tops[index]); p != nil {
		return (*bucketSlots)(p)
	}
	fresh := unsafe.Pointer(newBucketSlots(int(c.bucketWidth)))
	if atomic.CompareAndSwapPointer(&c.tops[index], nil, fresh) {
		return (*bucketSlots)(fresh)
	}
	return (*bucketSlots)(atomic.LoadPointer(&c.tops[index]))
}
