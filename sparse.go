package collisioncache

import (
	"sync/atomic"
	"unsafe"
)

// installSparse implements the Sparse miss path (spec.md §4.5). lockHeld
// is true when the caller (Get's loader-under-lock path) already holds
// the bucket's lock, so the capacity-pressure and full-bucket branches
// below must not re-acquire it.
func (c *Cache[K, V]) installSparse(key K, index int, b *bucketSlots, offset int, slot unsafe.Pointer, lockHeld bool) (V, bool) {
	width := int(c.bucketWidth)

	runLocked := func(fn func()) {
		if lockHeld {
			fn()
			return
		}
		c.locks[index].Lock()
		fn()
		c.locks[index].Unlock()
	}

	for i := 0; i < width; i++ {
		cur := atomic.LoadPointer(&b.slots[i])
		if cur != nil {
			if c.ops.matchKey(cur, key) {
				return c.ops.slotValue(cur), true
			}
			continue
		}

		if i == 0 {
			// The very first slot in this bucket is empty: the bucket is
			// empty. Strict mode refuses to grow further.
			if c.strict && atomic.LoadInt64(&c.size) > c.capacity {
				return c.ops.slotValue(slot), false
			}
			if atomic.CompareAndSwapPointer(&b.slots[i], nil, slot) {
				c.counters.initialize(offset + i)
				atomic.AddInt64(&c.size, 1)
				return c.ops.slotValue(slot), true
			}
			i--
			continue
		}

		// A later slot is empty but earlier ones are occupied. Over budget,
		// don't grow the bucket population further — swap in place instead.
		if atomic.LoadInt64(&c.size) > c.capacity {
			runLocked(func() { c.checkDecayAndProbSwap(b, offset, slot) })
			return c.ops.slotValue(slot), true
		}
		if atomic.CompareAndSwapPointer(&b.slots[i], nil, slot) {
			c.counters.initialize(offset + i)
			atomic.AddInt64(&c.size, 1)
			return c.ops.slotValue(slot), true
		}
		i--
	}

	// Bucket genuinely full: min-tracking probabilistic swap, no size growth
	// (one occupant evicted, one installed — net zero).
	runLocked(func() { c.checkDecayAndProbSwap(b, offset, slot) })
	return c.ops.slotValue(slot), true
}
