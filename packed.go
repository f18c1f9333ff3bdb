package collisioncache

import (
	"sync/atomic"
	"unsafe"
)

// installPacked implements the Packed miss path (spec.md §4.6): any null
// slot is taken via CAS with no capacity check; a full bucket always
// triggers a swap. lockHeld is true when the caller (Get's loader-under-lock
// path) already holds the bucket's lock. fullScan selects which swap: the
// full-scan decayAndSwap for the plain get entry point, or the min-tracking
// checkDecayAndProbSwap for every other ("probabilistic") entry point used
// after a CAS race (spec.md §4.6: "full-scan decay-and-swap for get,
// min-tracking for the 'probabilistic' entry points").
func (c *Cache[K, V]) installPacked(key K, index int, b *bucketSlots, offset int, slot unsafe.Pointer, lockHeld, fullScan bool) V {
	width := int(c.bucketWidth)
	for i := 0; i < width; i++ {
		for {
			cur := atomic.LoadPointer(&b.slots[i])
			if cur != nil {
				if c.ops.matchKey(cur, key) {
					return c.ops.slotValue(cur) // lost the race to an identical key
				}
				break
			}
			if atomic.CompareAndSwapPointer(&b.slots[i], nil, slot) {
				c.counters.initialize(offset + i)
				return c.ops.slotValue(slot)
			}
			// lost the CAS: reload and re-check this same slot
		}
	}

	swap := c.checkDecayAndProbSwap
	if fullScan {
		swap = c.decayAndSwap
	}
	if lockHeld {
		swap(b, offset, slot)
	} else {
		c.locks[index].Lock()
		swap(b, offset, slot)
		c.locks[index].Unlock()
	}
	return c.ops.slotValue(slot)
}
