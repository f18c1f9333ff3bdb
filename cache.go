package collisioncache

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/errgroup"
)

// Get returns the value for key, loading it via the Builder-configured
// loader on a miss (holding the bucket lock for the duration of the
// load), or the zero value and nil if no loader was configured and the
// key is absent.
func (c *Cache[K, V]) Get(key K) (V, error) {
	return c.getOrLoad(key, c.loader, c.mapper, true)
}

// GetWithLoader is Get with an explicit loader overriding the
// Builder-configured one for this call only.
func (c *Cache[K, V]) GetWithLoader(key K, loader func(K) (V, error)) (V, error) {
	return c.getOrLoad(key, loader, nil, true)
}

// GetAggressive is Get, except the loader (if any) runs outside any lock:
// under contention multiple callers may load concurrently and race to
// install, with the losers' loaded values discarded.
func (c *Cache[K, V]) GetAggressive(key K) (V, error) {
	return c.getOrLoad(key, c.loader, c.mapper, false)
}

// GetAggressiveWithLoader is GetAggressive with an explicit loader.
func (c *Cache[K, V]) GetAggressiveWithLoader(key K, loader func(K) (V, error)) (V, error) {
	return c.getOrLoad(key, loader, nil, false)
}

// GetAggressiveWithMapper is GetAggressive with an explicit loader and a
// post-load mapper. The mapper must not return a nil value for a non-nil
// loaded value.
func (c *Cache[K, V]) GetAggressiveWithMapper(key K, loader func(K) (V, error), mapper func(K, V) (V, error)) (V, error) {
	return c.getOrLoad(key, loader, mapper, false)
}

// GetIfPresent returns the existing value for key without invoking any
// loader; ok is false on a miss.
func (c *Cache[K, V]) GetIfPresent(key K) (val V, ok bool) {
	return c.fastRead(key)
}

// getOrLoad implements the shared Get/GetAggressive contract (spec.md
// §4.7). When lockOnLoad is true the loader runs under the bucket lock
// (Get); when false it runs outside any lock (GetAggressive) and the
// install races are resolved by the witness-checked CAS paths in
// installPacked/installSparse.
func (c *Cache[K, V]) getOrLoad(key K, loader func(K) (V, error), mapper func(K, V) (V, error), lockOnLoad bool) (V, error) {
	var zero V
	if val, found := c.fastRead(key); found {
		return val, nil
	}
	if loader == nil {
		return zero, nil
	}

	index := c.bucketIndex(key)
	offset := c.counterOffset(index)

	var b *bucketSlots
	if lockOnLoad {
		b = c.resolveBucket(index)
		c.locks[index].Lock()
		defer c.locks[index].Unlock()
		if val, found := c.scanBucketOnly(b, offset, key); found {
			return val, nil
		}
	}

	loaded, err := loader(key)
	if err != nil {
		return zero, err // LoaderPropagation: propagate unchanged
	}
	if isNilValue(loaded) {
		return zero, nil // LoaderReturnedNull: null return, nothing stored
	}
	if mapper != nil {
		mapped, merr := mapper(key, loaded)
		if merr != nil {
			return zero, merr
		}
		if isNilValue(mapped) {
			return zero, fmt.Errorf("%w: mapper returned nil for a non-nil loaded value", ErrInvalidArgument)
		}
		loaded = mapped
	}

	if b == nil {
		b = c.resolveBucket(index)
	}
	slot := c.ops.makeSlot(key, loaded)
	// Get (lockOnLoad) is the one plain-get entry point and uses the
	// full-scan decayAndSwap on a full bucket; GetAggressive's install races
	// in after the loader ran unlocked and takes the min-tracking
	// checkDecayAndProbSwap path, same as every other probabilistic entry
	// point (spec.md §4.6).
	stored, _ := c.installSlot(key, index, b, offset, slot, lockOnLoad, lockOnLoad)
	return stored, nil
}

// installSlot dispatches to the Packed or Sparse miss-install algorithm
// (spec.md §4.5/§4.6) and returns the value that ended up stored (which
// may belong to a key that won a concurrent race) plus whether a new
// physical slot was actually claimed. fullScan selects which Packed
// full-bucket swap runs: true for the plain get entry point's
// decayAndSwap, false for every other ("probabilistic") entry point's
// checkDecayAndProbSwap. Sparse ignores fullScan: it has only the one
// min-tracking swap (spec.md §4.5).
func (c *Cache[K, V]) installSlot(key K, index int, b *bucketSlots, offset int, slot unsafe.Pointer, lockHeld, fullScan bool) (V, bool) {
	if c.shape == shapePacked {
		return c.installPacked(key, index, b, offset, slot, lockHeld, fullScan), true
	}
	return c.installSparse(key, index, b, offset, slot, lockHeld)
}

// PutReplace installs val for key, replacing any existing entry in place
// (CAS-swap on a witness match) or installing fresh on a miss. In Sparse
// strict mode, if the bucket is brand new and the cache is already over
// capacity, val is returned without being stored.
func (c *Cache[K, V]) PutReplace(key K, val V) (V, error) {
	var zero V
	if isNilValue(val) {
		return zero, fmt.Errorf("%w: value must not be nil", ErrInvalidArgument)
	}
	index := c.bucketIndex(key)
	b := c.resolveBucket(index)
	offset := c.counterOffset(index)
	newSlot := c.ops.makeSlot(key, val)
	width := int(c.bucketWidth)

	for i := 0; i < width; i++ {
		cur := atomic.LoadPointer(&b.slots[i])
		if cur == nil {
			break
		}
		if !c.ops.matchKey(cur, key) {
			continue
		}
		for {
			witness := atomic.LoadPointer(&b.slots[i])
			if witness == nil || !c.ops.matchKey(witness, key) {
				break // evicted concurrently: fall through and install as a miss
			}
			if atomic.CompareAndSwapPointer(&b.slots[i], witness, newSlot) {
				return val, nil
			}
		}
		break
	}

	stored, _ := c.installSlot(key, index, b, offset, newSlot, false, false)
	return stored, nil
}

// Replace swaps val into key's existing slot in place and reports true, or
// leaves the cache untouched and reports false if key is absent.
func (c *Cache[K, V]) Replace(key K, val V) (stored V, ok bool, err error) {
	var zero V
	if isNilValue(val) {
		return zero, false, fmt.Errorf("%w: value must not be nil", ErrInvalidArgument)
	}
	index := c.bucketIndex(key)
	b := c.peekBucket(index)
	if b == nil {
		return zero, false, nil
	}
	newSlot := c.ops.makeSlot(key, val)
	width := int(c.bucketWidth)

	for i := 0; i < width; i++ {
		cur := atomic.LoadPointer(&b.slots[i])
		if cur == nil {
			return zero, false, nil
		}
		if !c.ops.matchKey(cur, key) {
			continue
		}
		for {
			witness := atomic.LoadPointer(&b.slots[i])
			if witness == nil || !c.ops.matchKey(witness, key) {
				return zero, false, nil
			}
			if atomic.CompareAndSwapPointer(&b.slots[i], witness, newSlot) {
				return val, true, nil
			}
		}
	}
	return zero, false, nil
}

// PutIfAbsent installs val for key only if key is absent, returning the
// value now associated with key (the existing value on a hit, val on a
// successful install).
func (c *Cache[K, V]) PutIfAbsent(key K, val V) (V, error) {
	var zero V
	if isNilValue(val) {
		return zero, fmt.Errorf("%w: value must not be nil", ErrInvalidArgument)
	}
	if existing, found := c.fastRead(key); found {
		return existing, nil
	}
	index := c.bucketIndex(key)
	b := c.resolveBucket(index)
	offset := c.counterOffset(index)
	slot := c.ops.makeSlot(key, val)
	stored, _ := c.installSlot(key, index, b, offset, slot, false, false)
	return stored, nil
}

// PutIfSpaceAbsent installs val for key only into a free slot, never
// displacing an existing occupant and never taking the bucket lock.
// Reports whether it was actually stored.
func (c *Cache[K, V]) PutIfSpaceAbsent(key K, val V) (stored bool, err error) {
	if isNilValue(val) {
		return false, fmt.Errorf("%w: value must not be nil", ErrInvalidArgument)
	}
	if _, found := c.fastRead(key); found {
		return false, nil
	}
	index := c.bucketIndex(key)
	b := c.resolveBucket(index)
	offset := c.counterOffset(index)
	slot := c.ops.makeSlot(key, val)
	width := int(c.bucketWidth)

	for i := 0; i < width; i++ {
		cur := atomic.LoadPointer(&b.slots[i])
		if cur != nil {
			if c.ops.matchKey(cur, key) {
				return false, nil
			}
			continue
		}
		if c.shape == shapeSparse && c.strict && i == 0 && atomic.LoadInt64(&c.size) > c.capacity {
			return false, nil
		}
		if atomic.CompareAndSwapPointer(&b.slots[i], nil, slot) {
			c.counters.initialize(offset + i)
			if c.shape == shapeSparse {
				atomic.AddInt64(&c.size, 1)
			}
			return true, nil
		}
		i--
	}
	return false, nil // bucket full: no free space, no displacement
}

// PutIfSpaceReplace swaps val into key's existing slot in place if present,
// or installs it only into a free slot on a miss; never triggers a
// swap-eviction of another key. Reports whether it was stored.
func (c *Cache[K, V]) PutIfSpaceReplace(key K, val V) (stored bool, err error) {
	if isNilValue(val) {
		return false, fmt.Errorf("%w: value must not be nil", ErrInvalidArgument)
	}
	index := c.bucketIndex(key)
	b := c.resolveBucket(index)
	offset := c.counterOffset(index)
	newSlot := c.ops.makeSlot(key, val)
	width := int(c.bucketWidth)

	for i := 0; i < width; i++ {
		cur := atomic.LoadPointer(&b.slots[i])
		if cur == nil {
			if c.shape == shapeSparse && c.strict && i == 0 && atomic.LoadInt64(&c.size) > c.capacity {
				return false, nil
			}
			if atomic.CompareAndSwapPointer(&b.slots[i], nil, newSlot) {
				c.counters.initialize(offset + i)
				if c.shape == shapeSparse {
					atomic.AddInt64(&c.size, 1)
				}
				return true, nil
			}
			i--
			continue
		}
		// isValForKey (for the WithoutKey shape) is always applied through
		// ops.matchKey here, never a raw key-against-value comparison.
		if c.ops.matchKey(cur, key) {
			if atomic.CompareAndSwapPointer(&b.slots[i], cur, newSlot) {
				return true, nil
			}
			i--
			continue
		}
	}
	return false, nil
}

// Remove deletes key's entry, compacting the bucket so the live prefix
// stays contiguous. Reports whether a slot was removed.
func (c *Cache[K, V]) Remove(key K) bool {
	return c.remove(key)
}

// Clear empties every bucket in parallel (spec.md §9 "Parallel clear") and
// resets size for Sparse caches. Callers see no ordering guarantee between
// Clear and concurrent reads other than "eventually empty".
func (c *Cache[K, V]) Clear() {
	var g errgroup.Group
	width := int(c.bucketWidth)
	for i := range c.tops {
		i := i
		g.Go(func() error {
			c.locks[i].Lock()
			defer c.locks[i].Unlock()
			b := c.peekBucket(i)
			if b == nil {
				return nil
			}
			offset := c.counterOffset(i)
			for s := 0; s < width; s++ {
				atomic.StorePointer(&b.slots[s], nil)
				c.counters.set(offset+s, 0)
			}
			return nil
		})
	}
	_ = g.Wait()
	if c.shape == shapeSparse {
		atomic.StoreInt64(&c.size, 0)
	}
}

// Size returns the Sparse approximate live-entry count, or the Packed
// logical capacity (numBuckets * bucketWidth) for Packed caches, which
// track no size.
func (c *Cache[K, V]) Size() int64 {
	if c.shape == shapeSparse {
		return atomic.LoadInt64(&c.size)
	}
	return int64(len(c.tops)) * int64(c.bucketWidth)
}
