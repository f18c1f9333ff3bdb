package collisioncache

import (
	"fmt"
	"math"
	"sync"
	"unsafe"
)

const (
	defaultBucketSize    = 8
	defaultMaxCounterVal = 1 << 16
	defaultSparseFactor  = 1.5
	minBucketSize        = 1
	maxBucketSize        = 256
)

// Builder configures and constructs a Cache. Obtain one with WithCapacity,
// chain the fluent setters, and finish with BuildPacked or BuildSparse —
// mirroring the teacher's NewLRUCache(...).LRU2(...) construction style.
type Builder[K comparable, V any] struct {
	capacity        int
	bucketSize      int
	initCount       int
	maxCounterVal   int
	strictCapacity  bool
	storeKeys       bool
	lazyInitBuckets bool
	hashCoder       func(K) uint64
	equal           func(K, K) bool
	isValForKey     func(K, V) bool
	loader          func(K) (V, error)
	mapper          func(K, V) (V, error)
}

// WithCapacity starts a Builder for a cache whose logical budget is
// capacity entries. For Packed caches capacity shapes the bucket-count
// sizing directly; for Sparse caches it is the size budget the sparse
// table is over-provisioned against.
func WithCapacity[K comparable, V any](capacity int) *Builder[K, V] {
	return &Builder[K, V]{
		capacity:      capacity,
		bucketSize:    defaultBucketSize,
		maxCounterVal: defaultMaxCounterVal,
		storeKeys:     true,
		equal:         func(a, b K) bool { return a == b },
	}
}

// BucketSize sets the slots per bucket, rounded up to the next power of
// two (1-256).
func (b *Builder[K, V]) BucketSize(n int) *Builder[K, V] { b.bucketSize = n; return b }

// InitCount sets the counter value installed alongside a fresh slot.
func (b *Builder[K, V]) InitCount(n int) *Builder[K, V] { b.initCount = n; return b }

// MaxCounterVal shapes the increment-probability curve.
func (b *Builder[K, V]) MaxCounterVal(n int) *Builder[K, V] { b.maxCounterVal = n; return b }

// StrictCapacity enables refusing inserts at a bucket's first slot once
// size exceeds capacity (Sparse only).
func (b *Builder[K, V]) StrictCapacity(v bool) *Builder[K, V] { b.strictCapacity = v; return b }

// StoreKeys selects WithKey (true, default) vs WithoutKey (false, requires
// IsValForKey) slot layout.
func (b *Builder[K, V]) StoreKeys(v bool) *Builder[K, V] { b.storeKeys = v; return b }

// LazyInitBuckets defers bucket array allocation to first access.
func (b *Builder[K, V]) LazyInitBuckets(v bool) *Builder[K, V] { b.lazyInitBuckets = v; return b }

// HashCoder overrides the default hash closure. Required for key types
// with no built-in default (see defaultHashCoder).
func (b *Builder[K, V]) HashCoder(f func(K) uint64) *Builder[K, V] { b.hashCoder = f; return b }

// Equal overrides the default key-equality closure (Go's == operator) used
// by the WithKey shape.
func (b *Builder[K, V]) Equal(f func(K, K) bool) *Builder[K, V] { b.equal = f; return b }

// IsValForKey sets the value-predicate used by the WithoutKey shape.
// Mandatory when StoreKeys(false) is set.
func (b *Builder[K, V]) IsValForKey(f func(K, V) bool) *Builder[K, V] { b.isValForKey = f; return b }

// Loader sets the default loader used by Get/GetAggressive when no
// explicit loader is passed to the call.
func (b *Builder[K, V]) Loader(f func(K) (V, error)) *Builder[K, V] { b.loader = f; return b }

// LoaderWithMapper sets a loader and a post-load mapper together; the
// mapper must never return a nil value for a non-nil loaded value.
func (b *Builder[K, V]) LoaderWithMapper(loader func(K) (V, error), mapper func(K, V) (V, error)) *Builder[K, V] {
	b.loader, b.mapper = loader, mapper
	return b
}

func (b *Builder[K, V]) validate() error {
	if b.capacity <= 0 {
		return fmt.Errorf("%w: capacity must be > 0", ErrInvalidArgument)
	}
	if b.bucketSize < minBucketSize || b.bucketSize > maxBucketSize {
		return fmt.Errorf("%w: bucketSize must be in [%d,%d]", ErrInvalidArgument, minBucketSize, maxBucketSize)
	}
	if b.initCount < minInitialCount || b.initCount > maxInitialCount {
		return fmt.Errorf("%w: initCount must be in [0,32]", ErrInvalidArgument)
	}
	if b.maxCounterVal < minMaxCounterVal {
		return fmt.Errorf("%w: maxCounterVal must be >= 256", ErrInvalidArgument)
	}
	if !b.storeKeys && b.isValForKey == nil {
		return fmt.Errorf("%w: StoreKeys(false) requires IsValForKey", ErrInvalidArgument)
	}
	if b.hashCoder == nil {
		if def := defaultHashCoder[K](); def != nil {
			b.hashCoder = def
		} else {
			return fmt.Errorf("%w: no default hash for this key type, set HashCoder", ErrInvalidArgument)
		}
	}
	return nil
}

func (b *Builder[K, V]) buildOps() *shapeOps[K, V] {
	if b.storeKeys {
		return newEntryShapeOps[K, V](b.equal)
	}
	return newValueShapeOps[K, V](b.isValForKey)
}

// BuildPacked builds a Packed cache: no size tracking, no strict mode; the
// logical capacity is numBuckets * bucketWidth.
func (b *Builder[K, V]) BuildPacked() (*Cache[K, V], error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	width := pow2Ceil(uint64(b.bucketSize))
	totalSlots := pow2Ceil(uint64(b.capacity))
	numBuckets := totalSlots / width
	if numBuckets == 0 {
		numBuckets = 1
	}
	return b.build(shapePacked, numBuckets, width, 0, false)
}

// BuildSparse builds a Sparse cache whose backing table is over-provisioned
// by sparseFactor (default 1.5, must be >= 1.0) against capacity.
func (b *Builder[K, V]) BuildSparse(sparseFactor ...float64) (*Cache[K, V], error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	factor := defaultSparseFactor
	if len(sparseFactor) > 0 {
		factor = sparseFactor[0]
	}
	if factor < 1.0 {
		return nil, fmt.Errorf("%w: sparseFactor must be >= 1.0", ErrInvalidArgument)
	}
	width := pow2Ceil(uint64(b.bucketSize))
	totalSlots := pow2Ceil(uint64(math.Ceil(float64(b.capacity) * factor)))
	numBuckets := totalSlots / width
	if numBuckets == 0 {
		numBuckets = 1
	}
	return b.build(shapeSparse, numBuckets, width, int64(b.capacity), b.strictCapacity)
}

func (b *Builder[K, V]) build(sh shape, numBuckets, width uint64, capacity int64, strict bool) (*Cache[K, V], error) {
	counters, err := newAtomicLogCounters(int(numBuckets*width), b.initCount, b.maxCounterVal)
	if err != nil {
		return nil, err
	}
	c := &Cache[K, V]{
		shape:       sh,
		tops:        make([]unsafe.Pointer, numBuckets),
		locks:       make([]sync.Mutex, numBuckets),
		counters:    counters,
		mask:        numBuckets - 1,
		bucketWidth: uint32(width),
		hashKey:     b.hashCoder,
		ops:         b.buildOps(),
		lazy:        b.lazyInitBuckets,
		loader:      b.loader,
		mapper:      b.mapper,
		capacity:    capacity,
		strict:      strict,
	}
	if !c.lazy {
		for i := range c.tops {
			c.tops[i] = unsafe.Pointer(newBucketSlots(int(width)))
		}
	}
	return c, nil
}
