package collisioncache

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/rand"
)

const (
	minInitialCount = 0
	maxInitialCount = 32
	minMaxCounterVal = 256
	counterCeiling   = 255 // a counter saturates here and never grows further
)

// rngPool hands out a per-goroutine golang.org/x/exp/rand source, seeded
// from crypto/rand, so the hot increment path never contends on a single
// global lock the way math/rand's top-level functions do. The seeding
// pattern mirrors dustinxie-lockfree's hmap, which draws its k0/k1 hash
// seeds from crypto/rand for the same reason: a process-wide constant seed
// would make counter promotion (and that hashmap's collision behavior)
// predictable and gameable.
var rngPool = sync.Pool{
	New: func() any {
		var seed uint64
		if err := binary.Read(cryptorand.Reader, binary.BigEndian, &seed); err != nil {
			seed = 0x9e3779b97f4a7c15 // crypto/rand failure is effectively unreachable; fall back to a fixed seed
		}
		return rand.New(rand.NewSource(seed))
	},
}

// atomicLogCounters is a fixed-length array of approximate-log frequency
// counters, one per slot, accessed with relaxed-but-atomic ("opaque")
// ordering. It provides a probabilistic saturating increment, halving
// decay, and raw get/set.
//
// Each counter is stored in its own uint32 word rather than a packed byte:
// sync/atomic has no portable CAS for a single byte inside a []byte, and a
// byte array shared this way would need a word-granularity CAS anyway
// (exactly the "opaque access" the spec calls for applied to the smallest
// atomically addressable unit Go exposes).
type atomicLogCounters struct {
	words        []uint32
	initialCount uint32
	thresholds   [counterCeiling]float64
}

func newAtomicLogCounters(size, initialCount, maxCounterVal int) (*atomicLogCounters, error) {
	if initialCount < minInitialCount || initialCount > maxInitialCount {
		return nil, fmt.Errorf("%w: initCount %d out of range [0,32]", ErrInvalidArgument, initialCount)
	}
	if maxCounterVal < minMaxCounterVal {
		return nil, fmt.Errorf("%w: maxCounterVal %d must be >= 256", ErrInvalidArgument, maxCounterVal)
	}
	c := &atomicLogCounters{
		words:        make([]uint32, size),
		initialCount: uint32(initialCount),
	}
	c.buildThresholds(maxCounterVal)
	return c, nil
}

// buildThresholds precomputes the increment-probability curve from
// spec.md §4.1: F = log2(pow2Ceil(maxCounterVal) / 32768), thresholds[i] =
// 1 / (i << F) for i in [1,254], thresholds[0] = 1.0.
func (c *atomicLogCounters) buildThresholds(maxCounterVal int) {
	f := math.Log2(float64(pow2Ceil(uint64(maxCounterVal))) / 32768.0)
	scale := math.Exp2(f)
	c.thresholds[0] = 1.0
	for i := 1; i < counterCeiling; i++ {
		c.thresholds[i] = 1.0 / (float64(i) * scale)
	}
}

func (c *atomicLogCounters) initialize(i int) {
	atomic.StoreUint32(&c.words[i], c.initialCount)
}

func (c *atomicLogCounters) get(i int) uint32 {
	return atomic.LoadUint32(&c.words[i])
}

func (c *atomicLogCounters) set(i int, v uint32) {
	atomic.StoreUint32(&c.words[i], v)
}

// increment performs a probabilistic saturating +1 on counter i:
//   - at 255, a no-op;
//   - at or below initialCount, an unconditional CAS++ (a freshly inserted
//     slot climbs past its floor before decay probability kicks in);
//   - otherwise, a CAS++ gated by thresholds[current] against a uniform
//     draw, so the probability of a further bump falls off as the count
//     grows.
func (c *atomicLogCounters) increment(i int) {
	rng := rngPool.Get().(*rand.Rand)
	defer rngPool.Put(rng)

	for {
		cur := c.get(i)
		if cur >= counterCeiling {
			return
		}
		if cur <= c.initialCount {
			if atomic.CompareAndSwapUint32(&c.words[i], cur, cur+1) {
				return
			}
			continue
		}
		if c.thresholds[cur] < rng.Float64() {
			return
		}
		if atomic.CompareAndSwapUint32(&c.words[i], cur, cur+1) {
			return
		}
	}
}

// decay halves every counter in [from, to), skipping values already at
// zero.
func (c *atomicLogCounters) decay(from, to int) {
	c.decaySkip(from, to, -1)
}

// decaySkip halves every counter in [from, to) except index skip.
func (c *atomicLogCounters) decaySkip(from, to, skip int) {
	for i := from; i < to; i++ {
		if i == skip {
			continue
		}
		if v := c.get(i); v != 0 {
			c.set(i, v>>1)
		}
	}
}
