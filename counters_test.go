package collisioncache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Property 11: increment never decreases a counter and never exceeds 255.
// Reaching saturation is checked by the next test.
func Test_AtomicLogCounters_Increment_Never_Decreases(t *testing.T) {
	t.Parallel()

	c, err := newAtomicLogCounters(1, 0, 1<<16)
	require.NoError(t, err)
	c.initialize(0)

	prev := c.get(0)
	for i := 0; i < 5000; i++ {
		c.increment(0)
		cur := c.get(0)
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	require.LessOrEqual(t, prev, uint32(counterCeiling))
}

func Test_AtomicLogCounters_Increment_Saturates_Within_Tolerance(t *testing.T) {
	t.Parallel()

	const maxCounterVal = 1 << 14
	c, err := newAtomicLogCounters(1, 0, maxCounterVal)
	require.NoError(t, err)
	c.initialize(0)

	// Expected increments-to-saturation is on the order of maxCounterVal;
	// allow generous headroom above the ±20% spec tolerance since this is a
	// probabilistic process, not a hard deadline.
	for i := 0; i < maxCounterVal*3; i++ {
		c.increment(0)
	}
	require.Equal(t, uint32(counterCeiling), c.get(0), "counter should reach saturation within a small multiple of maxCounterVal increments")
}

func Test_AtomicLogCounters_Increment_Below_InitialCount_Is_Unconditional(t *testing.T) {
	t.Parallel()

	c, err := newAtomicLogCounters(1, 10, 1<<16)
	require.NoError(t, err)
	c.initialize(0)
	require.Equal(t, uint32(10), c.get(0))

	// From 5, the six increments at 5..10 are all at or below initialCount.
	c.set(0, 5)
	for i := 0; i < 6; i++ {
		c.increment(0)
	}
	require.Equal(t, uint32(11), c.get(0), "increments at or below initialCount must be unconditional")
}

func Test_AtomicLogCounters_Decay_Halves_Nonzero_Counters(t *testing.T) {
	t.Parallel()

	c, err := newAtomicLogCounters(4, 0, 1<<16)
	require.NoError(t, err)
	c.set(0, 8)
	c.set(1, 1)
	c.set(2, 0)
	c.set(3, 16)

	c.decay(0, 4)
	require.Equal(t, uint32(4), c.get(0))
	require.Equal(t, uint32(0), c.get(1))
	require.Equal(t, uint32(0), c.get(2))
	require.Equal(t, uint32(8), c.get(3))
}

func Test_AtomicLogCounters_DecaySkip_Leaves_Skipped_Index_Untouched(t *testing.T) {
	t.Parallel()

	c, err := newAtomicLogCounters(3, 0, 1<<16)
	require.NoError(t, err)
	c.set(0, 8)
	c.set(1, 8)
	c.set(2, 8)

	c.decaySkip(0, 3, 1)
	require.Equal(t, uint32(4), c.get(0))
	require.Equal(t, uint32(8), c.get(1), "skipped index must not decay")
	require.Equal(t, uint32(4), c.get(2))
}

func Test_NewAtomicLogCounters_Rejects_Invalid_Arguments(t *testing.T) {
	t.Parallel()

	_, err := newAtomicLogCounters(4, -1, 1<<16)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = newAtomicLogCounters(4, 33, 1<<16)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = newAtomicLogCounters(4, 0, 100)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func Test_Pow2Ceil(t *testing.T) {
	t.Parallel()

	cases := map[uint64]uint64{
		0: 1, 1: 1, 2: 2, 3: 4, 4: 4, 5: 8, 1023: 1024, 1024: 1024,
	}
	for in, want := range cases {
		require.Equal(t, want, pow2Ceil(in), "pow2Ceil(%d)", in)
	}
}
