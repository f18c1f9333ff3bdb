package collisioncache_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	cc "github.com/orca-zhang/collisioncache"
)

func newPacked(t *testing.T, capacity, bucketSize int) *cc.Cache[int, string] {
	t.Helper()
	c, err := cc.WithCapacity[int, string](capacity).BucketSize(bucketSize).BuildPacked()
	require.NoError(t, err)
	return c
}

func newSparse(t *testing.T, capacity, bucketSize int, strict bool, factor float64) *cc.Cache[int, string] {
	t.Helper()
	c, err := cc.WithCapacity[int, string](capacity).
		BucketSize(bucketSize).
		StrictCapacity(strict).
		BuildSparse(factor)
	require.NoError(t, err)
	return c
}

// Property 3: after put with sufficient capacity, getIfPresent == v.
func Test_Put_Then_GetIfPresent_Returns_Stored_Value(t *testing.T) {
	t.Parallel()

	c := newPacked(t, 64, 8)
	stored, err := c.PutReplace(42, "answer")
	require.NoError(t, err)
	require.Equal(t, "answer", stored)

	got, ok := c.GetIfPresent(42)
	require.True(t, ok)
	require.Equal(t, "answer", got)
}

// Property 2: Get followed by GetIfPresent without intervening eviction
// returns the same value.
func Test_Get_Then_GetIfPresent_Agree(t *testing.T) {
	t.Parallel()

	c, err := cc.WithCapacity[int, string](64).
		BucketSize(8).
		Loader(func(k int) (string, error) { return fmt.Sprintf("v%d", k), nil }).
		BuildPacked()
	require.NoError(t, err)

	got, err := c.Get(7)
	require.NoError(t, err)
	require.Equal(t, "v7", got)

	again, ok := c.GetIfPresent(7)
	require.True(t, ok)
	require.Equal(t, got, again)
}

// Property 7: putIfAbsent(k,v1); putIfAbsent(k,v2) keeps v1.
func Test_PutIfAbsent_Keeps_First_Value(t *testing.T) {
	t.Parallel()

	c := newPacked(t, 64, 8)
	first, err := c.PutIfAbsent(1, "one")
	require.NoError(t, err)
	require.Equal(t, "one", first)

	second, err := c.PutIfAbsent(1, "uno")
	require.NoError(t, err)
	require.Equal(t, "one", second, "second call must observe the witness value")

	got, ok := c.GetIfPresent(1)
	require.True(t, ok)
	require.Equal(t, "one", got)
}

// Property 8: putReplace(k,v1); putReplace(k,v2) overwrites to v2.
func Test_PutReplace_Overwrites_Existing_Value(t *testing.T) {
	t.Parallel()

	c := newPacked(t, 64, 8)
	_, err := c.PutReplace(1, "one")
	require.NoError(t, err)

	stored, err := c.PutReplace(1, "uno")
	require.NoError(t, err)
	require.Equal(t, "uno", stored)

	got, ok := c.GetIfPresent(1)
	require.True(t, ok)
	require.Equal(t, "uno", got)
}

// Property 9: remove(k); remove(k) — second call returns false.
func Test_Remove_Twice_Second_Call_Returns_False(t *testing.T) {
	t.Parallel()

	c := newPacked(t, 64, 8)
	_, err := c.PutReplace(5, "five")
	require.NoError(t, err)

	require.True(t, c.Remove(5))
	require.False(t, c.Remove(5))
}

// Property 5: remove(k) then getIfPresent(k) returns null, prefix stays
// contiguous.
func Test_Remove_Then_GetIfPresent_Misses(t *testing.T) {
	t.Parallel()

	c := newPacked(t, 64, 8)
	_, err := c.PutReplace(9, "nine")
	require.NoError(t, err)
	require.True(t, c.Remove(9))

	_, ok := c.GetIfPresent(9)
	require.False(t, ok)
}

// S5: remove in the middle of a full bucket shrinks the live prefix by one;
// subsequent getIfPresent is correct for k and its shifted neighbors.
func Test_Remove_Middle_Of_Bucket_Shifts_Neighbors(t *testing.T) {
	t.Parallel()

	c := newPacked(t, 4, 4) // single bucket, width 4
	for i := 0; i < 4; i++ {
		_, err := c.PutReplace(i, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
	}

	require.True(t, c.Remove(1))

	_, ok := c.GetIfPresent(1)
	require.False(t, ok, "removed key must miss")

	for _, k := range []int{0, 2, 3} {
		v, ok := c.GetIfPresent(k)
		require.True(t, ok, "neighbor %d must survive the shift", k)
		require.Equal(t, fmt.Sprintf("v%d", k), v)
	}
}

// Property 6: clear() leaves every slot null and (Sparse) size == 0.
func Test_Clear_Empties_Cache(t *testing.T) {
	t.Parallel()

	c := newSparse(t, 16, 4, false, 2)
	for i := 0; i < 16; i++ {
		_, err := c.PutReplace(i, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
	}
	require.Greater(t, c.Size(), int64(0))

	c.Clear()
	require.Equal(t, int64(0), c.Size())
	for i := 0; i < 16; i++ {
		_, ok := c.GetIfPresent(i)
		require.False(t, ok)
	}
}

// S3: getAggressive with a loader returning null yields null and leaves the
// bucket unchanged. A nil value can only ever observed for a nil-able V
// (a pointer here), since a value type like string has no null
// representation distinct from its zero value.
func Test_GetAggressive_Loader_Returns_Null_Leaves_Bucket_Unchanged(t *testing.T) {
	t.Parallel()

	c, err := cc.WithCapacity[int, *string](16).BucketSize(4).BuildPacked()
	require.NoError(t, err)

	called := 0
	loader := func(k int) (*string, error) {
		called++
		return nil, nil // null return
	}

	got, err := c.GetAggressiveWithLoader(3, loader)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, 1, called)

	_, ok := c.GetIfPresent(3)
	require.False(t, ok, "a null loader return must not install anything")
}

func Test_GetAggressiveWithLoader_Propagates_Loader_Error(t *testing.T) {
	t.Parallel()

	c, err := cc.WithCapacity[int, *string](16).BucketSize(4).BuildPacked()
	require.NoError(t, err)

	wantErr := errors.New("boom")
	_, err = c.GetAggressiveWithLoader(3, func(k int) (*string, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

// S6: with lazy buckets, a read on an untouched bucket misses, and a later
// write to that bucket makes the key readable. Whether the miss allocated
// the bucket is not observable from this package.
func Test_LazyInitBuckets_Untouched_Bucket_Read_Misses_Then_Put_Hits(t *testing.T) {
	t.Parallel()

	c, err := cc.WithCapacity[int, string](64).
		BucketSize(8).
		LazyInitBuckets(true).
		BuildPacked()
	require.NoError(t, err)

	_, ok := c.GetIfPresent(123)
	require.False(t, ok)

	_, err = c.PutReplace(123, "x")
	require.NoError(t, err)

	got, ok := c.GetIfPresent(123)
	require.True(t, ok)
	require.Equal(t, "x", got)
}

func Test_PutIfSpaceAbsent_Never_Displaces(t *testing.T) {
	t.Parallel()

	c := newPacked(t, 4, 4)
	for i := 0; i < 4; i++ {
		stored, err := c.PutIfSpaceAbsent(i, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
		require.True(t, stored)
	}

	// bucket is now full: a further PutIfSpaceAbsent must not evict anything.
	stored, err := c.PutIfSpaceAbsent(99, "late")
	require.NoError(t, err)
	require.False(t, stored)

	for i := 0; i < 4; i++ {
		v, ok := c.GetIfPresent(i)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("v%d", i), v)
	}
	_, ok := c.GetIfPresent(99)
	require.False(t, ok)
}

func Test_PutReplace_Rejects_Nil_Value(t *testing.T) {
	t.Parallel()

	c, err := cc.WithCapacity[int, *string](16).BuildPacked()
	require.NoError(t, err)

	_, err = c.PutReplace(1, nil)
	require.ErrorIs(t, err, cc.ErrInvalidArgument)
}

func Test_Replace_Misses_On_Absent_Key(t *testing.T) {
	t.Parallel()

	c := newPacked(t, 16, 4)
	_, ok, err := c.Replace(1, "one")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.PutReplace(1, "one")
	require.NoError(t, err)

	stored, ok, err := c.Replace(1, "uno")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "uno", stored)
}
