package barrier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maemowong/suprax-simt/proto/fault"
	"github.com/maemowong/suprax-simt/proto/mask"
)

func launched(numWarps, perCTA int) *Unit {
	u := New(numWarps, perCTA)

	for w := 0; w < numWarps; w++ {
		u.Launch(w)
	}

	return u
}

func TestUnit_CTAMapping(t *testing.T) {
	u := New(10, 4)

	assert.Equal(t, 3, u.NumCTAs(), "last CTA is partial")

	id, l := u.CTA(9)
	assert.Equal(t, 2, id)
	assert.Equal(t, 1, l)
	assert.Equal(t, 9, u.Warp(id, l))
}

func TestUnit_ReleaseWhenAllArrive(t *testing.T) {
	// WHAT: The last warp of a CTA completes the barrier
	// WHY: Warps of other CTAs are not involved

	u := launched(8, 4)

	assert.False(t, u.WarpReachesBarrier(1, 0))
	assert.False(t, u.WarpReachesBarrier(1, 2))
	assert.False(t, u.WarpReachesBarrier(1, 3))
	assert.Equal(t, 3, u.WarpsCountAtBarrier(1))
	assert.Equal(t, 0, u.WarpsCountAtBarrier(0))

	require.True(t, u.WarpReachesBarrier(1, 1))

	assert.Equal(t, []int{4, 5, 6, 7}, u.Release(1))
	assert.Equal(t, 0, u.WarpsCountAtBarrier(1))
	assert.False(t, u.Complete(1))

	s := u.Stats()
	assert.Equal(t, uint64(4), s.Arrivals)
	assert.Equal(t, uint64(1), s.Releases)
}

func TestUnit_ExitCompletesBarrier(t *testing.T) {
	// WHAT: Three warps wait, the fourth exits
	// WHY: Exited warps no longer count towards the barrier

	u := launched(4, 4)

	u.WarpReachesBarrier(0, 0)
	u.WarpReachesBarrier(0, 1)
	u.WarpReachesBarrier(0, 2)

	id, complete := u.WarpExits(3)

	assert.Equal(t, 0, id)
	assert.True(t, complete)
	assert.Equal(t, mask.Of(0, 1, 2), u.Live(0))
	assert.Equal(t, []int{0, 1, 2}, u.Release(0))
}

func TestUnit_ExitWithNobodyWaiting(t *testing.T) {
	u := launched(2, 2)

	_, complete := u.WarpExits(0)
	assert.False(t, complete)

	_, complete = u.WarpExits(1)
	assert.False(t, complete, "an empty CTA has nothing to release")
}

func TestUnit_ReleaseBarrierSingleWarp(t *testing.T) {
	u := launched(2, 2)

	u.WarpReachesBarrier(0, 1)
	u.ReleaseBarrier(1)

	assert.Equal(t, 0, u.WarpsCountAtBarrier(0))
	assert.Equal(t, mask.Mask(0), u.Waiting(0))
}

func TestUnit_DoubleArrivalIsFatal(t *testing.T) {
	u := launched(2, 2)
	u.WarpReachesBarrier(0, 0)

	run := func() (err error) {
		defer fault.Recover(&err)

		u.WarpReachesBarrier(0, 0)

		return nil
	}

	err := run()
	require.Error(t, err)

	e, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, unitName, e.Table)
	assert.Contains(t, e.Msg, "twice")
}
