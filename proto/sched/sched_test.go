package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// ════════════════════════════════════════════════════════════════════════════════════════════════
// STAGE 0
// ════════════════════════════════════════════════════════════════════════════════════════════════

func TestComputeReadyBitmap(t *testing.T) {
	// WHAT: Only valid, schedulable, non-waiting warps are ready
	// WHY: A blocked or virtualized split must not issue

	warps := []WarpState{
		{Valid: true, Schedulable: true},
		{Valid: false, Schedulable: true},
		{Valid: true, Schedulable: false},
		{Valid: true, Schedulable: true, Waiting: true},
		{Valid: true, Schedulable: true},
	}

	assert.Equal(t, uint32(0b10001), ComputeReadyBitmap(warps))
}

func TestClassifyPriority(t *testing.T) {
	warps := []WarpState{
		{Converged: true},
		{},
		{Converged: true},
		{},
	}

	p := ClassifyPriority(0b0111, warps)

	assert.Equal(t, uint32(0b0101), p.HighPriority)
	assert.Equal(t, uint32(0b0010), p.LowPriority)
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// STAGE 1
// ════════════════════════════════════════════════════════════════════════════════════════════════

func TestRotate(t *testing.T) {
	assert.Equal(t, uint32(0b0001), rotate(0b0100, 2, 4))
	assert.Equal(t, uint32(0b1000), rotate(0b0010, 2, 4), "warp 1 is last after starting at 2")
	assert.Equal(t, uint32(1), rotate(1<<31, 31, 32))
	assert.Equal(t, uint32(0b0011), rotate(0b0011, 0, 4))
}

func TestSelect_RoundRobin(t *testing.T) {
	// WHAT: Single issue with every warp ready
	// WHY: Loose round-robin visits the warps in turn

	s := New(4, 1)
	p := PriorityClass{LowPriority: 0b1111}

	var order []int
	for i := 0; i < 6; i++ {
		order = append(order, s.SelectIssueBundle(p).Warps()...)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 0, 1}, order)
}

func TestSelect_SkipsNotReady(t *testing.T) {
	s := New(8, 1)

	assert.Equal(t, []int{2}, s.SelectIssueBundle(PriorityClass{LowPriority: 0b1000_0100}).Warps())
	assert.Equal(t, []int{7}, s.SelectIssueBundle(PriorityClass{LowPriority: 0b1000_0100}).Warps())
	assert.Equal(t, []int{2}, s.SelectIssueBundle(PriorityClass{LowPriority: 0b1000_0100}).Warps())
}

func TestSelect_HighTierFirst(t *testing.T) {
	// WHAT: Converged warps fill the bundle before split ones
	// HARDWARE: Two priority encoders, the low one masked by the high count

	s := New(8, 3)

	b := s.SelectIssueBundle(PriorityClass{
		HighPriority: 0b0100_0000,
		LowPriority:  0b0000_0110,
	})

	assert.Equal(t, []int{6, 1, 2}, b.Warps())
	assert.Equal(t, 3, b.Count())

	st := s.Stats()
	assert.Equal(t, uint64(1), st.HighIssued)
	assert.Equal(t, uint64(3), st.Issued)
	assert.Equal(t, uint64(1), st.FullBundles)
}

func TestSelect_WidthLimit(t *testing.T) {
	s := New(32, 2)

	b := s.SelectIssueBundle(PriorityClass{LowPriority: ^uint32(0)})
	assert.Equal(t, []int{0, 1}, b.Warps())

	b = s.SelectIssueBundle(PriorityClass{LowPriority: ^uint32(0)})
	assert.Equal(t, []int{2, 3}, b.Warps())
}

func TestSelect_Idle(t *testing.T) {
	s := New(4, 2)

	b := s.Select([]WarpState{{Valid: true}, {Valid: true, Waiting: true, Schedulable: true}})

	assert.Equal(t, 0, b.Count())
	assert.Empty(t, b.Warps())
	assert.Equal(t, uint64(1), s.Stats().IdleCycles)
}

func TestNew_Clamps(t *testing.T) {
	s := New(64, 0)

	assert.Equal(t, 1, s.Width())
	assert.Equal(t, MaxWarps, s.numWarps)

	assert.Equal(t, MaxIssueWidth, New(4, 100).Width())
}
