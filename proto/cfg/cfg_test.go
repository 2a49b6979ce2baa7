package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func graph(n int, edges ...[2]int) *Graph {
	g := New(n)

	for _, e := range edges {
		g.AddEdge(e[0], e[1])
	}

	return g
}

func TestImmediatePostDominators_Diamond(t *testing.T) {
	// WHAT: if/else joining at node 3
	// WHY: The join is the reconvergence point of the branch

	g := graph(4, [2]int{0, 1}, [2]int{0, 2}, [2]int{1, 3}, [2]int{2, 3})

	assert.Equal(t, []int{3, 3, 3, None}, g.ImmediatePostDominators())
}

func TestImmediatePostDominators_Loop(t *testing.T) {
	// WHAT: 0 -> 1 (header), 1 -> 2 (body) | 3 (exit), 2 -> 1
	// WHY: Lanes leaving the loop early wait at the loop exit

	g := graph(4, [2]int{0, 1}, [2]int{1, 2}, [2]int{1, 3}, [2]int{2, 1})

	assert.Equal(t, []int{1, 3, 1, None}, g.ImmediatePostDominators())
}

func TestImmediatePostDominators_Nested(t *testing.T) {
	g := graph(5,
		[2]int{0, 1}, [2]int{0, 4},
		[2]int{1, 2}, [2]int{1, 3},
		[2]int{2, 3},
		[2]int{3, 4},
	)

	assert.Equal(t, []int{4, 3, 3, 4, None}, g.ImmediatePostDominators())
}

func TestImmediatePostDominators_SeparateExits(t *testing.T) {
	// WHAT: Both sides of the branch terminate on their own
	// WHY: The paths only meet at the virtual exit, so there is no hint

	g := graph(3, [2]int{0, 1}, [2]int{0, 2})

	assert.Equal(t, []int{None, None, None}, g.ImmediatePostDominators())
}

func TestImmediatePostDominators_InfiniteLoop(t *testing.T) {
	// WHAT: Node 1 spins forever, node 2 exits
	// WHY: Nodes that never reach an exit get no hint; the rest are unaffected

	g := graph(3, [2]int{0, 1}, [2]int{0, 2}, [2]int{1, 1})

	assert.Equal(t, []int{2, None, None}, g.ImmediatePostDominators())
}

func TestImmediatePostDominators_DuplicateEdges(t *testing.T) {
	g := graph(3, [2]int{0, 1}, [2]int{0, 1}, [2]int{1, 2})

	assert.Equal(t, []int{1, 2, None}, g.ImmediatePostDominators())
}

func TestImmediatePostDominators_SelfLoopBody(t *testing.T) {
	// WHAT: 0 -> 1, 1 -> 1 | 2
	// WHY: A single-instruction loop still reconverges at its exit

	g := graph(3, [2]int{0, 1}, [2]int{1, 1}, [2]int{1, 2})

	assert.Equal(t, []int{1, 2, None}, g.ImmediatePostDominators())
}

func TestReversed_VirtualExitFeedsTerminators(t *testing.T) {
	g := graph(3, [2]int{0, 1}, [2]int{0, 2})

	r := g.reversed()

	assert.Equal(t, 4, r.Nodes().Len())
	assert.True(t, r.HasEdgeFromTo(3, 1))
	assert.True(t, r.HasEdgeFromTo(3, 2))
	assert.True(t, r.HasEdgeFromTo(1, 0))
	assert.False(t, r.HasEdgeFromTo(3, 0))
}
