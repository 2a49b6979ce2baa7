// Package cfg computes reconvergence hints for straight-line instruction
// graphs.
//
// A divergent branch reconverges at its immediate post-dominator: the first
// instruction every path from the branch must pass through. Post-dominators
// of G are the dominators of G reversed, rooted at a virtual exit that every
// terminating instruction (RET, EXIT, last instruction) feeds. The dominator
// tree itself comes from gonum's graph/flow.
package cfg

import (
	"gonum.org/v1/gonum/graph/flow"
	"gonum.org/v1/gonum/graph/simple"
)

// None marks a node without a post-dominator inside the graph: its paths only
// meet again at the virtual exit, or it never reaches an exit at all.
const None = -1

// Graph is a control-flow graph over nodes 0..len(Succs)-1. A node with no
// successors terminates.
type Graph struct {
	Succs [][]int
}

func New(n int) *Graph {
	return &Graph{Succs: make([][]int, n)}
}

func (g *Graph) NumNodes() int { return len(g.Succs) }

// AddEdge adds from -> to. Duplicate edges are harmless.
func (g *Graph) AddEdge(from, to int) {
	g.Succs[from] = append(g.Succs[from], to)
}

// reversed builds G reversed plus the virtual exit n, which feeds every
// terminating node. Self loops never change a dominator and are dropped.
func (g *Graph) reversed() *simple.DirectedGraph {
	n := len(g.Succs)
	exit := simple.Node(n)

	r := simple.NewDirectedGraph()
	for i := 0; i <= n; i++ {
		r.AddNode(simple.Node(i))
	}

	for a, ss := range g.Succs {
		if len(ss) == 0 {
			r.SetEdge(r.NewEdge(exit, simple.Node(a)))
		}

		for _, b := range ss {
			if a == b {
				continue
			}

			r.SetEdge(r.NewEdge(simple.Node(b), simple.Node(a)))
		}
	}

	return r
}

// ImmediatePostDominators maps each node to its immediate post-dominator, or
// None when that is the virtual exit or the node cannot reach an exit.
func (g *Graph) ImmediatePostDominators() []int {
	n := len(g.Succs)

	r := g.reversed()
	tree := flow.Dominators(r.Node(int64(n)), r)

	res := make([]int, n)

	for i := range res {
		res[i] = None

		d := tree.DominatorOf(int64(i))
		if d == nil || d.ID() == int64(n) {
			continue
		}

		res[i] = int(d.ID())
	}

	return res
}
