package kernel

import (
	"tlog.app/go/errors"

	"github.com/maemowong/suprax-simt/proto/cfg"
	"github.com/maemowong/suprax-simt/proto/isa"
)

// Geometry is the launch shape of a kernel.
type Geometry struct {
	WarpSize    int
	WarpsPerCTA int
	NumWarps    int
}

func (g Geometry) Threads() int { return g.WarpSize * g.NumWarps }

// CTAThreads is the number of threads of the CTA holding warp. The last CTA
// may be partial.
func (g Geometry) CTAThreads(warp int) int {
	first := warp / g.WarpsPerCTA * g.WarpsPerCTA

	n := g.NumWarps - first
	if n > g.WarpsPerCTA {
		n = g.WarpsPerCTA
	}

	return n * g.WarpSize
}

// Memory is the functional view of data memory a kernel initializes.
type Memory interface {
	Store(addr uint64, v int64)
}

type Program struct {
	Name  string
	Base  uint64
	Insts []Inst

	// Hints holds the reconvergence PC of every instruction, isa.NoPC when
	// its paths only meet at exit.
	Hints []uint64

	// Init fills input data before launch. Optional.
	Init func(m Memory, g Geometry)

	// Expect is the value thread tid stores to its output slot. Optional.
	Expect func(tid int, g Geometry) int64
}

func (p *Program) PC(i int) uint64 { return p.Base + uint64(i)*InstSize }

func (p *Program) Entry() uint64 { return p.Base }

// Index maps pc back to an instruction index.
func (p *Program) Index(pc uint64) (int, bool) {
	if pc < p.Base || (pc-p.Base)%InstSize != 0 {
		return 0, false
	}

	i := (pc - p.Base) / InstSize
	if i >= uint64(len(p.Insts)) {
		return 0, false
	}

	return int(i), true
}

// Graph is the intra-procedural control-flow graph: a CALL falls through to
// its return address, RET and EXIT terminate.
func (p *Program) Graph() *cfg.Graph {
	n := len(p.Insts)
	g := cfg.New(n)

	for i, in := range p.Insts {
		switch {
		case in.Op.IsCondBranch():
			g.AddEdge(i, in.Target)

			if i+1 < n {
				g.AddEdge(i, i+1)
			}
		case in.Op == OpJmp:
			g.AddEdge(i, in.Target)
		case in.Op == OpRet, in.Op == OpExit:
		default:
			if i+1 < n {
				g.AddEdge(i, i+1)
			}
		}
	}

	return g
}

// analyze computes Hints and checks the program is well formed.
func (p *Program) analyze() error {
	n := len(p.Insts)
	if n == 0 {
		return errors.New("kernel %v: empty program", p.Name)
	}

	for i, in := range p.Insts {
		if in.Rd >= NumRegs || in.Ra >= NumRegs || in.Rb >= NumRegs {
			return errors.New("kernel %v: inst %d (%v): register out of range", p.Name, i, in)
		}

		if in.Op.HasTarget() && (in.Target < 0 || in.Target >= n) {
			return errors.New("kernel %v: inst %d (%v): target out of range", p.Name, i, in)
		}
	}

	ipdom := p.Graph().ImmediatePostDominators()

	p.Hints = make([]uint64, n)

	for i, d := range ipdom {
		if d == cfg.None {
			p.Hints[i] = isa.NoPC
			continue
		}

		p.Hints[i] = p.PC(d)
	}

	// A barrier must block the lanes that executed it, so it must not fall
	// through onto a point where they are absorbed into a reconvergence row.
	joins := make(map[uint64]bool)

	for i, in := range p.Insts {
		if in.Op.IsCondBranch() && p.Hints[i] != isa.NoPC {
			joins[p.Hints[i]] = true
		}
	}

	for i, in := range p.Insts {
		if in.Op == OpBar && joins[p.PC(i)+InstSize] {
			return errors.New("kernel %v: barrier at inst %d falls through onto a reconvergence point", p.Name, i)
		}
	}

	return nil
}
