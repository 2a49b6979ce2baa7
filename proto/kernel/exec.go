// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SUPRAX SIMT Functional Executor
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// Warp holds the architectural state of every lane: registers, PC and return
// stack. Execute runs one instruction for the lanes the divergence unit
// issued and reports, per lane, where it goes next. It never decides which
// lanes run; that is the divergence unit's job.
//
// MEMORY:
// ───────
// Loads and stores are not performed here. Execute returns one Access per
// lane; the core pushes them through the memory pipeline and hands load data
// back through CompleteLoad.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package kernel

import (
	"encoding/binary"

	"tlog.app/go/errors"

	"github.com/maemowong/suprax-simt/proto/fault"
	"github.com/maemowong/suprax-simt/proto/isa"
	"github.com/maemowong/suprax-simt/proto/mask"
)

const executor = "executor"

// WordSize is the width of one memory access.
const WordSize = 8

type Lane struct {
	Regs    [NumRegs]int64
	PC      uint64
	Returns []uint64
	Done    bool
}

// Access is one lane's share of a LOAD or STORE.
type Access struct {
	Lane  int
	Store bool
	Addr  uint64
	Reg   uint8 // load destination
	Value int64 // store data
}

// Data encodes a store value.
func (a Access) Data() []byte {
	var b [WordSize]byte
	binary.LittleEndian.PutUint64(b[:], uint64(a.Value))

	return b[:]
}

type Warp struct {
	prog  *Program
	id    int
	geo   Geometry
	lanes []Lane
}

func NewWarp(prog *Program, id int, geo Geometry) *Warp {
	w := &Warp{
		prog:  prog,
		id:    id,
		geo:   geo,
		lanes: make([]Lane, geo.WarpSize),
	}

	w.Reset()

	return w
}

func (w *Warp) Reset() {
	for i := range w.lanes {
		w.lanes[i] = Lane{PC: w.prog.Entry()}
	}
}

func (w *Warp) ID() int { return w.id }

func (w *Warp) Lane(i int) *Lane { return &w.lanes[i] }

// Done is the set of lanes that have finished.
func (w *Warp) Done() mask.Mask {
	var m mask.Mask

	for i := range w.lanes {
		if w.lanes[i].Done {
			m.Set(i)
		}
	}

	return m
}

// Tid is the global thread id of lane.
func (w *Warp) Tid(lane int) int { return w.id*w.geo.WarpSize + lane }

// Execute runs the instruction at pc for every lane in active.
func (w *Warp) Execute(pc uint64, active mask.Mask) (step isa.Step, acc []Access, err error) {
	idx, ok := w.prog.Index(pc)
	if !ok {
		return step, nil, errors.New("warp %d: pc 0x%x outside kernel %v", w.id, pc, w.prog.Name)
	}

	in := w.prog.Insts[idx]

	step = isa.Step{
		PC:           pc,
		Size:         InstSize,
		Op:           in.Op.Class(),
		ReconvergePC: w.prog.Hints[idx],
		NextPC:       make([]uint64, len(w.lanes)),
	}

	for i := range step.NextPC {
		step.NextPC[i] = isa.NoPC
	}

	fallThrough := pc + InstSize
	target := w.prog.PC(in.Target)
	ctaBase := w.id / w.geo.WarpsPerCTA * w.geo.WarpsPerCTA * w.geo.WarpSize

	for _, l := range active.Lanes() {
		ln := &w.lanes[l]

		if ln.Done || ln.PC != pc {
			fault.Invariant(w.id, executor, l, "lane issued at 0x%x but is at 0x%x (done %v)", pc, ln.PC, ln.Done)
		}

		r := &ln.Regs
		next := fallThrough
		done := false

		switch in.Op {
		case OpNop:
		case OpMovI:
			r[in.Rd] = in.Imm
		case OpTid:
			r[in.Rd] = int64(w.Tid(l))
		case OpCTid:
			r[in.Rd] = int64(w.Tid(l) - ctaBase)
		case OpNCTid:
			r[in.Rd] = int64(w.geo.CTAThreads(w.id))
		case OpAdd:
			r[in.Rd] = r[in.Ra] + r[in.Rb]
		case OpAddI:
			r[in.Rd] = r[in.Ra] + in.Imm
		case OpSub:
			r[in.Rd] = r[in.Ra] - r[in.Rb]
		case OpMul:
			r[in.Rd] = r[in.Ra] * r[in.Rb]
		case OpAndI:
			r[in.Rd] = r[in.Ra] & in.Imm
		case OpShlI:
			r[in.Rd] = r[in.Ra] << uint(in.Imm)
		case OpShrI:
			r[in.Rd] = r[in.Ra] >> uint(in.Imm)
		case OpBeqz:
			if r[in.Ra] == 0 {
				next = target
			}
		case OpBnez:
			if r[in.Ra] != 0 {
				next = target
			}
		case OpBlt:
			if r[in.Ra] < r[in.Rb] {
				next = target
			}
		case OpJmp:
			next = target
		case OpCall:
			if len(ln.Returns) >= MaxCallDepth {
				return step, nil, errors.New("warp %d lane %d: call depth exceeds %d at pc 0x%x", w.id, l, MaxCallDepth, pc)
			}

			ln.Returns = append(ln.Returns, fallThrough)
			next = target
		case OpRet:
			if len(ln.Returns) == 0 {
				done = true
				break
			}

			next = ln.Returns[len(ln.Returns)-1]
			ln.Returns = ln.Returns[:len(ln.Returns)-1]
		case OpBar:
		case OpExit:
			done = true
		case OpLd:
			acc = append(acc, Access{Lane: l, Addr: uint64(r[in.Ra] + in.Imm), Reg: in.Rd})
		case OpSt:
			acc = append(acc, Access{Lane: l, Store: true, Addr: uint64(r[in.Ra] + in.Imm), Value: r[in.Rb]})
		default:
			return step, nil, errors.New("warp %d: unknown op %v at pc 0x%x", w.id, in.Op, pc)
		}

		// Running off the end of the program finishes the lane.
		if _, ok := w.prog.Index(next); !ok {
			done = true
		}

		if done {
			ln.Done = true
			ln.PC = isa.NoPC
			step.Done.Set(l)

			continue
		}

		ln.PC = next
		step.NextPC[l] = next
	}

	return step, acc, nil
}

// CompleteLoad writes load data into the destination register of a.
func (w *Warp) CompleteLoad(a Access, data []byte) {
	fault.Assert(len(data) >= WordSize, w.id, executor, a.Lane, "short load of %d bytes at 0x%x", len(data), a.Addr)

	w.lanes[a.Lane].Regs[a.Reg] = int64(binary.LittleEndian.Uint64(data))
}
