// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SUPRAX SIMT Divergence Stack - Post-Dominator Reconvergence
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// The classic per-warp reconvergence stack. The top frame is what the fetch
// stage sees: its PC and active mask. Frames below it are either reconvergence
// markers (a PC to resume at once the paths above have drained) or divergent
// paths still waiting for their turn.
//
// FRAME LIFECYCLE:
// ────────────────
//  1. Launch pushes one frame covering the whole warp.
//  2. A divergent branch turns the top into a marker at the post-dominator and
//     pushes one frame per path that is not already at that marker.
//  3. A path reaching its frame's reconvergence PC is popped; the marker below
//     surfaces with the merged mask.
//  4. CALL pushes a Call frame, RET pops it.
//  5. When every lane of the top frame is done, the frame is popped. An empty
//     stack means the warp has exited.
//
// PATH ORDER:
// ───────────
// At most two groups come out of one instruction. The not-taken group
// (PC + size) is processed first, otherwise groups go by ascending PC. The
// first processed group is left on top of the stack so it executes first.
//
// The stack is unbounded and always resident; there is no virtualization.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package stack

import (
	"sort"

	"github.com/maemowong/suprax-simt/proto/fault"
	"github.com/maemowong/suprax-simt/proto/isa"
	"github.com/maemowong/suprax-simt/proto/mask"
)

const table = "divergence-stack"

// MaxDivergentPaths is the widest split one instruction may produce.
const MaxDivergentPaths = 2

type FrameType uint8

const (
	Normal FrameType = iota
	Call
)

func (t FrameType) String() string {
	if t == Call {
		return "call"
	}

	return "normal"
}

type Frame struct {
	PC             uint64
	Active         mask.Mask
	ReconvergePC   uint64
	Type           FrameType
	CallDepth      uint32
	BranchDivCycle uint64
}

// Path is one group of lanes sharing a next PC.
type Path struct {
	PC   uint64
	Mask mask.Mask
}

// Stats counts events for the owning core.
type Stats struct {
	Divergences  uint64
	Reconverged  uint64
	MaxDepth     int
	Calls        uint64
	Returns      uint64
	ExitedFrames uint64
}

type Stack struct {
	warp     int
	warpSize int
	frames   []Frame
	blocked  bool
	stats    Stats
}

func New(warp, warpSize int) *Stack {
	return &Stack{
		warp:     warp,
		warpSize: warpSize,
		frames:   make([]Frame, 0, 8),
	}
}

func (s *Stack) Warp() int { return s.warp }

func (s *Stack) Reset() {
	s.frames = s.frames[:0]
	s.blocked = false
}

// Launch resets the stack and pushes the frame that covers the whole warp.
func (s *Stack) Launch(pc uint64, active mask.Mask, cycle uint64) {
	s.Reset()

	s.push(Frame{
		PC:             pc,
		Active:         active,
		ReconvergePC:   isa.NoPC,
		Type:           Normal,
		BranchDivCycle: cycle,
	})
}

func (s *Stack) push(f Frame) {
	s.frames = append(s.frames, f)

	if len(s.frames) > s.stats.MaxDepth {
		s.stats.MaxDepth = len(s.frames)
	}
}

func (s *Stack) pop() {
	if len(s.frames) == 0 {
		fault.Invariant(s.warp, table, fault.NoEntry, "pop of an empty stack")
	}

	s.frames = s.frames[:len(s.frames)-1]
}

func (s *Stack) top() *Frame {
	if len(s.frames) == 0 {
		fault.Invariant(s.warp, table, fault.NoEntry, "access to the top of an empty stack")
	}

	return &s.frames[len(s.frames)-1]
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SCHEDULER-FACING QUERIES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (s *Stack) Valid() bool { return len(s.frames) != 0 }

func (s *Stack) Depth() int { return len(s.frames) }

// Frame returns a copy of frame i counted from the bottom.
func (s *Stack) Frame(i int) Frame { return s.frames[i] }

func (s *Stack) ActiveMask() mask.Mask {
	if len(s.frames) == 0 {
		return 0
	}

	return s.top().Active
}

func (s *Stack) PC() uint64 {
	if len(s.frames) == 0 {
		return isa.NoPC
	}

	return s.top().PC
}

func (s *Stack) ReconvergePC() uint64 {
	if len(s.frames) == 0 {
		return isa.NoPC
	}

	return s.top().ReconvergePC
}

// PCAndReconvergePC is the pair the fetch stage needs.
func (s *Stack) PCAndReconvergePC() (pc, rpc uint64) {
	return s.PC(), s.ReconvergePC()
}

func (s *Stack) Stats() Stats { return s.stats }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PATH EXTRACTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Partition groups the active, not-done lanes of active by next PC.
//
// Lanes are scanned from the highest index down; the first live lane starts a
// group and every later lane with the same next PC joins it. The resulting
// groups are ordered with the not-taken PC first, then by ascending PC.
func Partition(active, done mask.Mask, next []uint64, notTaken uint64) []Path {
	var paths []Path

	remaining := active.AndNot(done)

	for remaining.Any() {
		pc := isa.NoPC
		var group mask.Mask

		for lane := remaining.Last(); lane >= 0; lane-- {
			if !remaining.Test(lane) {
				continue
			}

			if pc == isa.NoPC {
				pc = next[lane]
			}

			if next[lane] == pc {
				group.Set(lane)
			}
		}

		remaining = remaining.AndNot(group)
		paths = append(paths, Path{PC: pc, Mask: group})
	}

	sort.SliceStable(paths, func(i, j int) bool {
		if paths[i].PC == notTaken {
			return paths[j].PC != notTaken
		}
		if paths[j].PC == notTaken {
			return false
		}

		return paths[i].PC < paths[j].PC
	})

	return paths
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// UPDATE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Update folds one executed instruction into the stack.
//
// ALGORITHM:
// ──────────
//  1. Read the top frame; it must be the frame that issued step.PC.
//  2. Partition live lanes into at most two next-PC groups.
//  3. CALL pushes a Call frame. RET pops the Call frame, writes the return PC
//     into the new top and pops that too if it has just reached its marker.
//  4. A group whose PC is the top's reconvergence PC is dropped (absorbed).
//  5. The first group that does not reconverge, when there are two groups,
//     turns the top frame into a marker at step.ReconvergePC (unless that is
//     already the top's reconvergence PC). A missing hint means the enclosing
//     reconvergence PC.
//  6. Groups at the new marker are dropped; the rest become frames.
//  7. With no surviving groups the top frame is popped.
func (s *Stack) Update(cycle uint64, step isa.Step) isa.Outcome {
	var out isa.Outcome

	top := *s.top()

	fault.Assert(top.PC == step.PC, s.warp, table, len(s.frames)-1, "update for pc 0x%x but top frame is at 0x%x", step.PC, top.PC)
	fault.Assert(top.Active.Any(), s.warp, table, len(s.frames)-1, "update with an empty top mask")

	paths := Partition(top.Active, step.Done, step.NextPC, step.FallThrough())

	fault.Assert(len(paths) <= MaxDivergentPaths, s.warp, table, len(s.frames)-1, "%d divergent paths at pc 0x%x", len(paths), step.PC)

	switch {
	case step.Op == isa.OpCall && len(paths) != 0:
		fault.Assert(len(paths) == 1, s.warp, table, len(s.frames)-1, "divergent call at pc 0x%x", step.PC)

		s.push(Frame{
			PC:             paths[0].PC,
			Active:         paths[0].Mask,
			ReconvergePC:   isa.NoPC,
			Type:           Call,
			CallDepth:      top.CallDepth + 1,
			BranchDivCycle: cycle,
		})
		s.stats.Calls++

		return out

	case step.Op == isa.OpRet && top.Type == Call && len(paths) != 0:
		fault.Assert(len(paths) == 1, s.warp, table, len(s.frames)-1, "divergent return at pc 0x%x", step.PC)

		s.pop()
		s.stats.Returns++

		nt := s.top()
		nt.PC = paths[0].PC

		if nt.PC == nt.ReconvergePC && nt.Type != Call {
			s.pop()
			s.stats.Reconverged++
			out.Reconverged = true
		}

		return out
	}

	// The top slot is rewritten in place: it either becomes a marker or is
	// replaced by the surviving groups.
	s.pop()

	var frames []Frame

	newRPC := isa.NoPC

	for _, p := range paths {
		if p.PC == top.ReconvergePC && top.Type != Call {
			out.Reconverged = true
			continue
		}

		if len(paths) > 1 && !out.Diverged {
			out.Diverged = true
			newRPC = step.ReconvergePC

			// No post-dominator: the paths stay split until the enclosing
			// reconvergence point.
			if newRPC == isa.NoPC {
				newRPC = top.ReconvergePC
			}

			if newRPC != top.ReconvergePC {
				marker := top
				marker.PC = newRPC
				marker.BranchDivCycle = cycle
				s.push(marker)
			}
		}

		if out.Diverged && p.PC == newRPC {
			continue
		}

		f := Frame{
			PC:        p.PC,
			Active:    p.Mask,
			Type:      Normal,
			CallDepth: top.CallDepth,
		}

		if out.Diverged {
			f.ReconvergePC = newRPC
			f.BranchDivCycle = cycle
		} else {
			f.ReconvergePC = top.ReconvergePC
			f.Type = top.Type
			f.BranchDivCycle = top.BranchDivCycle
		}

		frames = append(frames, f)
	}

	// Without a new marker the paths inherit the old top's frame type.
	if out.Diverged && newRPC == top.ReconvergePC {
		for i := range frames {
			frames[i].Type = top.Type
		}
	}

	for i := len(frames) - 1; i >= 0; i-- {
		s.push(frames[i])
	}

	if len(paths) == 0 {
		s.stats.ExitedFrames++
	}
	if out.Reconverged {
		s.stats.Reconverged++
	}
	if out.Diverged {
		s.stats.Divergences++
	}

	return out
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// BARRIER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ReachBarrier parks the warp at pc. The stack has a single fetch point, so the
// whole warp is at the barrier.
func (s *Stack) ReachBarrier(cycle, pc uint64) bool {
	s.top().PC = pc
	s.blocked = true

	return true
}

func (s *Stack) ReleaseBarrier() { s.blocked = false }

func (s *Stack) Blocked() bool { return s.blocked }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TRACKER SURFACE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// The stack is always resident and reconverges synchronously, so the
// virtualization and timeout hooks have nothing to do.

func (s *Stack) Issue(cycle uint64) {}

func (s *Stack) Cycle(cycle uint64) {}

func (s *Stack) CheckTimeout(cycle, threshold uint64) int { return 0 }

func (s *Stack) Virtualized() bool { return false }

func (s *Stack) PendingReconvergence() bool { return false }

func (s *Stack) Schedulable() bool { return len(s.frames) != 0 && !s.blocked }
