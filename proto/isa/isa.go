// Package isa defines the instruction vocabulary the divergence unit needs to
// see: opcode classes, the per-instruction update inputs produced by functional
// execution, and the outcome reported back to the core.
package isa

import (
	"fmt"

	"github.com/maemowong/suprax-simt/proto/mask"
)

// NoPC marks an absent program counter (the outermost reconvergence point, an
// exited lane). It corresponds to an all-ones address.
const NoPC = ^uint64(0)

type Opcode uint8

const (
	OpALU Opcode = iota
	OpBranch
	OpCall
	OpRet
	OpBarrier
	OpExit
	OpLoad
	OpStore
)

var opNames = [...]string{
	OpALU:     "ALU",
	OpBranch:  "BRANCH",
	OpCall:    "CALL",
	OpRet:     "RET",
	OpBarrier: "BARRIER",
	OpExit:    "EXIT",
	OpLoad:    "LOAD",
	OpStore:   "STORE",
}

func (op Opcode) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}

	return fmt.Sprintf("Opcode(%d)", uint8(op))
}

// IsMemory reports whether op goes through the memory pipeline.
func (op Opcode) IsMemory() bool { return op == OpLoad || op == OpStore }

// Step is everything the divergence unit learns about one executed warp
// instruction.
type Step struct {
	Done         mask.Mask // lanes that finished with this instruction
	NextPC       []uint64  // next PC per lane, indexed by lane
	ReconvergePC uint64    // immediate post-dominator of PC
	Op           Opcode
	Size         uint64
	PC           uint64
}

// FallThrough is the not-taken successor of the instruction.
func (s *Step) FallThrough() uint64 { return s.PC + s.Size }

// Outcome is what an update reports back to the core.
type Outcome struct {
	Diverged      bool // the warp split into two paths
	Reconverged   bool // at least one reconvergence entry was promoted
	WarpAtBarrier bool // every remaining split of the warp is blocked at a barrier
}
