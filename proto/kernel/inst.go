// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SUPRAX SIMT Kernel ISA
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// A deliberately small register ISA, just rich enough to produce every kind
// of control flow the divergence unit must handle: data-dependent branches,
// loops, calls, barriers, early exits and memory accesses.
//
// ENCODING:
// ─────────
// Every instruction is InstSize address units long. Instruction i of a
// program lives at Base + i*InstSize. Registers are 64-bit, NumRegs per lane.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package kernel

import (
	"fmt"

	"github.com/maemowong/suprax-simt/proto/isa"
)

const (
	InstSize    = 4
	DefaultBase = 0x1000
	NumRegs     = 16

	// MaxCallDepth bounds each lane's return stack.
	MaxCallDepth = 64
)

type Op uint8

const (
	OpNop   Op = iota
	OpMovI     // rd = imm
	OpTid      // rd = global thread id
	OpCTid     // rd = thread id inside the CTA
	OpNCTid    // rd = number of threads in the CTA
	OpAdd      // rd = ra + rb
	OpAddI     // rd = ra + imm
	OpSub      // rd = ra - rb
	OpMul      // rd = ra * rb
	OpAndI     // rd = ra & imm
	OpShlI     // rd = ra << imm
	OpShrI     // rd = ra >> imm
	OpBeqz     // if ra == 0 goto target
	OpBnez     // if ra != 0 goto target
	OpBlt      // if ra < rb goto target
	OpJmp      // goto target
	OpCall     // push pc+size; goto target
	OpRet      // pop; a lane with an empty stack is done
	OpBar      // CTA-wide barrier
	OpExit     // lane is done
	OpLd       // rd = mem[ra + imm]
	OpSt       // mem[ra + imm] = rb
)

var ops = [...]struct {
	name  string
	class isa.Opcode
}{
	OpNop:   {"nop", isa.OpALU},
	OpMovI:  {"movi", isa.OpALU},
	OpTid:   {"tid", isa.OpALU},
	OpCTid:  {"ctid", isa.OpALU},
	OpNCTid: {"nctid", isa.OpALU},
	OpAdd:   {"add", isa.OpALU},
	OpAddI:  {"addi", isa.OpALU},
	OpSub:   {"sub", isa.OpALU},
	OpMul:   {"mul", isa.OpALU},
	OpAndI:  {"andi", isa.OpALU},
	OpShlI:  {"shli", isa.OpALU},
	OpShrI:  {"shri", isa.OpALU},
	OpBeqz:  {"beqz", isa.OpBranch},
	OpBnez:  {"bnez", isa.OpBranch},
	OpBlt:   {"blt", isa.OpBranch},
	OpJmp:   {"jmp", isa.OpBranch},
	OpCall:  {"call", isa.OpCall},
	OpRet:   {"ret", isa.OpRet},
	OpBar:   {"bar", isa.OpBarrier},
	OpExit:  {"exit", isa.OpExit},
	OpLd:    {"ld", isa.OpLoad},
	OpSt:    {"st", isa.OpStore},
}

func (op Op) String() string {
	if int(op) < len(ops) {
		return ops[op].name
	}

	return fmt.Sprintf("Op(%d)", uint8(op))
}

// Class is the opcode class the divergence unit sees.
func (op Op) Class() isa.Opcode {
	if int(op) < len(ops) {
		return ops[op].class
	}

	return isa.OpALU
}

// IsCondBranch reports whether op may send lanes two ways.
func (op Op) IsCondBranch() bool {
	return op == OpBeqz || op == OpBnez || op == OpBlt
}

// HasTarget reports whether op carries a control-flow target.
func (op Op) HasTarget() bool {
	return op.IsCondBranch() || op == OpJmp || op == OpCall
}

type Inst struct {
	Op     Op
	Rd     uint8
	Ra     uint8
	Rb     uint8
	Imm    int64
	Target int // instruction index

	label string // unresolved target, builder only
}

func (in Inst) String() string {
	switch {
	case in.Op.HasTarget():
		return fmt.Sprintf("%v r%d, r%d -> %d", in.Op, in.Ra, in.Rb, in.Target)
	case in.Op == OpSt:
		return fmt.Sprintf("%v [r%d%+d], r%d", in.Op, in.Ra, in.Imm, in.Rb)
	case in.Op == OpLd:
		return fmt.Sprintf("%v r%d, [r%d%+d]", in.Op, in.Rd, in.Ra, in.Imm)
	default:
		return fmt.Sprintf("%v r%d, r%d, r%d, %d", in.Op, in.Rd, in.Ra, in.Rb, in.Imm)
	}
}
