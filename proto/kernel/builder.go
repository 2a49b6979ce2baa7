package kernel

import (
	"tlog.app/go/errors"
)

// Builder assembles a Program with symbolic labels.
//
//	b := NewBuilder("ifelse")
//	b.Tid(1).AndI(2, 1, 1).Beqz(2, "even")
//	...
//	b.Label("even")
type Builder struct {
	name   string
	insts  []Inst
	labels map[string]int

	init   func(m Memory, g Geometry)
	expect func(tid int, g Geometry) int64

	err error
}

func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		labels: make(map[string]int),
	}
}

func (b *Builder) emit(in Inst) *Builder {
	b.insts = append(b.insts, in)
	return b
}

// Label names the next instruction.
func (b *Builder) Label(name string) *Builder {
	if _, ok := b.labels[name]; ok && b.err == nil {
		b.err = errors.New("kernel %v: duplicate label %q", b.name, name)
	}

	b.labels[name] = len(b.insts)

	return b
}

func (b *Builder) Init(f func(m Memory, g Geometry)) *Builder {
	b.init = f
	return b
}

func (b *Builder) Expect(f func(tid int, g Geometry) int64) *Builder {
	b.expect = f
	return b
}

func (b *Builder) Nop() *Builder { return b.emit(Inst{Op: OpNop}) }

func (b *Builder) MovI(rd uint8, imm int64) *Builder {
	return b.emit(Inst{Op: OpMovI, Rd: rd, Imm: imm})
}

func (b *Builder) Tid(rd uint8) *Builder   { return b.emit(Inst{Op: OpTid, Rd: rd}) }
func (b *Builder) CTid(rd uint8) *Builder  { return b.emit(Inst{Op: OpCTid, Rd: rd}) }
func (b *Builder) NCTid(rd uint8) *Builder { return b.emit(Inst{Op: OpNCTid, Rd: rd}) }

func (b *Builder) Add(rd, ra, rb uint8) *Builder {
	return b.emit(Inst{Op: OpAdd, Rd: rd, Ra: ra, Rb: rb})
}
func (b *Builder) Sub(rd, ra, rb uint8) *Builder {
	return b.emit(Inst{Op: OpSub, Rd: rd, Ra: ra, Rb: rb})
}
func (b *Builder) Mul(rd, ra, rb uint8) *Builder {
	return b.emit(Inst{Op: OpMul, Rd: rd, Ra: ra, Rb: rb})
}

func (b *Builder) AddI(rd, ra uint8, imm int64) *Builder {
	return b.emit(Inst{Op: OpAddI, Rd: rd, Ra: ra, Imm: imm})
}

func (b *Builder) AndI(rd, ra uint8, imm int64) *Builder {
	return b.emit(Inst{Op: OpAndI, Rd: rd, Ra: ra, Imm: imm})
}

func (b *Builder) ShlI(rd, ra uint8, imm int64) *Builder {
	return b.emit(Inst{Op: OpShlI, Rd: rd, Ra: ra, Imm: imm})
}

func (b *Builder) ShrI(rd, ra uint8, imm int64) *Builder {
	return b.emit(Inst{Op: OpShrI, Rd: rd, Ra: ra, Imm: imm})
}

func (b *Builder) Beqz(ra uint8, label string) *Builder {
	return b.emit(Inst{Op: OpBeqz, Ra: ra, label: label})
}

func (b *Builder) Bnez(ra uint8, label string) *Builder {
	return b.emit(Inst{Op: OpBnez, Ra: ra, label: label})
}

func (b *Builder) Blt(ra, rb uint8, label string) *Builder {
	return b.emit(Inst{Op: OpBlt, Ra: ra, Rb: rb, label: label})
}

func (b *Builder) Jmp(label string) *Builder  { return b.emit(Inst{Op: OpJmp, label: label}) }
func (b *Builder) Call(label string) *Builder { return b.emit(Inst{Op: OpCall, label: label}) }

func (b *Builder) Ret() *Builder  { return b.emit(Inst{Op: OpRet}) }
func (b *Builder) Bar() *Builder  { return b.emit(Inst{Op: OpBar}) }
func (b *Builder) Exit() *Builder { return b.emit(Inst{Op: OpExit}) }

func (b *Builder) Ld(rd, ra uint8, off int64) *Builder {
	return b.emit(Inst{Op: OpLd, Rd: rd, Ra: ra, Imm: off})
}

func (b *Builder) St(ra uint8, off int64, rb uint8) *Builder {
	return b.emit(Inst{Op: OpSt, Ra: ra, Rb: rb, Imm: off})
}

// Build resolves labels and computes reconvergence hints.
func (b *Builder) Build() (*Program, error) {
	if b.err != nil {
		return nil, b.err
	}

	insts := make([]Inst, len(b.insts))

	for i, in := range b.insts {
		if in.Op.HasTarget() {
			t, ok := b.labels[in.label]
			if !ok {
				return nil, errors.New("kernel %v: inst %d (%v): undefined label %q", b.name, i, in.Op, in.label)
			}

			in.Target = t
			in.label = ""
		}

		insts[i] = in
	}

	p := &Program{
		Name:   b.name,
		Base:   DefaultBase,
		Insts:  insts,
		Init:   b.init,
		Expect: b.expect,
	}

	if err := p.analyze(); err != nil {
		return nil, err
	}

	return p, nil
}
