package kernel

import (
	"sort"

	"tlog.app/go/errors"
)

const (
	// OutBase is where thread tid stores its result, one word per thread.
	OutBase = 0x10_0000

	// InBase holds kernel input, one word per thread.
	InBase = 0x20_0000
)

// OutAddr is the output slot of thread tid.
func OutAddr(tid int) uint64 { return OutBase + uint64(tid)*WordSize }

// InAddr is the input slot of thread tid.
func InAddr(tid int) uint64 { return InBase + uint64(tid)*WordSize }

// Register conventions shared by the builtin kernels.
const (
	rTid  = 1
	rAddr = 13
	rBase = 14
)

// storeOut stores reg to the output slot of the current thread.
func storeOut(b *Builder, reg uint8) *Builder {
	return b.
		MovI(rBase, OutBase).
		ShlI(rAddr, rTid, 3).
		Add(rAddr, rAddr, rBase).
		St(rAddr, 0, reg)
}

var builtins = map[string]func() *Builder{
	"ifelse":    ifElse,
	"loop":      loop,
	"nested":    nested,
	"call":      call,
	"barrier":   barrier,
	"collatz":   collatz,
	"earlyexit": earlyExit,
}

// Builtins lists the builtin kernel names.
func Builtins() []string {
	names := make([]string, 0, len(builtins))

	for n := range builtins {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

// Builtin assembles the named builtin kernel.
func Builtin(name string) (*Program, error) {
	f, ok := builtins[name]
	if !ok {
		return nil, errors.New("unknown kernel %q (have %v)", name, Builtins())
	}

	return f().Build()
}

// ifElse: odd lanes and even lanes compute different values and join.
func ifElse() *Builder {
	b := NewBuilder("ifelse")

	b.Tid(rTid).
		AndI(2, rTid, 1).
		Beqz(2, "even").
		MovI(3, 3).
		Mul(4, rTid, 3).
		Jmp("join")

	b.Label("even").
		AddI(4, rTid, 100)

	b.Label("join")
	storeOut(b, 4).Exit()

	return b.Expect(func(tid int, _ Geometry) int64 {
		if tid&1 != 0 {
			return int64(tid) * 3
		}

		return int64(tid) + 100
	})
}

// loop: every lane runs tid%8 iterations.
func loop() *Builder {
	b := NewBuilder("loop")

	b.Tid(rTid).
		AndI(2, rTid, 7).
		MovI(3, 0)

	b.Label("head").
		Beqz(2, "done").
		Add(3, 3, rTid).
		AddI(2, 2, -1).
		Jmp("head")

	b.Label("done")
	storeOut(b, 3).Exit()

	return b.Expect(func(tid int, _ Geometry) int64 {
		return int64(tid&7) * int64(tid)
	})
}

// nested: a second divergent branch inside the odd path.
func nested() *Builder {
	b := NewBuilder("nested")

	b.Tid(rTid).
		AndI(2, rTid, 1).
		Beqz(2, "even").
		AndI(3, rTid, 2).
		Beqz(3, "odd_a").
		MovI(4, 1).
		Jmp("odd_join")

	b.Label("odd_a").
		MovI(4, 2)

	b.Label("odd_join").
		AddI(4, 4, 10).
		Jmp("join")

	b.Label("even").
		MovI(4, 20)

	b.Label("join").
		Add(4, 4, rTid)
	storeOut(b, 4).Exit()

	return b.Expect(func(tid int, _ Geometry) int64 {
		v := int64(20)

		if tid&1 != 0 {
			v = 11
			if tid&2 == 0 {
				v = 12
			}
		}

		return v + int64(tid)
	})
}

// call: both sides of a branch call a function that diverges internally.
func call() *Builder {
	b := NewBuilder("call")

	b.Tid(rTid).
		AndI(2, rTid, 1).
		Beqz(2, "even").
		AddI(8, rTid, 0).
		Call("scale").
		AddI(4, 9, 1).
		Jmp("join")

	b.Label("even").
		MovI(10, 2).
		Mul(8, rTid, 10).
		Call("scale").
		AddI(4, 9, 0)

	b.Label("join")
	storeOut(b, 4).Exit()

	b.Label("scale").
		AndI(11, 8, 4).
		Beqz(11, "small").
		AddI(9, 8, 1000).
		Jmp("scale_ret")

	b.Label("small").
		AddI(9, 8, 2000)

	b.Label("scale_ret").
		Ret()

	return b.Expect(func(tid int, _ Geometry) int64 {
		x := int64(tid)
		if tid&1 == 0 {
			x *= 2
		}

		s := x + 2000
		if x&4 != 0 {
			s = x + 1000
		}

		if tid&1 != 0 {
			s++
		}

		return s
	})
}

// barrier: every thread publishes a value, then reads its mirror inside the
// CTA. The second barrier keeps the overwrite from racing the reads.
func barrier() *Builder {
	b := NewBuilder("barrier")

	b.Tid(rTid).
		MovI(3, 7).
		Mul(2, rTid, 3)
	storeOut(b, 2).
		Bar()

	// mirror = tid - ctid + (nctid - 1 - ctid)
	b.CTid(4).
		NCTid(5).
		Sub(6, rTid, 4).
		Add(6, 6, 5).
		AddI(6, 6, -1).
		Sub(6, 6, 4).
		ShlI(7, 6, 3).
		Add(7, 7, rBase).
		Ld(8, 7, 0).
		Bar().
		AddI(8, 8, 1)
	storeOut(b, 8).Exit()

	return b.Expect(func(tid int, g Geometry) int64 {
		warp := tid / g.WarpSize
		base := warp / g.WarpsPerCTA * g.WarpsPerCTA * g.WarpSize
		ctid := tid - base
		mirror := base + g.CTAThreads(warp) - 1 - ctid

		return int64(mirror)*7 + 1
	})
}

// collatz counts Collatz steps of in[tid]: a data-dependent loop with a
// divergent body.
func collatz() *Builder {
	b := NewBuilder("collatz")

	b.Tid(rTid).
		MovI(rBase, InBase).
		ShlI(rAddr, rTid, 3).
		Add(rAddr, rAddr, rBase).
		Ld(2, rAddr, 0).
		MovI(3, 0).
		MovI(6, 3)

	b.Label("head").
		AddI(4, 2, -1).
		Beqz(4, "done").
		AndI(5, 2, 1).
		Beqz(5, "even").
		Mul(2, 2, 6).
		AddI(2, 2, 1).
		Jmp("next")

	b.Label("even").
		ShrI(2, 2, 1)

	b.Label("next").
		AddI(3, 3, 1).
		Jmp("head")

	b.Label("done")
	storeOut(b, 3).Exit()

	return b.
		Init(func(m Memory, g Geometry) {
			for tid := 0; tid < g.Threads(); tid++ {
				m.Store(InAddr(tid), int64(tid%64+1))
			}
		}).
		Expect(func(tid int, _ Geometry) int64 {
			return CollatzSteps(int64(tid%64 + 1))
		})
}

// CollatzSteps is the number of Collatz steps from x down to 1.
func CollatzSteps(x int64) int64 {
	var n int64

	for x != 1 {
		if x&1 != 0 {
			x = 3*x + 1
		} else {
			x >>= 1
		}

		n++
	}

	return n
}

// earlyExit: a quarter of the lanes exit inside the odd path.
func earlyExit() *Builder {
	b := NewBuilder("earlyexit")

	b.Tid(rTid).
		AndI(2, rTid, 1).
		Beqz(2, "even").
		AndI(3, rTid, 2).
		Beqz(3, "stay").
		MovI(4, -1)
	storeOut(b, 4).
		Exit()

	b.Label("stay").
		MovI(4, 5).
		Jmp("join")

	b.Label("even").
		MovI(4, 6)

	b.Label("join").
		Add(4, 4, rTid)
	storeOut(b, 4).Exit()

	return b.Expect(func(tid int, _ Geometry) int64 {
		switch {
		case tid&3 == 3:
			return -1
		case tid&1 != 0:
			return 5 + int64(tid)
		default:
			return 6 + int64(tid)
		}
	})
}
