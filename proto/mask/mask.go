// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SUPRAX SIMT Active Mask
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// One bit per SIMT lane. Bit N = 1 means lane N participates in the current
// instruction. Every divergence structure (stack frames, split entries,
// reconvergence entries) carries one of these.
//
// Hardware: 32 flip-flops per mask, popcount tree for Count, priority encoder
// for First/Last.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package mask

import (
	"math/bits"
	"strconv"
	"strings"

	"tlog.app/go/tlog/tlwire"
)

// MaxLanes is the widest warp a Mask can describe.
const MaxLanes = 32

// Mask is a fixed-width lane bitset. Value semantics: every operation returns a
// new Mask, the receiver is never modified except by the pointer methods.
type Mask uint32

// Full returns a mask with the low n lanes set.
func Full(n int) Mask {
	if n >= MaxLanes {
		return ^Mask(0)
	}
	if n <= 0 {
		return 0
	}

	return Mask(1)<<n - 1
}

// Of builds a mask from lane indices.
func Of(lanes ...int) Mask {
	var m Mask

	for _, l := range lanes {
		m.Set(l)
	}

	return m
}

//go:inline
func (m *Mask) Set(lane int) { *m |= 1 << lane }

//go:inline
func (m *Mask) Clear(lane int) { *m &^= 1 << lane }

//go:inline
func (m Mask) Test(lane int) bool { return (m>>lane)&1 != 0 }

// Count returns the number of active lanes.
//
//go:inline
func (m Mask) Count() int { return bits.OnesCount32(uint32(m)) }

//go:inline
func (m Mask) Any() bool { return m != 0 }

//go:inline
func (m Mask) None() bool { return m == 0 }

func (m Mask) And(x Mask) Mask    { return m & x }
func (m Mask) Or(x Mask) Mask     { return m | x }
func (m Mask) AndNot(x Mask) Mask { return m &^ x }

// SubsetOf reports whether every lane of m is also set in x.
func (m Mask) SubsetOf(x Mask) bool { return m&^x == 0 }

// First returns the lowest active lane, or -1.
func (m Mask) First() int {
	if m == 0 {
		return -1
	}

	return bits.TrailingZeros32(uint32(m))
}

// Last returns the highest active lane, or -1.
func (m Mask) Last() int {
	if m == 0 {
		return -1
	}

	return 31 - bits.LeadingZeros32(uint32(m))
}

// Range calls f for each active lane in ascending order until f returns false.
func (m Mask) Range(f func(lane int) bool) {
	for r := uint32(m); r != 0; r &= r - 1 {
		if !f(bits.TrailingZeros32(r)) {
			return
		}
	}
}

// Lanes returns the active lanes in ascending order.
func (m Mask) Lanes() []int {
	l := make([]int, 0, m.Count())

	m.Range(func(lane int) bool {
		l = append(l, lane)
		return true
	})

	return l
}

// Format renders the low width lanes as a binary string, lane 0 rightmost.
func (m Mask) Format(width int) string {
	if width <= 0 || width > MaxLanes {
		width = MaxLanes
	}

	s := strconv.FormatUint(uint64(m&Full(width)), 2)

	return strings.Repeat("0", width-len(s)) + s
}

func (m Mask) String() string {
	return "0b" + strconv.FormatUint(uint64(m), 2)
}

func (m Mask) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	return e.AppendString(b, m.String())
}
