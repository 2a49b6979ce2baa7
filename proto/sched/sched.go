// ════════════════════════════════════════════════════════════════════════════════════════════════
// SUPRAX SIMT Warp Scheduler - Ready Bitmap + Loose Round-Robin Issue
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// Each cycle the core reports which warps could issue. The scheduler reduces
// that to one 32-bit ready bitmap, splits it into two priority tiers and picks
// up to IssueWidth warps.
//
// PIPELINE STRUCTURE:
// ───────────────────
// Stage 0: ComputeReadyBitmap + ClassifyPriority (combinational)
// Stage 1: SelectIssueBundle (rotating priority encoder)
//
// PRIORITY TIERS:
// ───────────────
// High: ready warps whose active split covers every live lane. Running them
//       keeps SIMD efficiency up.
// Low:  ready warps that are currently split.
//
// Inside a tier selection is loose round-robin: the search starts just after
// the last warp that issued, so no ready warp waits more than NumWarps rounds.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sched

import (
	"math/bits"
)

const (
	// MaxWarps is the width of the ready bitmap.
	MaxWarps = 32

	// MaxIssueWidth is the number of issue slots in a bundle.
	MaxIssueWidth = 16
)

// WarpState is what the core tells the scheduler about one warp.
type WarpState struct {
	Valid       bool // warp has lanes left
	Schedulable bool // divergence unit allows issue
	Waiting     bool // stalled on memory or a barrier
	Converged   bool // active split holds every live lane
}

// PriorityClass splits the ready bitmap into two tiers.
type PriorityClass struct {
	HighPriority uint32
	LowPriority  uint32
}

// IssueBundle lists the warps picked this cycle in issue order.
type IssueBundle struct {
	Indices [MaxIssueWidth]uint8
	Valid   uint16
}

// Count is the number of filled slots.
func (b IssueBundle) Count() int { return bits.OnesCount16(b.Valid) }

// Warps returns the selected warp ids in slot order.
func (b IssueBundle) Warps() []int {
	out := make([]int, 0, b.Count())

	for i := 0; i < MaxIssueWidth; i++ {
		if (b.Valid>>i)&1 != 0 {
			out = append(out, int(b.Indices[i]))
		}
	}

	return out
}

// Stats counts scheduler decisions.
type Stats struct {
	Cycles      uint64
	IdleCycles  uint64
	Issued      uint64
	HighIssued  uint64
	FullBundles uint64
}

type Scheduler struct {
	numWarps int
	width    int
	last     int // warp issued most recently

	stats Stats
}

// New builds a scheduler for numWarps warps issuing up to width per cycle.
func New(numWarps, width int) *Scheduler {
	if numWarps > MaxWarps {
		numWarps = MaxWarps
	}
	if width > MaxIssueWidth {
		width = MaxIssueWidth
	}
	if width < 1 {
		width = 1
	}

	return &Scheduler{
		numWarps: numWarps,
		width:    width,
		last:     numWarps - 1,
	}
}

func (s *Scheduler) Width() int { return s.width }

func (s *Scheduler) Stats() Stats { return s.stats }

func (s *Scheduler) Reset() {
	s.last = s.numWarps - 1
	s.stats = Stats{}
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// STAGE 0
// ════════════════════════════════════════════════════════════════════════════════════════════════

// ComputeReadyBitmap sets bit w for every warp that can issue.
func ComputeReadyBitmap(warps []WarpState) uint32 {
	var ready uint32

	for i, w := range warps {
		if i >= MaxWarps {
			break
		}

		if w.Valid && w.Schedulable && !w.Waiting {
			ready |= 1 << i
		}
	}

	return ready
}

// ClassifyPriority puts converged ready warps in the high tier.
func ClassifyPriority(ready uint32, warps []WarpState) PriorityClass {
	var high, low uint32

	for i := 0; i < len(warps) && i < MaxWarps; i++ {
		if (ready>>i)&1 == 0 {
			continue
		}

		if warps[i].Converged {
			high |= 1 << i
		} else {
			low |= 1 << i
		}
	}

	return PriorityClass{
		HighPriority: high,
		LowPriority:  low,
	}
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// STAGE 1
// ════════════════════════════════════════════════════════════════════════════════════════════════

// rotate renumbers bitmap so that warp start becomes bit 0.
//
//go:inline
func rotate(bitmap uint32, start, n int) uint32 {
	if n == MaxWarps {
		return bits.RotateLeft32(bitmap, -start)
	}

	full := uint32(1)<<n - 1
	bitmap &= full

	return (bitmap>>start | bitmap<<(n-start)) & full
}

// SelectIssueBundle fills the bundle from the high tier first, then the low
// tier, each in round-robin order after the last issued warp.
func (s *Scheduler) SelectIssueBundle(p PriorityClass) IssueBundle {
	var bundle IssueBundle

	s.stats.Cycles++

	start := (s.last + 1) % s.numWarps
	count := 0
	last := s.last

	for tier, bitmap := range [2]uint32{p.HighPriority, p.LowPriority} {
		remaining := rotate(bitmap, start, s.numWarps)

		for count < s.width && remaining != 0 {
			off := bits.TrailingZeros32(remaining)
			w := (start + off) % s.numWarps

			bundle.Indices[count] = uint8(w)
			bundle.Valid |= 1 << count
			count++
			last = w

			if tier == 0 {
				s.stats.HighIssued++
			}

			remaining &^= 1 << off
		}
	}

	s.last = last
	s.stats.Issued += uint64(count)

	switch count {
	case 0:
		s.stats.IdleCycles++
	case s.width:
		s.stats.FullBundles++
	}

	return bundle
}

// Select runs both stages for one cycle.
func (s *Scheduler) Select(warps []WarpState) IssueBundle {
	ready := ComputeReadyBitmap(warps)

	return s.SelectIssueBundle(ClassifyPriority(ready, warps))
}
