// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SUPRAX SIMT Barrier Unit - CTA-Wide Synchronization
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// Warps are grouped into CTAs of WarpsPerCTA consecutive warps. A warp arrives
// at the barrier once every lane it still has is parked there. The CTA is
// released when the set of waiting warps equals the set of live warps.
//
// STATE PER CTA:
// ──────────────
//
//	live     bit i set while warp i of the CTA has not exited
//	waiting  bit i set while warp i of the CTA is parked at the barrier
//
// An exiting warp can complete a barrier its siblings are already waiting on,
// so WarpExits reports completion the same way WarpReachesBarrier does.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package barrier

import (
	"github.com/maemowong/suprax-simt/proto/fault"
	"github.com/maemowong/suprax-simt/proto/mask"
)

const unitName = "barrier-unit"

// MaxWarpsPerCTA is bounded by the width of the per-CTA bitmaps.
const MaxWarpsPerCTA = mask.MaxLanes

type cta struct {
	live    mask.Mask
	waiting mask.Mask
}

// Stats counts barrier activity.
type Stats struct {
	Arrivals uint64
	Releases uint64
}

type Unit struct {
	warpsPerCTA int
	ctas        []cta
	stats       Stats
}

// New builds a unit for numWarps warps. The last CTA may be partial.
func New(numWarps, warpsPerCTA int) *Unit {
	fault.Assert(warpsPerCTA > 0 && warpsPerCTA <= MaxWarpsPerCTA, fault.NoEntry, unitName, fault.NoEntry,
		"warps per cta %d out of range", warpsPerCTA)

	n := (numWarps + warpsPerCTA - 1) / warpsPerCTA

	return &Unit{
		warpsPerCTA: warpsPerCTA,
		ctas:        make([]cta, n),
	}
}

func (u *Unit) NumCTAs() int { return len(u.ctas) }

func (u *Unit) Stats() Stats { return u.stats }

// CTA splits a global warp id into its CTA and its index inside the CTA.
//
//go:inline
func (u *Unit) CTA(warp int) (id, local int) {
	return warp / u.warpsPerCTA, warp % u.warpsPerCTA
}

// Warp is the inverse of CTA.
func (u *Unit) Warp(id, local int) int { return id*u.warpsPerCTA + local }

// Launch marks warp live.
func (u *Unit) Launch(warp int) {
	id, l := u.CTA(warp)

	u.ctas[id].live.Set(l)
	u.ctas[id].waiting.Clear(l)
}

// WarpReachesBarrier parks warp local of CTA id and reports whether the
// whole CTA is now waiting.
func (u *Unit) WarpReachesBarrier(id, local int) bool {
	c := &u.ctas[id]

	fault.Assert(c.live.Test(local), u.Warp(id, local), unitName, id, "exited warp reached the barrier")
	fault.Assert(!c.waiting.Test(local), u.Warp(id, local), unitName, id, "warp reached the barrier twice")

	c.waiting.Set(local)
	u.stats.Arrivals++

	return u.Complete(id)
}

// WarpExits drops warp from its CTA and reports whether the warps left are
// all waiting.
func (u *Unit) WarpExits(warp int) (id int, complete bool) {
	id, l := u.CTA(warp)
	c := &u.ctas[id]

	c.live.Clear(l)
	c.waiting.Clear(l)

	return id, u.Complete(id)
}

// WarpsCountAtBarrier is the number of warps of CTA id parked at the barrier.
func (u *Unit) WarpsCountAtBarrier(id int) int { return u.ctas[id].waiting.Count() }

// Waiting is the set of parked warps of CTA id, by local index.
func (u *Unit) Waiting(id int) mask.Mask { return u.ctas[id].waiting }

// Live is the set of warps of CTA id that have not exited.
func (u *Unit) Live(id int) mask.Mask { return u.ctas[id].live }

// Complete reports whether every live warp of CTA id is waiting.
func (u *Unit) Complete(id int) bool {
	c := u.ctas[id]
	return c.waiting.Any() && c.waiting == c.live
}

// ReleaseBarrier unparks one warp.
func (u *Unit) ReleaseBarrier(warp int) {
	id, l := u.CTA(warp)
	u.ctas[id].waiting.Clear(l)
}

// Release unparks every warp of CTA id and returns them as global warp ids.
func (u *Unit) Release(id int) []int {
	c := &u.ctas[id]

	var out []int

	c.waiting.Range(func(l int) bool {
		out = append(out, u.Warp(id, l))
		return true
	})

	c.waiting = 0
	u.stats.Releases++

	return out
}
