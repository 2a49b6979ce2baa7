// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SUPRAX SIMT Divergence Tables - Split/Reconvergence Orchestrator
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// Tables replaces the reconvergence stack with two tables per warp: splits
// that can be scheduled independently and reconvergence points that collect
// them again. Any split of a warp may run while another is stalled.
//
// UPDATE:
// ───────
// After the active split executes one instruction its live lanes are grouped
// by next PC (at most two groups, not-taken first) and each group is routed:
//
//   CALL            caller split replaced by a Call split one level deeper
//   RET             Call split replaced by the caller context, or arrives at
//                   the caller's reconvergence point when it returns onto it
//   at split RPC    arrives at the split's reconvergence row
//   first of two    opens a reconvergence row at the post-dominator
//   at new RPC      arrives at the new row
//   diverged        becomes a new Normal split
//   uniform         moves the active split; a taken jump rotates the FIFO
//
// The active split is invalidated at most once, on the first group that needs
// it gone.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package tables

import (
	"tlog.app/go/tlog"

	"github.com/maemowong/suprax-simt/proto/fault"
	"github.com/maemowong/suprax-simt/proto/isa"
	"github.com/maemowong/suprax-simt/proto/mask"
	"github.com/maemowong/suprax-simt/proto/memsys"
	"github.com/maemowong/suprax-simt/proto/stack"
)

const tablesName = "divergence-tables"

// Config sizes one warp's tables.
type Config struct {
	WarpSize                 int
	MaxSplitsPhysical        int
	MaxReconvergencePhysical int
	Layout                   memsys.Layout
}

func DefaultConfig(warpSize int) Config {
	return Config{
		WarpSize:                 warpSize,
		MaxSplitsPhysical:        MaxSplitEntries - 1,
		MaxReconvergencePhysical: MaxRecEntries,
		Layout:                   memsys.DefaultLayout(warpSize),
	}
}

// Stats counts orchestrator events.
type Stats struct {
	Updates        uint64
	Divergences    uint64
	Reconvergences uint64
	Suspended      uint64
	Calls          uint64
	Returns        uint64
	Exits          uint64
	Barriers       uint64
}

type Tables struct {
	warp int
	cfg  Config

	splits *SplitsTable
	rec    *ReconvergenceTable

	trace tlog.Span
	stats Stats
}

func New(warp int, cfg Config, pipe memsys.Pipeline) *Tables {
	d := &Tables{
		warp: warp,
		cfg:  cfg,
	}

	d.splits = NewSplitsTable(warp, cfg.MaxSplitsPhysical, cfg.Layout, pipe)
	d.rec = NewReconvergenceTable(warp, cfg.MaxReconvergencePhysical, cfg.Layout, pipe, d)

	return d
}

func (d *Tables) Warp() int { return d.warp }

func (d *Tables) Splits() *SplitsTable { return d.splits }

func (d *Tables) Reconvergence() *ReconvergenceTable { return d.rec }

func (d *Tables) Stats() Stats { return d.stats }

// SetTrace routes update, virtualization and reconvergence events to tr.
func (d *Tables) SetTrace(tr tlog.Span) {
	d.trace = tr
	d.splits.SetTrace(tr)
	d.rec.SetTrace(tr)
}

func (d *Tables) Reset() {
	d.splits.Reset()
	d.rec.Reset()
}

// Launch starts the warp at pc with one Call split covering active.
func (d *Tables) Launch(pc uint64, active mask.Mask, cycle uint64) {
	d.rec.Reset()
	d.splits.Launch(pc, active, cycle)
}

// Host implementation for the reconvergence table.

func (d *Tables) InsertSTEntry(e SplitEntry, cycle uint64) int {
	return d.splits.InsertNewEntry(e, true, cycle)
}

func (d *Tables) STSpaceAvailable() bool { return d.splits.SpaceAvailable() }

func (d *Tables) PendingSplitInsert() bool { return d.splits.HasPendingInsert() }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SCHEDULER-FACING QUERIES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Valid reports whether the warp still has lanes to run: a live split, a
// parked insert, a buffered arrival, or lanes waiting at a reconvergence row.
func (d *Tables) Valid() bool {
	return d.splits.NumValid() != 0 ||
		d.splits.HasPendingInsert() ||
		d.rec.HasPendingUpdate() ||
		d.rec.Waiting()
}

func (d *Tables) ActiveMask() mask.Mask { return d.splits.ActiveMask() }

func (d *Tables) PC() uint64 { return d.splits.PC() }

func (d *Tables) ReconvergePC() uint64 { return d.splits.ReconvergePC() }

func (d *Tables) Blocked() bool { return d.splits.IsBlocked() }

// Virtualized reports whether the active split is not resident.
func (d *Tables) Virtualized() bool {
	e, ok := d.splits.Active()
	return ok && (e.Virtual || e.Transient)
}

// PendingReconvergence reports a promotion that has not reached the
// SplitsTable yet.
func (d *Tables) PendingReconvergence() bool {
	return d.splits.HasPendingInsert() || d.rec.HasPendingUpdate()
}

// Issue pins the active split until its Update, so background spills from
// Cycle or CheckTimeout never pick it while a memory instruction is out.
func (d *Tables) Issue(cycle uint64) { d.splits.Issue() }

// Schedulable reports whether the active split may issue this cycle.
func (d *Tables) Schedulable() bool {
	e, ok := d.splits.Active()
	if !ok || e.Blocked || e.Virtual || e.Transient {
		return false
	}

	if d.PendingReconvergence() {
		return false
	}

	return d.splits.CanAbsorbDivergence() && d.rec.CanAbsorbDivergence()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// UPDATE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Update folds one executed instruction of the active split into the tables.
func (d *Tables) Update(cycle uint64, step isa.Step) isa.Outcome {
	var out isa.Outcome

	st := d.splits
	id := st.ActiveID()

	top, ok := st.Active()
	if !ok || top.Virtual || top.Transient || top.Blocked {
		fault.Invariant(d.warp, tablesName, id, "update without a schedulable split")
	}

	fault.Assert(top.PC == step.PC, d.warp, tablesName, id, "update for pc 0x%x but active split is at 0x%x", step.PC, top.PC)

	st.Retire()

	paths := stack.Partition(top.Active, step.Done, step.NextPC, step.FallThrough())

	fault.Assert(len(paths) <= stack.MaxDivergentPaths, d.warp, tablesName, id, "%d divergent paths at pc 0x%x", len(paths), step.PC)

	d.stats.Updates++

	if d.trace.If("update") {
		d.trace.Printw("update", "warp", d.warp, "entry", id, "pc", step.PC, "op", step.Op, "mask", top.Active, "done", step.Done, "paths", len(paths), "rpc", pcOrNone(top.ReconvergePC), "cycle", cycle)
	}

	if len(paths) == 0 {
		st.Invalidate()
		st.UpdateActiveEntry(cycle)

		out.WarpAtBarrier = st.AllBlocked()
		d.stats.Exits++

		return out
	}

	switch step.Op {
	case isa.OpCall:
		fault.Assert(len(paths) == 1, d.warp, tablesName, id, "divergent call at pc 0x%x", step.PC)

		d.call(cycle, top, paths[0])

		return out

	case isa.OpRet:
		fault.Assert(len(paths) == 1, d.warp, tablesName, id, "divergent return at pc 0x%x", step.PC)

		d.ret(cycle, top, paths[0], &out)

		return out
	}

	invalidated := false
	invalidate := func() {
		if !invalidated {
			st.Invalidate()
			invalidated = true
		}
	}

	directRPC := top.Type != Call

	// Lanes that will meet again at a new reconvergence row.
	var expected mask.Mask
	for _, p := range paths {
		if !(directRPC && p.PC == top.ReconvergePC) {
			expected = expected.Or(p.Mask)
		}
	}

	newRPC := isa.NoPC
	newEntry := NoEntry
	opened := false

	for _, p := range paths {
		if directRPC && p.PC == top.ReconvergePC {
			invalidate()
			d.arrive(top.ReconvergeEntry, top.ReconvergePC, p.Mask, cycle, &out)

			continue
		}

		if len(paths) > 1 && !out.Diverged {
			out.Diverged = true
			newRPC = step.ReconvergePC

			if newRPC == isa.NoPC {
				newRPC = top.ReconvergePC
			}

			if newRPC != top.ReconvergePC {
				newEntry = d.rec.InsertNewEntry(RecEntry{
					PC:              newRPC,
					Active:          expected,
					ReconvergePC:    top.ReconvergePC,
					ReconvergeEntry: top.ReconvergeEntry,
					Type:            top.Type,
					CallDepth:       top.CallDepth,
					CallerTypes:     top.CallerTypes,
				}, cycle)
				opened = true
			} else {
				newEntry = top.ReconvergeEntry
			}
		}

		if out.Diverged && opened && p.PC == newRPC {
			invalidate()
			d.arrive(newEntry, newRPC, p.Mask, cycle, &out)

			continue
		}

		if out.Diverged {
			invalidate()

			e := SplitEntry{
				PC:              p.PC,
				Active:          p.Mask,
				ReconvergePC:    newRPC,
				ReconvergeEntry: newEntry,
				Type:            Normal,
				CallDepth:       top.CallDepth,
				CallerTypes:     top.CallerTypes,
				BranchDivCycle:  cycle,
			}

			if !opened {
				e.Type = top.Type
			}

			d.insert(e, cycle)

			continue
		}

		// Uniform.
		st.SetActivePC(p.PC)

		if p.PC != step.FallThrough() {
			st.PushBack(cycle)
		}
	}

	if invalidated {
		st.UpdateActiveEntry(cycle)

		out.WarpAtBarrier = st.AllBlocked()
	}

	if out.Diverged {
		d.stats.Divergences++
	}

	return out
}

// call replaces the caller with a Call split one level deeper. The caller's
// reconvergence context travels with the callee and comes back on return.
func (d *Tables) call(cycle uint64, top SplitEntry, p stack.Path) {
	fault.Assert(top.CallDepth < 32, d.warp, tablesName, d.splits.ActiveID(), "call depth overflow")

	callers := top.CallerTypes &^ (1 << top.CallDepth)
	if top.Type == Call {
		callers |= 1 << top.CallDepth
	}

	d.splits.Invalidate()
	d.insert(SplitEntry{
		PC:              p.PC,
		Active:          p.Mask,
		ReconvergePC:    top.ReconvergePC,
		ReconvergeEntry: top.ReconvergeEntry,
		Type:            Call,
		CallDepth:       top.CallDepth + 1,
		CallerTypes:     callers,
		BranchDivCycle:  cycle,
	}, cycle)
	d.splits.UpdateActiveEntry(cycle)

	d.stats.Calls++
}

// ret restores the caller context. Returning onto the caller's own
// reconvergence point counts as arriving there.
func (d *Tables) ret(cycle uint64, top SplitEntry, p stack.Path, out *isa.Outcome) {
	id := d.splits.ActiveID()

	fault.Assert(top.Type == Call, d.warp, tablesName, id, "return from a %v split at pc 0x%x", top.Type, top.PC)
	fault.Assert(top.CallDepth > 0, d.warp, tablesName, id, "return past the kernel entry at pc 0x%x", top.PC)

	depth := top.CallDepth - 1

	typ := Normal
	if top.CallerTypes&(1<<depth) != 0 {
		typ = Call
	}

	d.splits.Invalidate()

	if typ != Call && p.PC == top.ReconvergePC {
		d.arrive(top.ReconvergeEntry, top.ReconvergePC, p.Mask, cycle, out)
	} else {
		d.insert(SplitEntry{
			PC:              p.PC,
			Active:          p.Mask,
			ReconvergePC:    top.ReconvergePC,
			ReconvergeEntry: top.ReconvergeEntry,
			Type:            typ,
			CallDepth:       depth,
			CallerTypes:     top.CallerTypes &^ (1 << depth),
			BranchDivCycle:  top.BranchDivCycle,
		}, cycle)
	}

	d.splits.UpdateActiveEntry(cycle)

	out.WarpAtBarrier = d.splits.AllBlocked()
	d.stats.Returns++
}

func (d *Tables) insert(e SplitEntry, cycle uint64) {
	if id := d.splits.InsertNewEntry(e, false, cycle); id == NoEntry {
		fault.Invariant(d.warp, tablesName, NoEntry, "no room for split at pc 0x%x", e.PC)
	}
}

func (d *Tables) arrive(entry int, pc uint64, lanes mask.Mask, cycle uint64, out *isa.Outcome) {
	if entry == NoEntry {
		fault.Invariant(d.warp, tablesName, NoEntry, "lanes %v reached pc 0x%x without a reconvergence row", lanes, pc)
	}

	reconverged, suspended := d.rec.UpdatePendingMask(entry, pc, lanes, cycle)

	if reconverged {
		out.Reconverged = true
		d.stats.Reconvergences++
	}
	if suspended {
		d.stats.Suspended++
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CYCLE / TIMEOUT / BARRIER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Cycle advances both tables. Reconvergence goes first so that a promotion
// is visible to the SplitsTable in the same cycle.
func (d *Tables) Cycle(cycle uint64) {
	d.rec.Cycle(cycle)
	d.splits.Cycle(cycle)
}

// CheckTimeout runs the reconvergence timeout sweep.
func (d *Tables) CheckTimeout(cycle, threshold uint64) int {
	return d.rec.CheckTimeOut(cycle, threshold)
}

// ReachBarrier blocks the active split at pc. Unless the whole warp is now
// blocked, the next split takes over.
func (d *Tables) ReachBarrier(cycle, pc uint64) bool {
	all := d.splits.SplitReachesBarrier(pc)
	if !all {
		d.splits.PushBack(cycle)
	}

	d.stats.Barriers++

	return all
}

// ReleaseBarrier unblocks every split.
func (d *Tables) ReleaseBarrier() {
	d.splits.ReleaseBarrier()
}
