// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SUPRAX SIMT Reconvergence Table - Waiting Points
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// One row per open reconvergence point. A row remembers which lanes are
// expected at its PC (Active) and which of them have not arrived yet
// (Pending). When Pending empties, the row is promoted: it is invalidated and
// a split with the merged mask is inserted into the SplitsTable.
//
// TIMEOUT:
// ────────
// A row older than the threshold that already holds some arrived lanes
// releases them early as their own split; the row keeps waiting for the rest
// with Active narrowed to Pending.
//
// VIRTUALIZATION:
// ───────────────
// Same protocol as the SplitsTable (one spill, one fill, latched response),
// with an LRU victim: the resident row with the oldest BranchRecCycle. A
// lane arrival at a virtual row is buffered, the row is filled, and the
// arrival is applied on commit. Only one arrival can be buffered.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package tables

import (
	"math/bits"

	"tlog.app/go/tlog"

	"github.com/maemowong/suprax-simt/proto/fault"
	"github.com/maemowong/suprax-simt/proto/isa"
	"github.com/maemowong/suprax-simt/proto/mask"
	"github.com/maemowong/suprax-simt/proto/memsys"
)

const (
	MaxRecEntries = 32

	recTable = "reconvergence-table"
)

// RecEntry is one row of the ReconvergenceTable.
type RecEntry struct {
	Valid     bool
	Virtual   bool
	Transient bool

	PC      uint64
	Active  mask.Mask
	Pending mask.Mask

	// Context of the split created on promotion.
	ReconvergePC    uint64
	ReconvergeEntry int
	Type            EntryType
	CallDepth       uint32
	CallerTypes     uint32

	BranchRecCycle uint64
}

// Arrived is the set of lanes already waiting at the row.
func (e *RecEntry) Arrived() mask.Mask { return e.Active.AndNot(e.Pending) }

// Host is the SplitsTable side of promotion.
type Host interface {
	// InsertSTEntry inserts a reconverged split; a full table may park it.
	InsertSTEntry(e SplitEntry, cycle uint64) int
	STSpaceAvailable() bool
	PendingSplitInsert() bool
}

// RecStats counts table activity.
type RecStats struct {
	Inserts          uint64
	Arrivals         uint64
	BufferedArrivals uint64
	Promotions       uint64
	DeferredPromos   uint64
	Timeouts         uint64
	TimedOutLanes    uint64
	Spills           uint64
	Fills            uint64
	SpillLatency     uint64
	FillLatency      uint64
	PortStalls       uint64
	LatencyStalls    uint64
	MaxValid         int
}

// pendingUpdate is an arrival waiting for its row: either the row is virtual
// (applied=false) or the arrival emptied Pending but promotion had to wait.
type pendingUpdate struct {
	entry    int
	arriving mask.Mask
	applied  bool
}

type ReconvergenceTable struct {
	warp        int
	maxPhysical int
	layout      memsys.Layout
	mem         memsys.Pipeline
	host        Host

	entries [MaxRecEntries]RecEntry
	valid   uint64
	free    []int

	numValid    int
	numPhysical int

	spill    *Request
	fill     *Request
	response *Request

	pending *pendingUpdate

	trace tlog.Span
	stats RecStats
}

func NewReconvergenceTable(warp, maxPhysical int, layout memsys.Layout, pipe memsys.Pipeline, host Host) *ReconvergenceTable {
	if maxPhysical <= 0 || maxPhysical > MaxRecEntries {
		fault.Invariant(warp, recTable, NoEntry, "physical capacity %d out of range [1, %d]", maxPhysical, MaxRecEntries)
	}

	t := &ReconvergenceTable{
		warp:        warp,
		maxPhysical: maxPhysical,
		layout:      layout,
		mem:         pipe,
		host:        host,
		free:        make([]int, 0, MaxRecEntries),
	}

	t.Reset()

	return t
}

func (t *ReconvergenceTable) SetTrace(tr tlog.Span) { t.trace = tr }

func (t *ReconvergenceTable) Reset() {
	t.entries = [MaxRecEntries]RecEntry{}
	t.valid = 0

	t.free = t.free[:0]
	for i := MaxRecEntries - 1; i >= 0; i-- {
		t.free = append(t.free, i)
	}

	t.numValid = 0
	t.numPhysical = 0
	t.spill, t.fill, t.response = nil, nil, nil
	t.pending = nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (t *ReconvergenceTable) NumValid() int    { return t.numValid }
func (t *ReconvergenceTable) NumPhysical() int { return t.numPhysical }
func (t *ReconvergenceTable) FreeRows() int    { return len(t.free) }
func (t *ReconvergenceTable) ValidBits() uint64 {
	return t.valid
}

func (t *ReconvergenceTable) Entry(id int) RecEntry { return t.entries[id] }

// HasPendingUpdate reports whether an arrival is buffered.
func (t *ReconvergenceTable) HasPendingUpdate() bool { return t.pending != nil }

// Waiting reports whether any row holds arrived lanes, which a promotion or a
// timeout will eventually release.
func (t *ReconvergenceTable) Waiting() bool {
	for v := t.valid; v != 0; v &= v - 1 {
		e := &t.entries[bits.TrailingZeros64(v)]

		if e.Arrived().Any() {
			return true
		}
	}

	return false
}

// CanAbsorbDivergence reports whether one more insert is guaranteed to fit.
func (t *ReconvergenceTable) CanAbsorbDivergence() bool {
	return t.numPhysical < t.maxPhysical || t.spill == nil
}

func (t *ReconvergenceTable) Busy() bool {
	return t.spill != nil || t.fill != nil || t.response != nil
}

func (t *ReconvergenceTable) Stats() RecStats { return t.stats }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// INSERT / ARRIVE / PROMOTE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// InsertNewEntry opens a reconvergence point at e.PC expecting e.Active. A
// full table must be able to spill.
func (t *ReconvergenceTable) InsertNewEntry(e RecEntry, cycle uint64) int {
	if t.numPhysical >= t.maxPhysical && !t.spillEntry(cycle) {
		fault.Invariant(t.warp, recTable, NoEntry, "table full with a spill in flight (pc 0x%x)", e.PC)
	}

	if len(t.free) == 0 {
		fault.Invariant(t.warp, recTable, NoEntry, "free stack underflow")
	}

	id := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	e.Valid = true
	e.Virtual = false
	e.Transient = false
	e.Pending = e.Active
	e.BranchRecCycle = cycle

	t.entries[id] = e
	t.valid |= 1 << id

	t.numValid++
	t.numPhysical++
	t.stats.Inserts++

	if t.numValid > t.stats.MaxValid {
		t.stats.MaxValid = t.numValid
	}

	return id
}

func (t *ReconvergenceTable) invalidate(id int) {
	t.entries[id] = RecEntry{}
	t.valid &^= 1 << id
	t.free = append(t.free, id)

	t.numValid--
	t.numPhysical--
}

// UpdatePendingMask records that arriving lanes reached row id at pc.
//
// A resident row clears them from Pending; an emptied row is promoted and
// reconverged is true. A virtual row buffers the arrival, starts its fill and
// reports suspended; Cycle finishes the job.
func (t *ReconvergenceTable) UpdatePendingMask(id int, pc uint64, arriving mask.Mask, cycle uint64) (reconverged, suspended bool) {
	if id < 0 || id >= MaxRecEntries || !t.entries[id].Valid {
		fault.Invariant(t.warp, recTable, id, "arrival at an invalid row (pc 0x%x)", pc)
	}

	e := &t.entries[id]

	fault.Assert(e.PC == pc, t.warp, recTable, id, "arrival at pc 0x%x for a row waiting at 0x%x", pc, e.PC)

	t.stats.Arrivals++

	if e.Virtual {
		if t.pending != nil {
			fault.Invariant(t.warp, recTable, id, "second buffered arrival (row %d already pending)", t.pending.entry)
		}

		t.pending = &pendingUpdate{entry: id, arriving: arriving}
		t.stats.BufferedArrivals++

		if !e.Transient {
			t.fillEntry(id, cycle)
		}

		return false, true
	}

	e.Pending = e.Pending.AndNot(arriving)

	if e.Pending.Any() {
		return false, false
	}

	if !t.canPromote() {
		if t.pending != nil {
			fault.Invariant(t.warp, recTable, id, "second buffered arrival (row %d already pending)", t.pending.entry)
		}

		t.pending = &pendingUpdate{entry: id, arriving: arriving, applied: true}
		t.stats.DeferredPromos++

		return false, true
	}

	t.promote(id, cycle)

	return true, false
}

func (t *ReconvergenceTable) canPromote() bool {
	return !t.host.PendingSplitInsert() || t.host.STSpaceAvailable()
}

func (t *ReconvergenceTable) promote(id int, cycle uint64) {
	e := t.entries[id]

	t.invalidate(id)

	t.host.InsertSTEntry(SplitEntry{
		PC:              e.PC,
		Active:          e.Active,
		ReconvergePC:    e.ReconvergePC,
		ReconvergeEntry: e.ReconvergeEntry,
		Type:            e.Type,
		CallDepth:       e.CallDepth,
		CallerTypes:     e.CallerTypes,
		BranchDivCycle:  cycle,
	}, cycle)

	t.stats.Promotions++

	if t.trace.If("reconverge") {
		t.trace.Printw("reconverged", "warp", t.warp, "entry", id, "pc", e.PC, "mask", e.Active, "cycle", cycle)
	}
}

// CheckTimeOut releases the arrived lanes of every row older than threshold
// cycles and returns how many rows it touched. Rows that are not resident or
// that have a buffered arrival are skipped; the sweep stops as soon as the
// SplitsTable has a parked insert.
func (t *ReconvergenceTable) CheckTimeOut(cycle, threshold uint64) int {
	n := 0

	for v := t.valid; v != 0; v &= v - 1 {
		id := bits.TrailingZeros64(v)
		e := &t.entries[id]

		if e.Virtual || e.Transient {
			continue
		}
		if t.pending != nil && t.pending.entry == id {
			continue
		}
		if cycle-e.BranchRecCycle <= threshold {
			continue
		}

		arrived := e.Arrived()
		if arrived.None() {
			continue
		}

		if t.host.PendingSplitInsert() {
			break
		}

		t.host.InsertSTEntry(SplitEntry{
			PC:              e.PC,
			Active:          arrived,
			ReconvergePC:    e.ReconvergePC,
			ReconvergeEntry: e.ReconvergeEntry,
			Type:            e.Type,
			CallDepth:       e.CallDepth,
			CallerTypes:     e.CallerTypes,
			BranchDivCycle:  cycle,
		}, cycle)

		e.Active = e.Pending

		n++
		t.stats.Timeouts++
		t.stats.TimedOutLanes += uint64(arrived.Count())

		if t.trace.If("reconverge") {
			t.trace.Printw("timeout", "warp", t.warp, "entry", id, "pc", e.PC, "released", arrived, "waiting", e.Pending, "cycle", cycle)
		}
	}

	return n
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// VIRTUALIZATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ReplacementCandidate is the resident row with the oldest BranchRecCycle,
// skipping the row a buffered arrival is waiting for and rows without a slot
// in the layout.
func (t *ReconvergenceTable) ReplacementCandidate() int {
	victim := NoEntry
	oldest := ^uint64(0)

	for v := t.valid; v != 0; v &= v - 1 {
		id := bits.TrailingZeros64(v)
		e := &t.entries[id]

		if e.Virtual || e.Transient || id >= t.layout.Slots() {
			continue
		}
		if t.pending != nil && t.pending.entry == id {
			continue
		}

		if e.BranchRecCycle < oldest {
			oldest = e.BranchRecCycle
			victim = id
		}
	}

	return victim
}

func (t *ReconvergenceTable) spillEntry(cycle uint64) bool {
	if t.spill != nil {
		return false
	}

	victim := t.ReplacementCandidate()
	if victim == NoEntry {
		return false
	}

	e := &t.entries[victim]
	e.Virtual = true
	t.numPhysical--

	addr := t.layout.ReconvergenceAddress(t.warp, victim)

	t.spill = &Request{
		Op:     memsys.NewStore(memsys.SourceReconvergence, t.warp, victim, addr, encodeRec(e)),
		Entry:  victim,
		Issued: cycle,
	}
	t.stats.Spills++

	if t.trace.If("virtualize") {
		t.trace.Printw("spill", "table", recTable, "warp", t.warp, "entry", victim, "pc", e.PC, "pending", e.Pending, "cycle", cycle)
	}

	return true
}

func (t *ReconvergenceTable) fillEntry(id int, cycle uint64) bool {
	if t.fill != nil || t.response != nil {
		return false
	}

	if t.spill != nil && t.spill.Entry == id {
		return false
	}

	e := &t.entries[id]

	fault.Assert(e.Valid && e.Virtual, t.warp, recTable, id, "fill of a resident or invalid row")

	if e.Transient {
		return false
	}

	e.Transient = true
	t.fill = &Request{
		Op:     memsys.NewLoad(memsys.SourceReconvergence, t.warp, id, t.layout.ReconvergenceAddress(t.warp, id), memsys.ReconvergencePayloadSize),
		Entry:  id,
		Issued: cycle,
	}
	t.stats.Fills++

	if t.trace.If("virtualize") {
		t.trace.Printw("fill", "table", recTable, "warp", t.warp, "entry", id, "cycle", cycle)
	}

	return true
}

func (t *ReconvergenceTable) commitFill(cycle uint64) bool {
	r := t.response

	if t.numPhysical >= t.maxPhysical && !t.spillEntry(cycle) {
		return false
	}

	e := &t.entries[r.Entry]

	p, ok := decodeRec(r.Op.Data)
	if !ok || !p.matches(e) {
		fault.Invariant(t.warp, recTable, r.Entry, "fill payload %+v does not match row (pc 0x%x pending %v)", p, e.PC, e.Pending)
	}

	e.Virtual = false
	e.Transient = false
	t.numPhysical++
	t.response = nil

	return true
}

// Cycle drives the spill and the fill, commits a fill response and finishes a
// buffered arrival whose row is resident.
func (t *ReconvergenceTable) Cycle(cycle uint64) {
	if t.spill != nil {
		done, reason, _ := t.mem.MemoryCycle(t.spill.Op)
		if done {
			t.stats.SpillLatency += cycle - t.spill.Issued
			t.spill = nil
		} else {
			t.countStall(reason)
		}
	}

	if t.fill != nil {
		done, reason, _ := t.mem.MemoryCycle(t.fill.Op)
		if done {
			t.stats.FillLatency += cycle - t.fill.Issued
			t.response = t.fill
			t.fill = nil
		} else {
			t.countStall(reason)
		}
	}

	if t.response != nil {
		t.commitFill(cycle)
	}

	if t.pending == nil {
		return
	}

	id := t.pending.entry
	e := &t.entries[id]

	if e.Virtual {
		if !e.Transient {
			t.fillEntry(id, cycle)
		}

		return
	}

	if !t.pending.applied {
		e.Pending = e.Pending.AndNot(t.pending.arriving)
		t.pending.applied = true
	}

	if e.Pending.Any() {
		t.pending = nil
		return
	}

	if !t.canPromote() {
		return
	}

	t.pending = nil
	t.promote(id, cycle)
}

// pcOrNone formats a reconvergence PC for logs.
func pcOrNone(pc uint64) interface{} {
	if pc == isa.NoPC {
		return "none"
	}

	return pc
}
