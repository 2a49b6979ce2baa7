// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SUPRAX SIMT Splits Table - Schedulable Warp Splits
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// One row per warp split: a group of lanes of one warp that share a PC and can
// be scheduled on their own. The rows are a fixed pool; only MaxPhysical of
// them may be resident at once, the rest are virtualized to memory.
//
// DATA STRUCTURES:
// ────────────────
//   entries  [MaxSplitEntries]  row storage
//   valid    uint64             valid bitmap (bit i = row i holds a split)
//   free     []int              LIFO of invalid rows, lowest row pops first
//   fifo     []int              issue order; the front is the active split
//
// Every valid row is in the FIFO exactly once, blocked or virtual rows
// included. The scheduler rotates past rows that cannot issue.
//
// VIRTUALIZATION:
// ───────────────
// Inserting into a full table first spills a victim: the youngest row in FIFO
// order that is neither virtual nor being filled. The row stays valid and keeps
// its tag copy; only its residency changes. A virtual row that reaches the
// FIFO front is filled back. At most one spill and one fill are in flight, and
// a fill of a row whose spill is still in flight waits for the spill.
//
// A reconvergence promotion that finds the table full while a spill is in
// flight is parked in a single pending-insert slot and drained by Cycle.
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
	// MaxSplitEntries is the row pool of one SplitsTable. One row more than
	// the reconvergence table: the launch split needs no reconvergence row.
	MaxSplitEntries = 33

	// NoEntry marks an absent row reference.
	NoEntry = fault.NoEntry

	splitsTable = "splits-table"
)

type EntryType uint8

const (
	Normal EntryType = iota
	Call
)

func (t EntryType) String() string {
	if t == Call {
		return "call"
	}

	return "normal"
}

// SplitEntry is one row of the SplitsTable.
type SplitEntry struct {
	Valid     bool
	Blocked   bool // waiting at a barrier
	Virtual   bool // not resident
	Transient bool // fill in flight

	PC     uint64
	Active mask.Mask

	ReconvergePC    uint64
	ReconvergeEntry int
	Type            EntryType

	// CallDepth is the function nesting level; CallerTypes bit d holds the
	// type of the split that made the call at depth d.
	CallDepth   uint32
	CallerTypes uint32

	BranchDivCycle uint64

	// FIFO reuse bookkeeping.
	InsertCycle uint64
	InsertDepth int
}

// SplitStats counts table activity.
type SplitStats struct {
	Inserts         uint64
	DeferredInserts uint64
	Invalidates     uint64
	Spills          uint64
	Fills           uint64
	SpillLatency    uint64
	FillLatency     uint64
	PortStalls      uint64
	LatencyStalls   uint64
	Rotations       uint64
	ReuseCycles     uint64
	MaxValid        int
	MaxPhysical     int
}

type SplitsTable struct {
	warp        int
	maxPhysical int
	layout      memsys.Layout
	mem         memsys.Pipeline

	entries [MaxSplitEntries]SplitEntry
	valid   uint64
	free    []int
	fifo    []int
	active  int

	// issued is the row whose instruction is executing; it stays resident
	// until Update retires it.
	issued int

	numValid    int
	numPhysical int

	spill    *Request
	fill     *Request
	response *Request

	pendingInsert *SplitEntry

	// addrs maps virtualization addresses to the rows spilled there.
	addrs map[uint64]int

	trace tlog.Span
	stats SplitStats
}

func NewSplitsTable(warp, maxPhysical int, layout memsys.Layout, pipe memsys.Pipeline) *SplitsTable {
	if maxPhysical <= 0 || maxPhysical >= MaxSplitEntries {
		fault.Invariant(warp, splitsTable, NoEntry, "physical capacity %d out of range [1, %d)", maxPhysical, MaxSplitEntries)
	}

	t := &SplitsTable{
		warp:        warp,
		maxPhysical: maxPhysical,
		layout:      layout,
		mem:         pipe,
		free:        make([]int, 0, MaxSplitEntries),
		fifo:        make([]int, 0, MaxSplitEntries),
		addrs:       make(map[uint64]int),
	}

	t.Reset()

	return t
}

// SetTrace attaches a span for virtualization events. The zero Span is silent.
func (t *SplitsTable) SetTrace(tr tlog.Span) { t.trace = tr }

// Reset invalidates every row and drops in-flight requests.
func (t *SplitsTable) Reset() {
	t.entries = [MaxSplitEntries]SplitEntry{}
	t.valid = 0

	t.free = t.free[:0]
	for i := MaxSplitEntries - 1; i >= 0; i-- {
		t.free = append(t.free, i)
	}

	t.fifo = t.fifo[:0]
	t.active = NoEntry
	t.issued = NoEntry
	t.numValid = 0
	t.numPhysical = 0
	t.spill, t.fill, t.response = nil, nil, nil
	t.pendingInsert = nil

	for a := range t.addrs {
		delete(t.addrs, a)
	}
}

// Launch creates the initial split that covers the whole warp.
func (t *SplitsTable) Launch(pc uint64, active mask.Mask, cycle uint64) int {
	t.Reset()

	id := t.allocate(SplitEntry{
		PC:              pc,
		Active:          active,
		ReconvergePC:    isa.NoPC,
		ReconvergeEntry: NoEntry,
		Type:            Call,
		BranchDivCycle:  cycle,
	}, cycle)

	t.active = id

	return id
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (t *SplitsTable) Warp() int { return t.warp }

func (t *SplitsTable) NumValid() int { return t.numValid }

func (t *SplitsTable) NumPhysical() int { return t.numPhysical }

func (t *SplitsTable) MaxPhysical() int { return t.maxPhysical }

func (t *SplitsTable) FreeRows() int { return len(t.free) }

func (t *SplitsTable) ValidBits() uint64 { return t.valid }

// Entry returns a copy of row id.
func (t *SplitsTable) Entry(id int) SplitEntry { return t.entries[id] }

// Order returns the FIFO, front first.
func (t *SplitsTable) Order() []int {
	return append([]int(nil), t.fifo...)
}

// ActiveID is the row at the FIFO front, or NoEntry.
func (t *SplitsTable) ActiveID() int { return t.active }

// Issue pins the active split while its instruction executes.
func (t *SplitsTable) Issue() {
	e, ok := t.Active()
	fault.Assert(ok && !e.Virtual && !e.Transient, t.warp, splitsTable, t.active, "issue from a split that is not resident")

	t.issued = t.active
}

// Issued is the pinned row, or NoEntry.
func (t *SplitsTable) Issued() int { return t.issued }

// Retire unpins the issued row.
func (t *SplitsTable) Retire() { t.issued = NoEntry }

// Active returns the active split and whether there is one.
func (t *SplitsTable) Active() (SplitEntry, bool) {
	if t.active == NoEntry {
		return SplitEntry{}, false
	}

	return t.entries[t.active], t.entries[t.active].Valid
}

func (t *SplitsTable) PC() uint64 {
	if e, ok := t.Active(); ok {
		return e.PC
	}

	return isa.NoPC
}

func (t *SplitsTable) ActiveMask() mask.Mask {
	if e, ok := t.Active(); ok {
		return e.Active
	}

	return 0
}

func (t *SplitsTable) ReconvergePC() uint64 {
	if e, ok := t.Active(); ok {
		return e.ReconvergePC
	}

	return isa.NoPC
}

func (t *SplitsTable) ReconvergeEntry() int {
	if e, ok := t.Active(); ok {
		return e.ReconvergeEntry
	}

	return NoEntry
}

func (t *SplitsTable) Type() EntryType {
	if e, ok := t.Active(); ok {
		return e.Type
	}

	return Normal
}

// IsBlocked reports whether the active split waits at a barrier.
func (t *SplitsTable) IsBlocked() bool {
	e, ok := t.Active()
	return ok && e.Blocked
}

// IsVirtual reports whether every valid row is virtual.
func (t *SplitsTable) IsVirtual() bool {
	return t.numValid > 0 && t.numPhysical == 0
}

// IsBlockedOrVirtual reports whether the active split cannot issue.
func (t *SplitsTable) IsBlockedOrVirtual() bool {
	e, ok := t.Active()
	return ok && (e.Blocked || e.Virtual || e.Transient)
}

// AllBlocked reports whether every valid row waits at a barrier.
func (t *SplitsTable) AllBlocked() bool {
	if t.numValid == 0 {
		return false
	}

	for v := t.valid; v != 0; v &= v - 1 {
		if !t.entries[bits.TrailingZeros64(v)].Blocked {
			return false
		}
	}

	return true
}

// SpaceAvailable reports whether an insert can proceed without a spill.
func (t *SplitsTable) SpaceAvailable() bool { return t.numPhysical < t.maxPhysical }

// CanAbsorbDivergence reports whether an update that invalidates the active
// split and inserts two new ones is guaranteed to find room.
func (t *SplitsTable) CanAbsorbDivergence() bool {
	return t.numPhysical < t.maxPhysical || t.spill == nil
}

func (t *SplitsTable) HasPendingInsert() bool { return t.pendingInsert != nil }

// Busy reports whether a spill, a fill or a latched fill response is pending.
func (t *SplitsTable) Busy() bool {
	return t.spill != nil || t.fill != nil || t.response != nil
}

// RowAt returns the row spilled to addr.
func (t *SplitsTable) RowAt(addr uint64) (int, bool) {
	id, ok := t.addrs[addr]
	return id, ok
}

func (t *SplitsTable) Stats() SplitStats { return t.stats }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// INSERT / INVALIDATE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// InsertNewEntry adds a split at the FIFO back and returns its row.
//
// A full table spills first. If no spill can start and reconverged is set the
// split is parked in the pending-insert slot; either way NoEntry is returned.
// Parking a second split is a violation.
func (t *SplitsTable) InsertNewEntry(e SplitEntry, reconverged bool, cycle uint64) int {
	if t.numPhysical >= t.maxPhysical && !t.spillEntry(cycle) {
		if !reconverged {
			return NoEntry
		}

		if t.pendingInsert != nil {
			fault.Invariant(t.warp, splitsTable, NoEntry, "second pending reconvergence insert (pc 0x%x)", e.PC)
		}

		p := e
		t.pendingInsert = &p
		t.stats.DeferredInserts++

		return NoEntry
	}

	return t.allocate(e, cycle)
}

func (t *SplitsTable) allocate(e SplitEntry, cycle uint64) int {
	if len(t.free) == 0 {
		fault.Invariant(t.warp, splitsTable, NoEntry, "free stack underflow")
	}

	id := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	e.Valid = true
	e.Blocked = false
	e.Virtual = false
	e.Transient = false
	e.InsertCycle = cycle
	e.InsertDepth = len(t.fifo)

	t.entries[id] = e
	t.valid |= 1 << id
	t.fifo = append(t.fifo, id)

	t.numValid++
	t.numPhysical++
	t.stats.Inserts++

	if t.numValid > t.stats.MaxValid {
		t.stats.MaxValid = t.numValid
	}
	if t.numPhysical > t.stats.MaxPhysical {
		t.stats.MaxPhysical = t.numPhysical
	}

	return id
}

// Invalidate removes the active split. It must be resident and at the front.
func (t *SplitsTable) Invalidate() {
	id := t.active

	if id == NoEntry || !t.entries[id].Valid {
		fault.Invariant(t.warp, splitsTable, id, "invalidate without an active split")
	}

	e := &t.entries[id]

	fault.Assert(!e.Virtual && !e.Transient, t.warp, splitsTable, id, "invalidate of a non-resident split")
	fault.Assert(len(t.fifo) != 0 && t.fifo[0] == id, t.warp, splitsTable, id, "active split is not at the FIFO front")

	t.fifo = append(t.fifo[:0], t.fifo[1:]...)

	*e = SplitEntry{}
	t.valid &^= 1 << id
	t.free = append(t.free, id)

	if t.issued == id {
		t.issued = NoEntry
	}

	t.numValid--
	t.numPhysical--
	t.active = NoEntry
	t.stats.Invalidates++
}

// UpdateActiveEntry makes the FIFO front the active split and starts its fill
// if it is virtual.
func (t *SplitsTable) UpdateActiveEntry(cycle uint64) {
	if len(t.fifo) == 0 {
		t.active = NoEntry
		return
	}

	t.active = t.fifo[0]
	t.fillIfNeeded(cycle)
}

// SetActivePC moves the active split to pc without changing its lanes.
func (t *SplitsTable) SetActivePC(pc uint64) {
	if t.active == NoEntry {
		fault.Invariant(t.warp, splitsTable, NoEntry, "set pc without an active split")
	}

	t.entries[t.active].PC = pc
}

// PushBack rotates the FIFO by one: the front moves to the back and the next
// split becomes active.
func (t *SplitsTable) PushBack(cycle uint64) {
	if len(t.fifo) == 0 {
		t.active = NoEntry
		return
	}

	front := t.fifo[0]
	copy(t.fifo, t.fifo[1:])
	t.fifo[len(t.fifo)-1] = front

	e := &t.entries[front]
	t.stats.ReuseCycles += cycle - e.InsertCycle
	e.InsertCycle = cycle
	e.InsertDepth = len(t.fifo) - 1

	t.stats.Rotations++

	t.active = t.fifo[0]
	t.fillIfNeeded(cycle)
}

func (t *SplitsTable) fillIfNeeded(cycle uint64) {
	e := &t.entries[t.active]

	if e.Virtual && !e.Transient && !e.Blocked {
		t.fillEntry(t.active, cycle)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// BARRIER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// SplitReachesBarrier blocks the active split at pc and reports whether every
// split of the warp is now blocked.
func (t *SplitsTable) SplitReachesBarrier(pc uint64) bool {
	if t.active == NoEntry || !t.entries[t.active].Valid {
		fault.Invariant(t.warp, splitsTable, t.active, "barrier without an active split")
	}

	e := &t.entries[t.active]
	e.Blocked = true
	e.PC = pc

	return t.AllBlocked()
}

// ReleaseBarrier unblocks every split.
func (t *SplitsTable) ReleaseBarrier() {
	for v := t.valid; v != 0; v &= v - 1 {
		t.entries[bits.TrailingZeros64(v)].Blocked = false
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// VIRTUALIZATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ReplacementCandidate is the spill victim: scanning the FIFO from the back,
// the first row that is resident, not being filled, not issued, and has a
// slot in the layout. Rows at or above the warp size never leave the table.
func (t *SplitsTable) ReplacementCandidate() int {
	for i := len(t.fifo) - 1; i >= 0; i-- {
		id := t.fifo[i]
		e := &t.entries[id]

		if !e.Virtual && !e.Transient && id != t.issued && id < t.layout.Slots() {
			return id
		}
	}

	return NoEntry
}

func (t *SplitsTable) spillEntry(cycle uint64) bool {
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

	addr := t.layout.SplitsAddress(t.warp, victim)
	op := memsys.NewStore(memsys.SourceSplits, t.warp, victim, addr, encodeSplit(e))

	t.spill = &Request{Op: op, Entry: victim, Issued: cycle}
	t.addrs[addr] = victim
	t.stats.Spills++

	if t.trace.If("virtualize") {
		t.trace.Printw("spill", "table", splitsTable, "warp", t.warp, "entry", victim, "pc", e.PC, "mask", e.Active, "cycle", cycle)
	}

	return true
}

func (t *SplitsTable) fillEntry(id int, cycle uint64) bool {
	if t.fill != nil || t.response != nil {
		return false
	}

	if t.spill != nil && t.spill.Entry == id {
		return false
	}

	e := &t.entries[id]

	fault.Assert(e.Valid && e.Virtual, t.warp, splitsTable, id, "fill of a resident or invalid row")

	if e.Transient {
		return false
	}

	addr := t.layout.SplitsAddress(t.warp, id)

	e.Transient = true
	t.fill = &Request{
		Op:     memsys.NewLoad(memsys.SourceSplits, t.warp, id, addr, memsys.SplitPayloadSize),
		Entry:  id,
		Issued: cycle,
	}
	t.stats.Fills++

	if t.trace.If("virtualize") {
		t.trace.Printw("fill", "table", splitsTable, "warp", t.warp, "entry", id, "cycle", cycle)
	}

	return true
}

// commitFill makes the latched fill response resident. It spills first if the
// table is full and retries next cycle if that is not possible.
func (t *SplitsTable) commitFill(cycle uint64) bool {
	r := t.response

	if t.numPhysical >= t.maxPhysical && !t.spillEntry(cycle) {
		return false
	}

	e := &t.entries[r.Entry]

	p, ok := decodeSplit(r.Op.Data)
	if !ok || !p.matches(e) {
		fault.Invariant(t.warp, splitsTable, r.Entry, "fill payload %+v does not match row (pc 0x%x mask %v)", p, e.PC, e.Active)
	}

	e.Virtual = false
	e.Transient = false
	t.numPhysical++
	t.response = nil

	if t.numPhysical > t.stats.MaxPhysical {
		t.stats.MaxPhysical = t.numPhysical
	}

	t.remap()

	return true
}

// remap rebuilds the address map from the rows that are virtual now.
func (t *SplitsTable) remap() {
	for a := range t.addrs {
		delete(t.addrs, a)
	}

	for v := t.valid; v != 0; v &= v - 1 {
		id := bits.TrailingZeros64(v)

		if t.entries[id].Virtual {
			t.addrs[t.layout.SplitsAddress(t.warp, id)] = id
		}
	}
}

// Cycle advances virtualization by one cycle.
//
// ORDER:
// ──────
//  1. Drive the in-flight spill.
//  2. Drive the in-flight fill; a completed fill is latched as the response.
//  3. Commit the response.
//  4. Drain the pending insert.
//  5. Repair the active split: a missing one is replaced by the FIFO front, a
//     blocked one is rotated past while other splits can run.
//  6. Start the fill of a virtual active split.
func (t *SplitsTable) Cycle(cycle uint64) {
	if t.spill != nil {
		done, reason, _ := t.mem.MemoryCycle(t.spill.Op)
		if done {
			t.stats.SpillLatency += cycle - t.spill.Issued
			t.spill = nil
			t.remap()
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

	if t.pendingInsert != nil && (t.numPhysical < t.maxPhysical || t.spillEntry(cycle)) {
		p := *t.pendingInsert
		t.pendingInsert = nil
		t.allocate(p, cycle)
	}

	switch {
	case t.active == NoEntry || !t.entries[t.active].Valid:
		t.UpdateActiveEntry(cycle)
	case t.entries[t.active].Blocked && !t.AllBlocked():
		t.PushBack(cycle)
	}

	if t.active != NoEntry {
		t.fillIfNeeded(cycle)
	}
}
