package tables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maemowong/suprax-simt/proto/fault"
	"github.com/maemowong/suprax-simt/proto/isa"
	"github.com/maemowong/suprax-simt/proto/mask"
	"github.com/maemowong/suprax-simt/proto/memsys"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SUPRAX SIMT Splits Table - Test Suite
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// Tests drive a SplitsTable directly against a memsys.Model. Each simulated
// cycle is Tick on the model followed by Cycle on the table, the same order
// the core uses.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func newModel(latency uint64) *memsys.Model {
	return memsys.MakeBuilder().WithLatency(latency).Build()
}

func newSplits(warp, warpSize, maxPhysical int, m *memsys.Model) *SplitsTable {
	return NewSplitsTable(warp, maxPhysical, memsys.DefaultLayout(warpSize), m)
}

func split(pc, rpc uint64, active mask.Mask) SplitEntry {
	return SplitEntry{PC: pc, Active: active, ReconvergePC: rpc, ReconvergeEntry: NoEntry}
}

// runSplits advances model and table from cycle c while cond holds, at most
// limit cycles. It returns the next cycle.
func runSplits(t *testing.T, m *memsys.Model, st *SplitsTable, c uint64, limit int, cond func() bool) uint64 {
	t.Helper()

	for i := 0; cond(); i++ {
		require.Less(t, i, limit, "no progress after %d cycles", limit)

		m.Tick(c)
		st.Cycle(c)
		c++
	}

	return c
}

func checkSplitsInvariants(t *testing.T, st *SplitsTable) {
	t.Helper()

	require.Equal(t, MaxSplitEntries, st.numValid+len(st.free), "valid + free")

	physical := 0
	seen := map[int]bool{}

	for id := 0; id < MaxSplitEntries; id++ {
		e := st.entries[id]

		require.Equal(t, e.Valid, st.valid&(1<<id) != 0, "valid bitmap row %d", id)

		if e.Valid && !e.Virtual {
			physical++
		}
	}

	for _, id := range st.fifo {
		require.True(t, st.entries[id].Valid, "invalid row %d in FIFO", id)
		require.False(t, seen[id], "row %d twice in FIFO", id)
		seen[id] = true
	}

	require.Equal(t, st.numValid, len(st.fifo), "FIFO holds every valid row")
	require.Equal(t, physical, st.numPhysical, "physical count")
	require.LessOrEqual(t, st.numPhysical, st.maxPhysical)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// LAUNCH / INSERT / INVALIDATE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestSplits_Launch(t *testing.T) {
	// WHAT: Launch creates row 0 covering the warp
	// WHY: The active mask right after launch is the launch mask

	st := newSplits(0, 4, 8, newModel(1))

	id := st.Launch(100, mask.Full(4), 0)

	assert.Equal(t, 0, id)
	assert.Equal(t, mask.Full(4), st.ActiveMask())
	assert.Equal(t, uint64(100), st.PC())
	assert.Equal(t, isa.NoPC, st.ReconvergePC())
	assert.Equal(t, NoEntry, st.ReconvergeEntry())
	assert.Equal(t, Call, st.Type())
	assert.Equal(t, 1, st.NumValid())
	assert.Equal(t, 1, st.NumPhysical())
	assert.Equal(t, MaxSplitEntries-1, st.FreeRows())

	checkSplitsInvariants(t, st)
}

func TestSplits_FreeStackLowestFirst(t *testing.T) {
	// WHAT: Rows are handed out lowest first, and a freed row is reused next
	// WHY: The free list is a LIFO seeded in descending order

	st := newSplits(0, 4, 8, newModel(1))
	st.Launch(100, mask.Of(0), 0)

	assert.Equal(t, 1, st.InsertNewEntry(split(200, 300, mask.Of(1)), false, 1))
	assert.Equal(t, 2, st.InsertNewEntry(split(204, 300, mask.Of(2)), false, 1))

	st.Invalidate()
	st.UpdateActiveEntry(2)

	assert.Equal(t, 1, st.ActiveID())
	assert.Equal(t, 0, st.InsertNewEntry(split(208, 300, mask.Of(3)), false, 2))
	assert.Equal(t, []int{1, 2, 0}, st.Order())

	checkSplitsInvariants(t, st)
}

func TestSplits_InvalidateRequiresActive(t *testing.T) {
	st := newSplits(0, 4, 8, newModel(1))

	var err error
	func() {
		defer fault.Recover(&err)
		st.Invalidate()
	}()

	require.Error(t, err)

	e, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, splitsTable, e.Table)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// FIFO
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestSplits_PushBackRotates(t *testing.T) {
	// WHAT: PushBack moves the front to the back
	// WHY: Splits take turns issuing

	st := newSplits(0, 4, 8, newModel(1))
	st.Launch(100, mask.Of(0), 0)
	st.InsertNewEntry(split(200, 300, mask.Of(1)), false, 0)
	st.InsertNewEntry(split(250, 300, mask.Of(2)), false, 0)

	st.PushBack(5)
	assert.Equal(t, []int{1, 2, 0}, st.Order())
	assert.Equal(t, uint64(200), st.PC())

	st.PushBack(6)
	st.PushBack(7)
	assert.Equal(t, []int{0, 1, 2}, st.Order())
	assert.Equal(t, uint64(100), st.PC())

	assert.Equal(t, uint64(3), st.Stats().Rotations)
	checkSplitsInvariants(t, st)
}

func TestSplits_BlockedActiveIsRotatedPast(t *testing.T) {
	// WHAT: A blocked active split is skipped by Cycle while others can run
	// WHY: A split at a barrier must not stall its siblings

	m := newModel(1)
	st := newSplits(0, 4, 8, m)
	st.Launch(100, mask.Of(0, 1), 0)
	st.InsertNewEntry(split(200, isa.NoPC, mask.Of(2, 3)), false, 0)

	assert.False(t, st.SplitReachesBarrier(104))
	assert.True(t, st.IsBlocked())

	m.Tick(1)
	st.Cycle(1)

	assert.Equal(t, 1, st.ActiveID())
	assert.False(t, st.IsBlocked())
}

func TestSplits_AllBlockedAndRelease(t *testing.T) {
	st := newSplits(0, 4, 8, newModel(1))
	st.Launch(100, mask.Of(0, 1), 0)
	st.InsertNewEntry(split(200, isa.NoPC, mask.Of(2, 3)), false, 0)

	assert.False(t, st.SplitReachesBarrier(104))
	st.PushBack(1)
	assert.True(t, st.SplitReachesBarrier(204))
	assert.True(t, st.AllBlocked())

	st.ReleaseBarrier()

	assert.False(t, st.AllBlocked())
	assert.False(t, st.IsBlocked())
	assert.Equal(t, uint64(204), st.Entry(1).PC)
	assert.Equal(t, uint64(104), st.Entry(0).PC)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// VIRTUALIZATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestSplits_InsertIntoFullTableSpills(t *testing.T) {
	// WHAT: max physical 1, insert a second split
	// WHY: Row 0 is spilled to its slot before the new row is placed
	// HARDWARE: 12-byte store at BASE + (warp*warpSize + 0) * 32

	const warp = 2

	st := newSplits(warp, 4, 1, newModel(4))
	st.Launch(100, mask.Full(4), 0)

	id := st.InsertNewEntry(split(200, 300, mask.Of(2, 3)), false, 1)

	assert.Equal(t, 1, id)
	assert.True(t, st.Entry(0).Virtual)
	assert.True(t, st.Entry(0).Valid)
	assert.False(t, st.Entry(1).Virtual)
	assert.Equal(t, 1, st.NumPhysical())
	assert.Equal(t, 2, st.NumValid())

	require.NotNil(t, st.spill)
	op := st.spill.Op
	assert.Equal(t, memsys.Store, op.Dir)
	assert.Equal(t, memsys.SourceSplits, op.Source)
	assert.Equal(t, memsys.DefaultVirtualBase+uint64(warp*4+0)*memsys.DefaultSlotStride, op.Addr)
	assert.Len(t, op.Data, memsys.SplitPayloadSize)
	assert.Equal(t, 0, op.Entry)

	row, ok := st.RowAt(op.Addr)
	assert.True(t, ok)
	assert.Equal(t, 0, row)

	assert.True(t, st.IsBlockedOrVirtual(), "active row 0 went virtual")
	assert.False(t, st.IsVirtual(), "row 1 is still resident")

	st.PushBack(1)
	st.Invalidate()

	assert.True(t, st.IsVirtual(), "only the spilled row is left")

	checkSplitsInvariants(t, st)
}

func TestSplits_OneBelowCapacityDoesNotSpill(t *testing.T) {
	st := newSplits(0, 4, 2, newModel(4))
	st.Launch(100, mask.Full(4), 0)

	st.InsertNewEntry(split(200, 300, mask.Of(2)), false, 1)

	assert.Nil(t, st.spill)
	assert.Equal(t, 2, st.NumPhysical())
	assert.Equal(t, uint64(0), st.Stats().Spills)
}

func TestSplits_SpillInFlightDefersReconvergedInsert(t *testing.T) {
	// WHAT: Full table, spill slot busy
	// WHY: A normal insert fails; a reconverged insert is parked; a second
	//      parked insert is a violation

	st := newSplits(0, 4, 1, newModel(4))
	st.Launch(100, mask.Of(0), 0)
	st.InsertNewEntry(split(200, 300, mask.Of(1)), false, 1)

	assert.Equal(t, NoEntry, st.InsertNewEntry(split(204, 300, mask.Of(2)), false, 1))
	assert.False(t, st.HasPendingInsert())

	assert.Equal(t, NoEntry, st.InsertNewEntry(split(300, isa.NoPC, mask.Of(2)), true, 1))
	assert.True(t, st.HasPendingInsert())

	var err error
	func() {
		defer fault.Recover(&err)
		st.InsertNewEntry(split(400, isa.NoPC, mask.Of(3)), true, 1)
	}()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "second pending reconvergence insert")
}

func TestSplits_PendingInsertDrains(t *testing.T) {
	m := newModel(2)
	st := newSplits(0, 4, 1, m)
	st.Launch(100, mask.Of(0), 0)
	st.InsertNewEntry(split(200, 300, mask.Of(1)), false, 1)
	st.InsertNewEntry(split(300, isa.NoPC, mask.Of(2)), true, 1)

	require.True(t, st.HasPendingInsert())

	runSplits(t, m, st, 2, 100, st.HasPendingInsert)

	assert.Equal(t, 3, st.NumValid())
	assert.Equal(t, uint64(1), st.Stats().DeferredInserts)

	checkSplitsInvariants(t, st)
}

func TestSplits_SpillFillRoundTrip(t *testing.T) {
	// WHAT: Spill row 0, bring it back to the front, let Cycle fill it
	// WHY: The filled row must carry exactly what was spilled, and filling
	//      into a full table evicts another row

	m := newModel(3)
	st := newSplits(1, 4, 1, m)
	st.Launch(100, mask.Of(0, 1), 0)
	st.InsertNewEntry(split(200, 300, mask.Of(2, 3)), false, 1)

	require.Equal(t, 0, st.ActiveID())
	require.True(t, st.Entry(0).Virtual)

	c := runSplits(t, m, st, 2, 100, func() bool { return st.Entry(0).Virtual })

	e0 := st.Entry(0)
	assert.Equal(t, uint64(100), e0.PC)
	assert.Equal(t, isa.NoPC, e0.ReconvergePC)
	assert.Equal(t, mask.Of(0, 1), e0.Active)
	assert.False(t, e0.Transient)

	assert.True(t, st.Entry(1).Virtual, "row 1 evicted to make room")
	assert.Equal(t, 1, st.NumPhysical())

	runSplits(t, m, st, c, 100, st.Busy)

	data, err := m.Storage().Read(memsys.DefaultLayout(4).SplitsAddress(1, 1), memsys.SplitPayloadSize)
	require.NoError(t, err)

	p, ok := decodeSplit(data)
	require.True(t, ok)
	assert.Equal(t, uint64(200), p.PC)
	assert.Equal(t, uint64(300), p.ReconvergePC)
	assert.Equal(t, mask.Of(2, 3), p.Active)

	ms := m.Stats()
	assert.Equal(t, uint64(2), ms.Stores[memsys.SourceSplits])
	assert.Equal(t, uint64(1), ms.Loads[memsys.SourceSplits])

	ss := st.Stats()
	assert.Equal(t, uint64(2), ss.Spills)
	assert.Equal(t, uint64(1), ss.Fills)

	checkSplitsInvariants(t, st)
}

func TestSplits_FillWaitsForSpillOfSameRow(t *testing.T) {
	// WHAT: The active row is virtual and its spill has not landed
	// WHY: Loading before the store completes would read stale memory

	m := newModel(5)
	st := newSplits(0, 4, 1, m)
	st.Launch(100, mask.Of(0), 0)
	st.InsertNewEntry(split(200, 300, mask.Of(1)), false, 1)

	m.Tick(2)
	st.Cycle(2)

	assert.Nil(t, st.fill)
	assert.False(t, st.Entry(0).Transient)
	assert.NotNil(t, st.spill)
}

func TestSplits_ReplacementCandidateSkipsVirtual(t *testing.T) {
	st := newSplits(0, 4, 2, newModel(50))
	st.Launch(100, mask.Of(0), 0)
	st.InsertNewEntry(split(200, 300, mask.Of(1)), false, 0)

	assert.Equal(t, 1, st.ReplacementCandidate())

	st.InsertNewEntry(split(204, 300, mask.Of(2)), false, 0)

	// Row 1 went virtual; the youngest resident row is now 2.
	assert.True(t, st.Entry(1).Virtual)
	assert.Equal(t, 2, st.ReplacementCandidate())
}

func TestSplits_OverflowRowIsNeverSpilled(t *testing.T) {
	// WHAT: warp size 2, three rows; the youngest is row 2
	// WHY: Row 2 has no slot of its own; its address is the next warp's row 0

	st := newSplits(0, 2, 2, newModel(50))
	st.Launch(100, mask.Of(0), 0)
	st.InsertNewEntry(split(200, 300, mask.Of(1)), false, 0)
	st.InsertNewEntry(split(204, 300, mask.Of(1)), false, 0)

	require.True(t, st.Entry(1).Virtual)
	require.True(t, st.Entry(2).Valid)

	assert.Equal(t, 0, st.ReplacementCandidate())
}

func TestSplits_IssuedRowIsNeverSpilled(t *testing.T) {
	// WHAT: max physical 1, the only resident row has an instruction out
	// WHY: A reconverged insert parks instead of spilling the executing row;
	//      it drains once the row retires
	// HARDWARE: The issue pin is released by Update

	m := newModel(2)
	st := newSplits(0, 4, 1, m)
	st.Launch(100, mask.Of(0, 1), 0)
	st.Issue()

	assert.Equal(t, 0, st.Issued())
	assert.Equal(t, NoEntry, st.ReplacementCandidate())

	assert.Equal(t, NoEntry, st.InsertNewEntry(split(300, isa.NoPC, mask.Of(2)), true, 1))
	assert.True(t, st.HasPendingInsert())
	assert.False(t, st.Entry(0).Virtual)

	m.Tick(2)
	st.Cycle(2)

	assert.True(t, st.HasPendingInsert())
	assert.Nil(t, st.spill)
	assert.False(t, st.Entry(0).Virtual)

	st.Retire()
	assert.Equal(t, NoEntry, st.Issued())

	runSplits(t, m, st, 3, 100, st.HasPendingInsert)

	assert.True(t, st.Entry(0).Virtual)
	assert.Equal(t, 2, st.NumValid())

	checkSplitsInvariants(t, st)
}

func TestSplits_IssueFromVirtualRowIsFatal(t *testing.T) {
	st := newSplits(0, 4, 1, newModel(4))
	st.Launch(100, mask.Full(4), 0)
	st.InsertNewEntry(split(200, 300, mask.Of(2, 3)), false, 1)

	var err error
	func() {
		defer fault.Recover(&err)
		st.Issue()
	}()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not resident")
}

func TestSplits_StallsSplitByCause(t *testing.T) {
	// WHAT: The spill finds the port taken, then waits out the latency
	// WHY: Port contention and latency are counted apart

	m := newModel(4)
	st := newSplits(0, 4, 1, m)
	st.Launch(100, mask.Full(4), 0)
	st.InsertNewEntry(split(200, 300, mask.Of(2, 3)), false, 1)
	require.NotNil(t, st.spill)

	m.Tick(2)
	other := memsys.NewLoad(memsys.SourceData, 1, NoEntry, 0x100, 8)
	m.MemoryCycle(other)
	st.Cycle(2)

	assert.Equal(t, uint64(1), st.Stats().PortStalls)
	assert.Equal(t, uint64(0), st.Stats().LatencyStalls)

	runSplits(t, m, st, 3, 100, func() bool { return st.spill != nil })

	assert.Equal(t, uint64(1), st.Stats().PortStalls)
	assert.Equal(t, uint64(4), st.Stats().LatencyStalls)
}

func TestSplits_PayloadTruncatesPCs(t *testing.T) {
	e := SplitEntry{PC: 0x1_0000_0010, ReconvergePC: isa.NoPC, Active: mask.Of(5)}

	p, ok := decodeSplit(encodeSplit(&e))

	require.True(t, ok)
	assert.Equal(t, uint64(0x10), p.PC)
	assert.Equal(t, isa.NoPC, p.ReconvergePC)
	assert.True(t, p.matches(&e))
}
