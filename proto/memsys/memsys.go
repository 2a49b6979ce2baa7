// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SUPRAX SIMT Memory Pipeline Interface
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// The divergence unit does not own any memory. When a table has to evict
// (spill) or restore (fill) an entry it builds a synthetic micro-op and hands
// it to the same pipeline that services real LOAD/STORE instructions. The
// pipeline reports completion one MemoryCycle call at a time.
//
// VIRTUAL ADDRESS LAYOUT:
// ───────────────────────
// Each (warp, row) pair owns one stride-sized slot:
//
//	slot(w, e)  = base + (w*warpSize + e) * stride
//	splits      = slot(w, e)
//	reconverge  = slot(w, e) + stride/2
//
// Splits and reconvergence data for the same row occupy disjoint halves.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package memsys

import (
	"fmt"

	"gitlab.com/akita/akita/v3/sim"
)

const (
	// DefaultVirtualBase is the start of the reserved virtualization range.
	DefaultVirtualBase uint64 = 0x8000_0000

	// DefaultSlotStride is the number of address units reserved per row.
	DefaultSlotStride uint64 = 32

	// SplitPayloadSize is {pc, reconverge pc, active mask}, 32 bits each.
	SplitPayloadSize = 12

	// ReconvergencePayloadSize adds the pending mask.
	ReconvergencePayloadSize = 16
)

type Dir uint8

const (
	Load Dir = iota
	Store
)

func (d Dir) String() string {
	if d == Store {
		return "store"
	}

	return "load"
}

// Source identifies who created a micro-op.
type Source uint8

const (
	SourceData Source = iota // kernel LOAD/STORE
	SourceSplits
	SourceReconvergence
)

func (s Source) String() string {
	switch s {
	case SourceSplits:
		return "splits"
	case SourceReconvergence:
		return "reconvergence"
	default:
		return "data"
	}
}

// StallReason says why a micro-op made no progress this cycle.
type StallReason uint8

const (
	StallNone StallReason = iota
	StallBankConflict
	StallInFlight
)

func (r StallReason) String() string {
	switch r {
	case StallBankConflict:
		return "bank_conflict"
	case StallInFlight:
		return "in_flight"
	default:
		return "none"
	}
}

// StallKind classifies a stall for statistics.
type StallKind uint8

const (
	KindNone StallKind = iota
	KindStructural
	KindLatency
)

// MemOp is one memory micro-op in flight. The pipeline owns the progress
// fields; creators fill the descriptor fields.
type MemOp struct {
	Dir    Dir
	Addr   uint64
	Size   uint64
	Data   []byte // store payload, or load result once complete
	Warp   int
	Source Source
	Entry  int // table row for spill/fill, -1 for data accesses

	// Pipeline-owned progress.
	Accepted bool
	ReadyAt  uint64
	ReqID    string
	Req      sim.Msg
}

func (op *MemOp) String() string {
	return fmt.Sprintf("%v %v warp %d entry %d addr 0x%x size %d", op.Source, op.Dir, op.Warp, op.Entry, op.Addr, op.Size)
}

// NewStore builds a store micro-op carrying data.
func NewStore(src Source, warp, entry int, addr uint64, data []byte) *MemOp {
	return &MemOp{
		Dir:    Store,
		Addr:   addr,
		Size:   uint64(len(data)),
		Data:   data,
		Warp:   warp,
		Source: src,
		Entry:  entry,
	}
}

// NewLoad builds a load micro-op of size bytes.
func NewLoad(src Source, warp, entry int, addr, size uint64) *MemOp {
	return &MemOp{
		Dir:    Load,
		Addr:   addr,
		Size:   size,
		Warp:   warp,
		Source: src,
		Entry:  entry,
	}
}

// Pipeline advances micro-ops through the memory hierarchy. MemoryCycle returns
// true exactly once, when op has completed; a load's Data is valid from then.
type Pipeline interface {
	MemoryCycle(op *MemOp) (done bool, reason StallReason, kind StallKind)
}

// Layout maps table rows onto the reserved virtualization range. A warp owns
// WarpSize slots, so only rows below WarpSize can be virtualized.
type Layout struct {
	Base     uint64
	Stride   uint64
	WarpSize int
}

func DefaultLayout(warpSize int) Layout {
	return Layout{
		Base:     DefaultVirtualBase,
		Stride:   DefaultSlotStride,
		WarpSize: warpSize,
	}
}

// Slots is the number of rows per warp that have an address.
func (l Layout) Slots() int { return l.WarpSize }

//go:inline
func (l Layout) slot(warp, entry int) uint64 {
	return l.Base + uint64(warp*l.WarpSize+entry)*l.Stride
}

// SplitsAddress is where row entry of warp's SplitsTable is virtualized.
func (l Layout) SplitsAddress(warp, entry int) uint64 {
	return l.slot(warp, entry)
}

// ReconvergenceAddress is where row entry of warp's ReconvergenceTable is
// virtualized: the second half of the same slot.
func (l Layout) ReconvergenceAddress(warp, entry int) uint64 {
	return l.slot(warp, entry) + l.Stride/2
}
