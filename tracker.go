package simt

import (
	"github.com/maemowong/suprax-simt/proto/isa"
	"github.com/maemowong/suprax-simt/proto/mask"
	"github.com/maemowong/suprax-simt/proto/memsys"
	"github.com/maemowong/suprax-simt/proto/stack"
	"github.com/maemowong/suprax-simt/proto/tables"
)

// Tracker is the per-warp divergence unit as the core and scheduler see it.
// The reconvergence stack and the divergence tables both implement it.
type Tracker interface {
	Launch(pc uint64, active mask.Mask, cycle uint64)
	Reset()

	// Issue marks the active split as executing until its Update.
	Issue(cycle uint64)

	// Update folds one executed instruction of the active split in.
	Update(cycle uint64, step isa.Step) isa.Outcome

	// Cycle advances background work: spills, fills, deferred inserts.
	Cycle(cycle uint64)

	// CheckTimeout releases reconvergence rows older than threshold and
	// returns how many it released.
	CheckTimeout(cycle, threshold uint64) int

	Valid() bool
	ActiveMask() mask.Mask
	PC() uint64
	ReconvergePC() uint64

	Blocked() bool
	Schedulable() bool
	PendingReconvergence() bool
	Virtualized() bool

	// ReachBarrier parks the active split at pc and reports whether the
	// whole warp is now at the barrier.
	ReachBarrier(cycle, pc uint64) bool
	ReleaseBarrier()
}

var (
	_ Tracker = (*stack.Stack)(nil)
	_ Tracker = (*tables.Tables)(nil)
)

// NewTracker builds the tracker cfg.Mode selects for warp.
func NewTracker(cfg Config, warp int, pipe memsys.Pipeline) Tracker {
	if cfg.Mode == ModeTables {
		return tables.New(warp, cfg.tablesConfig(), pipe)
	}

	return stack.New(warp, cfg.WarpSize)
}
