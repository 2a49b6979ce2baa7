package simt

import (
	"tlog.app/go/errors"

	"github.com/maemowong/suprax-simt/proto/barrier"
	"github.com/maemowong/suprax-simt/proto/mask"
	"github.com/maemowong/suprax-simt/proto/memsys"
	"github.com/maemowong/suprax-simt/proto/sched"
	"github.com/maemowong/suprax-simt/proto/stack"
	"github.com/maemowong/suprax-simt/proto/tables"
)

// Mode selects the divergence tracker.
type Mode uint8

const (
	ModeStack Mode = iota
	ModeTables
)

func (m Mode) String() string {
	if m == ModeTables {
		return "tables"
	}

	return "stack"
}

// ParseMode accepts "stack" or "tables".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "stack":
		return ModeStack, nil
	case "tables":
		return ModeTables, nil
	default:
		return 0, errors.New("unknown mode %q (want stack or tables)", s)
	}
}

type Config struct {
	Mode Mode

	NumWarps    int
	WarpSize    int
	WarpsPerCTA int
	IssueWidth  int

	// Divergence tables.
	MaxSplitsPhysical        int
	MaxReconvergencePhysical int
	TimeoutThreshold         uint64
	TimeoutInterval          uint64

	// MaxDivergentPaths is the widest split one instruction may produce.
	MaxDivergentPaths int

	// Virtualization range.
	VirtualBase uint64
	SlotStride  uint64

	Memory memsys.Builder
}

func DefaultConfig() Config {
	return Config{
		Mode:                     ModeTables,
		NumWarps:                 4,
		WarpSize:                 mask.MaxLanes,
		WarpsPerCTA:              2,
		IssueWidth:               1,
		MaxSplitsPhysical:        tables.MaxSplitEntries - 1,
		MaxReconvergencePhysical: tables.MaxRecEntries,
		TimeoutThreshold:         1000,
		TimeoutInterval:          64,
		MaxDivergentPaths:        stack.MaxDivergentPaths,
		VirtualBase:              memsys.DefaultVirtualBase,
		SlotStride:               memsys.DefaultSlotStride,
		Memory:                   memsys.MakeBuilder().WithPorts(4),
	}
}

func (c Config) Validate() error {
	switch {
	case c.Mode != ModeStack && c.Mode != ModeTables:
		return errors.New("mode %d", c.Mode)
	case c.WarpSize < 1 || c.WarpSize > mask.MaxLanes:
		return errors.New("warp size %d out of [1, %d]", c.WarpSize, mask.MaxLanes)
	case c.NumWarps < 1 || c.NumWarps > sched.MaxWarps:
		return errors.New("num warps %d out of [1, %d]", c.NumWarps, sched.MaxWarps)
	case c.WarpsPerCTA < 1 || c.WarpsPerCTA > barrier.MaxWarpsPerCTA:
		return errors.New("warps per cta %d out of [1, %d]", c.WarpsPerCTA, barrier.MaxWarpsPerCTA)
	case c.IssueWidth < 1 || c.IssueWidth > sched.MaxIssueWidth:
		return errors.New("issue width %d out of [1, %d]", c.IssueWidth, sched.MaxIssueWidth)
	case c.MaxDivergentPaths != stack.MaxDivergentPaths:
		return errors.New("max divergent paths %d: only %d-way divergence is supported", c.MaxDivergentPaths, stack.MaxDivergentPaths)
	}

	if c.Mode == ModeStack {
		return nil
	}

	switch {
	case c.MaxSplitsPhysical < 1 || c.MaxSplitsPhysical >= tables.MaxSplitEntries:
		return errors.New("max splits physical %d out of [1, %d]", c.MaxSplitsPhysical, tables.MaxSplitEntries-1)
	case c.MaxReconvergencePhysical < 1 || c.MaxReconvergencePhysical > tables.MaxRecEntries:
		return errors.New("max reconvergence physical %d out of [1, %d]", c.MaxReconvergencePhysical, tables.MaxRecEntries)
	case c.TimeoutInterval == 0:
		return errors.New("timeout interval must be positive")
	case c.SlotStride < 2*memsys.ReconvergencePayloadSize:
		return errors.New("slot stride %d cannot hold both payloads", c.SlotStride)
	}

	return nil
}

// Layout is the virtualization layout implied by c.
func (c Config) Layout() memsys.Layout {
	return memsys.Layout{
		Base:     c.VirtualBase,
		Stride:   c.SlotStride,
		WarpSize: c.WarpSize,
	}
}

func (c Config) tablesConfig() tables.Config {
	return tables.Config{
		WarpSize:                 c.WarpSize,
		MaxSplitsPhysical:        c.MaxSplitsPhysical,
		MaxReconvergencePhysical: c.MaxReconvergencePhysical,
		Layout:                   c.Layout(),
	}
}
