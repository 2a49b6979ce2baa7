// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SUPRAX SIMT Shader Core
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// Core runs one kernel on NumWarps warps. Each warp has a functional executor
// (lane registers, PCs, return stacks) and a divergence tracker that decides
// which lanes run next. All warps share one memory pipeline, one barrier unit
// and one warp scheduler.
//
// CYCLE ORDER:
// ────────────
//  1. Memory pipeline opens the cycle (ports free again)
//  2. Every tracker advances (spills, fills, deferred inserts)
//  3. Every TimeoutInterval cycles: reconvergence timeout sweep
//  4. Warps waiting on LOAD/STORE drive their micro-ops; a warp whose last
//     micro-op completes retires the instruction
//  5. Scheduler picks up to IssueWidth ready warps; each executes the active
//     split's instruction and either retires it or starts memory micro-ops
//
// Retiring an instruction updates the tracker, parks the warp at a barrier if
// all its lanes are there, and retires the warp once the tracker is empty.
//
// Tracker spill/fill traffic is driven before data accesses, so the divergence
// unit wins port arbitration.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package simt

import (
	"context"
	"encoding/binary"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/maemowong/suprax-simt/proto/barrier"
	"github.com/maemowong/suprax-simt/proto/fault"
	"github.com/maemowong/suprax-simt/proto/isa"
	"github.com/maemowong/suprax-simt/proto/kernel"
	"github.com/maemowong/suprax-simt/proto/mask"
	"github.com/maemowong/suprax-simt/proto/memsys"
	"github.com/maemowong/suprax-simt/proto/sched"
	"github.com/maemowong/suprax-simt/proto/tables"
)

const coreName = "core"

type warpState uint8

const (
	warpReady warpState = iota
	warpMemory
	warpBarrier
	warpExited
)

func (s warpState) String() string {
	switch s {
	case warpMemory:
		return "memory"
	case warpBarrier:
		return "barrier"
	case warpExited:
		return "exited"
	default:
		return "ready"
	}
}

type warp struct {
	id    int
	tr    Tracker
	exec  *kernel.Warp
	state warpState

	// Instruction waiting on memory.
	step    isa.Step
	acc     []kernel.Access
	ops     []*memsys.MemOp
	pending int
}

// Stats is the core-level view of a run.
type Stats struct {
	Cycles             uint64
	WarpInstructions   uint64
	ThreadInstructions uint64
	Divergences        uint64
	Reconvergences     uint64
	TimedOutRows       uint64
	BarrierReleases    uint64
	DataAccesses       uint64
	MemWaitCycles      uint64

	// Divergence tables only.
	SplitSpills uint64
	SplitFills  uint64
	RecSpills   uint64
	RecFills    uint64
	MaxSplits   int
	MaxRows     int
}

// IPC is warp instructions per cycle.
func (s Stats) IPC() float64 {
	if s.Cycles == 0 {
		return 0
	}

	return float64(s.WarpInstructions) / float64(s.Cycles)
}

// SIMDEfficiency is the average fraction of lanes active per warp
// instruction.
func (s Stats) SIMDEfficiency(warpSize int) float64 {
	if s.WarpInstructions == 0 || warpSize == 0 {
		return 0
	}

	return float64(s.ThreadInstructions) / float64(s.WarpInstructions*uint64(warpSize))
}

type Core struct {
	cfg  Config
	geo  kernel.Geometry
	prog *kernel.Program

	mem   *memsys.Model
	bar   *barrier.Unit
	sched *sched.Scheduler
	warps []*warp

	states []sched.WarpState
	live   int
	cycle  uint64

	trace tlog.Span
	stats Stats
}

// NewCore validates cfg, initializes kernel input and launches every warp at
// the kernel entry.
func NewCore(cfg Config, prog *kernel.Program) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config")
	}

	c := &Core{
		cfg:  cfg,
		prog: prog,
		geo: kernel.Geometry{
			WarpSize:    cfg.WarpSize,
			WarpsPerCTA: cfg.WarpsPerCTA,
			NumWarps:    cfg.NumWarps,
		},
		mem:    cfg.Memory.Build(),
		bar:    barrier.New(cfg.NumWarps, cfg.WarpsPerCTA),
		sched:  sched.New(cfg.NumWarps, cfg.IssueWidth),
		states: make([]sched.WarpState, cfg.NumWarps),
	}

	if prog.Init != nil {
		var err error

		prog.Init(storeFunc(func(addr uint64, v int64) {
			if err == nil {
				err = c.StoreWord(addr, v)
			}
		}), c.geo)

		if err != nil {
			return nil, errors.Wrap(err, "init kernel %v", prog.Name)
		}
	}

	for i := 0; i < cfg.NumWarps; i++ {
		w := &warp{
			id:   i,
			tr:   NewTracker(cfg, i, c.mem),
			exec: kernel.NewWarp(prog, i, c.geo),
		}

		w.tr.Launch(prog.Entry(), mask.Full(cfg.WarpSize), 0)
		c.bar.Launch(i)

		c.warps = append(c.warps, w)
	}

	c.live = cfg.NumWarps

	return c, nil
}

type storeFunc func(addr uint64, v int64)

func (f storeFunc) Store(addr uint64, v int64) { f(addr, v) }

func (c *Core) Config() Config { return c.cfg }

func (c *Core) Now() uint64 { return c.cycle }

// Done reports whether every warp has exited.
func (c *Core) Done() bool { return c.live == 0 }

// Tracker exposes warp's divergence tracker.
func (c *Core) Tracker(warp int) Tracker { return c.warps[warp].tr }

// Memory exposes the shared memory pipeline.
func (c *Core) Memory() *memsys.Model { return c.mem }

// Stats folds per-warp table statistics into the core counters.
func (c *Core) Stats() Stats {
	s := c.stats

	for _, w := range c.warps {
		d, ok := w.tr.(*tables.Tables)
		if !ok {
			continue
		}

		ss := d.Splits().Stats()
		rs := d.Reconvergence().Stats()

		s.SplitSpills += ss.Spills
		s.SplitFills += ss.Fills
		s.RecSpills += rs.Spills
		s.RecFills += rs.Fills

		if ss.MaxValid > s.MaxSplits {
			s.MaxSplits = ss.MaxValid
		}
		if rs.MaxValid > s.MaxRows {
			s.MaxRows = rs.MaxValid
		}
	}

	return s
}

// SchedulerStats exposes the warp scheduler counters.
func (c *Core) SchedulerStats() sched.Stats { return c.sched.Stats() }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// RUN
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Run cycles the core until every warp exits or maxCycles elapse (0 means no
// limit).
func (c *Core) Run(ctx context.Context, maxCycles uint64) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "simt: run", "kernel", c.prog.Name, "mode", c.cfg.Mode, "warps", c.cfg.NumWarps)
	defer tr.Finish("cycles", &c.cycle, "err", &err)

	c.setTrace(tr)

	for !c.Done() {
		if maxCycles != 0 && c.cycle >= maxCycles {
			return errors.New("cycle limit %d reached with %d live warps", maxCycles, c.live)
		}

		if c.cycle%1024 == 0 {
			if err = ctx.Err(); err != nil {
				return errors.Wrap(err, "cycle %d", c.cycle)
			}
		}

		if err = c.Cycle(); err != nil {
			return err
		}
	}

	s := c.Stats()

	tr.Printw("kernel finished", "cycles", s.Cycles, "ipc", s.IPC(), "simd_efficiency", s.SIMDEfficiency(c.cfg.WarpSize),
		"divergences", s.Divergences, "reconvergences", s.Reconvergences, "timeouts", s.TimedOutRows)

	return nil
}

func (c *Core) setTrace(tr tlog.Span) {
	c.trace = tr

	for _, w := range c.warps {
		if d, ok := w.tr.(*tables.Tables); ok {
			d.SetTrace(tr)
		}
	}
}

// Cycle advances the core by one clock. A structural invariant violation
// anywhere in the divergence unit is returned as an error.
func (c *Core) Cycle() (err error) {
	defer fault.Recover(&err)

	now := c.cycle

	c.mem.Tick(now)

	for _, w := range c.warps {
		w.tr.Cycle(now)
	}

	if c.cfg.Mode == ModeTables && now != 0 && now%c.cfg.TimeoutInterval == 0 {
		c.sweepTimeouts(now)
	}

	for _, w := range c.warps {
		if w.state != warpMemory {
			continue
		}

		if err = c.drive(w); err != nil {
			return err
		}
	}

	for _, id := range c.sched.Select(c.warpStates()).Warps() {
		if err = c.issue(c.warps[id]); err != nil {
			return err
		}
	}

	c.cycle++
	c.stats.Cycles++

	return nil
}

func (c *Core) sweepTimeouts(now uint64) {
	for _, w := range c.warps {
		if w.state == warpExited {
			continue
		}

		n := w.tr.CheckTimeout(now, c.cfg.TimeoutThreshold)
		if n == 0 {
			continue
		}

		c.stats.TimedOutRows += uint64(n)

		if c.trace.If("timeout") {
			c.trace.Printw("reconvergence timeout", "warp", w.id, "rows", n, "cycle", now)
		}
	}
}

func (c *Core) warpStates() []sched.WarpState {
	for i, w := range c.warps {
		s := &c.states[i]

		s.Valid = w.state != warpExited && w.tr.Valid()
		if !s.Valid {
			*s = sched.WarpState{}
			continue
		}

		live := mask.Full(c.cfg.WarpSize).AndNot(w.exec.Done())

		s.Schedulable = w.tr.Schedulable()
		s.Waiting = w.state != warpReady
		s.Converged = w.tr.ActiveMask() == live
	}

	return c.states
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ISSUE / RETIRE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (c *Core) issue(w *warp) error {
	pc := w.tr.PC()
	active := w.tr.ActiveMask()

	step, acc, err := w.exec.Execute(pc, active)
	if err != nil {
		return errors.Wrap(err, "cycle %d", c.cycle)
	}

	w.tr.Issue(c.cycle)

	c.stats.WarpInstructions++
	c.stats.ThreadInstructions += uint64(active.Count())

	if len(acc) == 0 {
		c.retire(w, step)
		return nil
	}

	w.step = step
	w.acc = acc
	w.ops = w.ops[:0]
	w.pending = len(acc)
	w.state = warpMemory

	for _, a := range acc {
		if a.Addr+kernel.WordSize > c.cfg.VirtualBase {
			return errors.New("warp %d lane %d: access 0x%x overlaps the virtualization range", w.id, a.Lane, a.Addr)
		}

		var op *memsys.MemOp
		if a.Store {
			op = memsys.NewStore(memsys.SourceData, w.id, fault.NoEntry, a.Addr, a.Data())
		} else {
			op = memsys.NewLoad(memsys.SourceData, w.id, fault.NoEntry, a.Addr, kernel.WordSize)
		}

		w.ops = append(w.ops, op)
	}

	c.stats.DataAccesses += uint64(len(acc))

	return nil
}

// drive pushes w's outstanding micro-ops through the pipeline.
func (c *Core) drive(w *warp) error {
	c.stats.MemWaitCycles++

	for i, op := range w.ops {
		if op == nil {
			continue
		}

		done, _, _ := c.mem.MemoryCycle(op)
		if !done {
			continue
		}

		if !w.acc[i].Store {
			w.exec.CompleteLoad(w.acc[i], op.Data)
		}

		w.ops[i] = nil
		w.pending--
	}

	if w.pending != 0 {
		return nil
	}

	w.state = warpReady
	c.retire(w, w.step)

	return nil
}

// retire hands an executed instruction to the tracker.
func (c *Core) retire(w *warp, step isa.Step) {
	out := w.tr.Update(c.cycle, step)

	if out.Diverged {
		c.stats.Divergences++
	}
	if out.Reconverged {
		c.stats.Reconvergences++
	}

	switch {
	case step.Op == isa.OpBarrier:
		if w.tr.ReachBarrier(c.cycle, step.FallThrough()) {
			c.arrive(w)
		}
	case out.WarpAtBarrier:
		c.arrive(w)
	}

	if !w.tr.Valid() {
		c.exit(w)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// BARRIER / EXIT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (c *Core) arrive(w *warp) {
	w.state = warpBarrier

	id, local := c.bar.CTA(w.id)
	if c.bar.WarpReachesBarrier(id, local) {
		c.release(id)
	}
}

func (c *Core) release(id int) {
	released := c.bar.Release(id)

	for _, g := range released {
		w := c.warps[g]

		w.tr.ReleaseBarrier()
		w.state = warpReady
	}

	c.stats.BarrierReleases++

	if c.trace.If("barrier") {
		c.trace.Printw("barrier released", "cta", id, "warps", released, "cycle", c.cycle)
	}
}

func (c *Core) exit(w *warp) {
	done := w.exec.Done()

	fault.Assert(done == mask.Full(c.cfg.WarpSize), w.id, coreName, fault.NoEntry,
		"tracker is empty but lanes %v are still running", mask.Full(c.cfg.WarpSize).AndNot(done))

	if w.state == warpBarrier {
		c.bar.ReleaseBarrier(w.id)
	}

	w.state = warpExited
	c.live--

	c.trace.Printw("warp exited", "warp", w.id, "cycle", c.cycle)

	if id, complete := c.bar.WarpExits(w.id); complete {
		c.release(id)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// DATA MEMORY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// LoadWord reads one kernel word straight from backing storage.
func (c *Core) LoadWord(addr uint64) (int64, error) {
	data, err := c.mem.Storage().Read(addr, kernel.WordSize)
	if err != nil {
		return 0, errors.Wrap(err, "load 0x%x", addr)
	}

	return int64(binary.LittleEndian.Uint64(data)), nil
}

// StoreWord writes one kernel word straight to backing storage.
func (c *Core) StoreWord(addr uint64, v int64) error {
	var b [kernel.WordSize]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))

	if err := c.mem.Storage().Write(addr, b[:]); err != nil {
		return errors.Wrap(err, "store 0x%x", addr)
	}

	return nil
}

// Verify compares every thread's output slot with the kernel's expected
// value.
func (c *Core) Verify() error {
	if c.prog.Expect == nil {
		return nil
	}

	for tid := 0; tid < c.geo.Threads(); tid++ {
		got, err := c.LoadWord(kernel.OutAddr(tid))
		if err != nil {
			return err
		}

		if want := c.prog.Expect(tid, c.geo); got != want {
			return errors.New("kernel %v: thread %d stored %d, want %d", c.prog.Name, tid, got, want)
		}
	}

	return nil
}
