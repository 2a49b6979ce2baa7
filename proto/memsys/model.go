// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SUPRAX SIMT Memory Pipeline Model
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// Model is the default Pipeline: a fixed number of request ports per cycle, a
// fixed access latency, and an akita Storage holding the bytes.
//
// MICRO-OP LIFECYCLE:
// ───────────────────
//  1. First MemoryCycle call: claim a port for this cycle (else bank conflict),
//     build the akita request, set ReadyAt = now + latency.
//  2. Later calls before ReadyAt: in flight.
//  3. First call at or after ReadyAt: perform the access on Storage, report done.
//
// Tick must be called once at the start of every simulated cycle.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package memsys

import (
	"gitlab.com/akita/akita/v3/sim"
	"gitlab.com/akita/mem/v3/mem"
	"gitlab.com/akita/mem/v3/vm"

	"github.com/maemowong/suprax-simt/proto/fault"
)

type Builder struct {
	latency  uint64
	ports    int
	capacity uint64
	freq     sim.Freq
}

func MakeBuilder() Builder {
	return Builder{
		latency:  20,
		ports:    1,
		capacity: 4 << 30,
		freq:     1 * sim.GHz,
	}
}

func (b Builder) WithLatency(cycles uint64) Builder {
	b.latency = cycles
	return b
}

func (b Builder) WithPorts(n int) Builder {
	b.ports = n
	return b
}

func (b Builder) WithCapacity(bytes uint64) Builder {
	b.capacity = bytes
	return b
}

func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

func (b Builder) Latency() uint64 { return b.latency }
func (b Builder) Ports() int      { return b.ports }

func (b Builder) Build() *Model {
	ports := b.ports
	if ports <= 0 {
		ports = 1
	}

	return &Model{
		storage:  mem.NewStorage(b.capacity),
		latency:  b.latency,
		ports:    ports,
		freq:     b.freq,
		inflight: make(map[string]*MemOp),
	}
}

// ModelStats counts traffic by source.
type ModelStats struct {
	Loads        [3]uint64
	Stores       [3]uint64
	BankConflict uint64
	InFlight     uint64
}

type Model struct {
	storage *mem.Storage
	latency uint64
	ports   int
	freq    sim.Freq

	now       uint64
	portsUsed int
	inflight  map[string]*MemOp

	stats ModelStats
}

// Tick opens a new cycle: ports become available again.
func (m *Model) Tick(cycle uint64) {
	m.now = cycle
	m.portsUsed = 0
}

func (m *Model) Now() uint64 { return m.now }

// Outstanding is the number of accepted, not yet completed micro-ops.
func (m *Model) Outstanding() int { return len(m.inflight) }

func (m *Model) Stats() ModelStats { return m.stats }

// Storage exposes the backing store (tests, kernel data initialisation).
func (m *Model) Storage() *mem.Storage { return m.storage }

func (m *Model) MemoryCycle(op *MemOp) (done bool, reason StallReason, kind StallKind) {
	if !op.Accepted {
		if m.portsUsed >= m.ports {
			m.stats.BankConflict++
			return false, StallBankConflict, KindStructural
		}

		m.portsUsed++
		m.accept(op)

		if m.latency > 0 {
			return false, StallInFlight, KindLatency
		}
	}

	if m.now < op.ReadyAt {
		m.stats.InFlight++
		return false, StallInFlight, KindLatency
	}

	m.complete(op)

	return true, StallNone, KindNone
}

func (m *Model) accept(op *MemOp) {
	sendTime := sim.VTimeInSec(float64(m.now) / float64(m.freq))

	switch op.Dir {
	case Store:
		req := mem.WriteReqBuilder{}.
			WithSendTime(sendTime).
			WithPID(vm.PID(op.Warp)).
			WithAddress(op.Addr).
			WithData(op.Data).
			Build()
		op.Req = req
		op.ReqID = req.Meta().ID
	default:
		req := mem.ReadReqBuilder{}.
			WithSendTime(sendTime).
			WithPID(vm.PID(op.Warp)).
			WithAddress(op.Addr).
			WithByteSize(op.Size).
			Build()
		op.Req = req
		op.ReqID = req.Meta().ID
	}

	op.Accepted = true
	op.ReadyAt = m.now + m.latency
	m.inflight[op.ReqID] = op
}

func (m *Model) complete(op *MemOp) {
	delete(m.inflight, op.ReqID)

	switch op.Dir {
	case Store:
		if err := m.storage.Write(op.Addr, op.Data); err != nil {
			fault.Invariant(op.Warp, "memsys", op.Entry, "store %v: %v", op, err)
		}
		m.stats.Stores[op.Source]++
	default:
		data, err := m.storage.Read(op.Addr, op.Size)
		if err != nil {
			fault.Invariant(op.Warp, "memsys", op.Entry, "load %v: %v", op, err)
		}
		op.Data = data
		m.stats.Loads[op.Source]++
	}
}
