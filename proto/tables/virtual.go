package tables

import (
	"encoding/binary"

	"github.com/maemowong/suprax-simt/proto/isa"
	"github.com/maemowong/suprax-simt/proto/mask"
	"github.com/maemowong/suprax-simt/proto/memsys"
)

// Request is the single in-flight spill or fill of one table.
type Request struct {
	Op     *memsys.MemOp
	Entry  int
	Issued uint64
}

// noPC32 is how an absent PC is stored in a 32-bit payload field.
const noPC32 = ^uint32(0)

//go:inline
func pc32(pc uint64) uint32 {
	if pc == isa.NoPC {
		return noPC32
	}

	return uint32(pc)
}

//go:inline
func pc64(v uint32) uint64 {
	if v == noPC32 {
		return isa.NoPC
	}

	return uint64(v)
}

// splitPayload is the 12-byte image of a split row in memory.
type splitPayload struct {
	PC           uint64
	ReconvergePC uint64
	Active       mask.Mask
}

func encodeSplit(e *SplitEntry) []byte {
	b := make([]byte, memsys.SplitPayloadSize)

	binary.LittleEndian.PutUint32(b[0:], pc32(e.PC))
	binary.LittleEndian.PutUint32(b[4:], pc32(e.ReconvergePC))
	binary.LittleEndian.PutUint32(b[8:], uint32(e.Active))

	return b
}

func decodeSplit(b []byte) (p splitPayload, ok bool) {
	if len(b) < memsys.SplitPayloadSize {
		return p, false
	}

	p.PC = pc64(binary.LittleEndian.Uint32(b[0:]))
	p.ReconvergePC = pc64(binary.LittleEndian.Uint32(b[4:]))
	p.Active = mask.Mask(binary.LittleEndian.Uint32(b[8:]))

	return p, true
}

// matches compares against the resident tag copy at payload precision.
func (p splitPayload) matches(e *SplitEntry) bool {
	return pc32(p.PC) == pc32(e.PC) &&
		pc32(p.ReconvergePC) == pc32(e.ReconvergePC) &&
		p.Active == e.Active
}

// recPayload is the 16-byte image of a reconvergence row in memory.
type recPayload struct {
	PC           uint64
	ReconvergePC uint64
	Active       mask.Mask
	Pending      mask.Mask
}

func encodeRec(e *RecEntry) []byte {
	b := make([]byte, memsys.ReconvergencePayloadSize)

	binary.LittleEndian.PutUint32(b[0:], pc32(e.PC))
	binary.LittleEndian.PutUint32(b[4:], pc32(e.ReconvergePC))
	binary.LittleEndian.PutUint32(b[8:], uint32(e.Active))
	binary.LittleEndian.PutUint32(b[12:], uint32(e.Pending))

	return b
}

func decodeRec(b []byte) (p recPayload, ok bool) {
	if len(b) < memsys.ReconvergencePayloadSize {
		return p, false
	}

	p.PC = pc64(binary.LittleEndian.Uint32(b[0:]))
	p.ReconvergePC = pc64(binary.LittleEndian.Uint32(b[4:]))
	p.Active = mask.Mask(binary.LittleEndian.Uint32(b[8:]))
	p.Pending = mask.Mask(binary.LittleEndian.Uint32(b[12:]))

	return p, true
}

func (p recPayload) matches(e *RecEntry) bool {
	return pc32(p.PC) == pc32(e.PC) &&
		pc32(p.ReconvergePC) == pc32(e.ReconvergePC) &&
		p.Active == e.Active &&
		p.Pending == e.Pending
}

// stalls splits unfinished memory cycles by cause: a port taken by another
// micro-op, or a request still waiting out its latency.
func stalls(reason memsys.StallReason, port, latency *uint64) {
	switch reason {
	case memsys.StallBankConflict:
		*port++
	case memsys.StallInFlight:
		*latency++
	}
}

func (t *SplitsTable) countStall(reason memsys.StallReason) {
	stalls(reason, &t.stats.PortStalls, &t.stats.LatencyStalls)
}

func (t *ReconvergenceTable) countStall(reason memsys.StallReason) {
	stalls(reason, &t.stats.PortStalls, &t.stats.LatencyStalls)
}
