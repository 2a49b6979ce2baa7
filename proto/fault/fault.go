// Package fault carries structural invariant violations of the divergence unit.
//
// A violation means the model is desynchronized (free-stack underflow, a third
// divergent path, a double-buffered insert). The simulation cannot continue,
// so the violation panics with *Error and the core recovers it into a
// returned error at the run boundary.
package fault

import (
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
)

// NoEntry is the sentinel entry index used when a violation is not tied to a
// table row.
const NoEntry = -1

type Error struct {
	Warp  int
	Table string
	Entry int
	Site  loc.PC
	Msg   string
}

func (e *Error) Error() string {
	if e.Entry == NoEntry {
		return fmt.Sprintf("invariant violated: warp %d %s: %s (at %v)", e.Warp, e.Table, e.Msg, e.Site)
	}

	return fmt.Sprintf("invariant violated: warp %d %s entry %d: %s (at %v)", e.Warp, e.Table, e.Entry, e.Msg, e.Site)
}

// Invariant panics with an *Error that records the caller's location.
func Invariant(warp int, table string, entry int, format string, args ...interface{}) {
	panic(&Error{
		Warp:  warp,
		Table: table,
		Entry: entry,
		Site:  loc.Caller(1),
		Msg:   fmt.Sprintf(format, args...),
	})
}

// Assert calls Invariant when cond is false.
func Assert(cond bool, warp int, table string, entry int, format string, args ...interface{}) {
	if cond {
		return
	}

	panic(&Error{
		Warp:  warp,
		Table: table,
		Entry: entry,
		Site:  loc.Caller(1),
		Msg:   fmt.Sprintf(format, args...),
	})
}

// Recover converts a recovered *Error into *errp. Any other panic value is
// re-raised. Use as `defer fault.Recover(&err)`.
func Recover(errp *error) {
	p := recover()
	if p == nil {
		return
	}

	e, ok := p.(*Error)
	if !ok {
		panic(p)
	}

	*errp = errors.Wrap(e, "simulation aborted")
}

// As extracts the violation from an error chain.
func As(err error) (*Error, bool) {
	var e *Error

	ok := errors.As(err, &e)

	return e, ok
}
