// Package guard provides trace entry storage whose end is protected, so that a
// store past the last writable slot traps instead of corrupting memory.
//
// On unix systems the slots are placed directly in front of a read-only page.
// Writing to it raises a fault, which the Go runtime delivers as a panic to
// goroutines that enabled debug.SetPanicOnFault. Elsewhere the slot slice ends
// at the last writable slot and the bounds check panics instead.
package guard

import (
	"github.com/felixge/tracemerge/pkg/control"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/pkg/errors"
)

// Region is trace entry storage followed by a guard.
type Region struct {
	slots []encoding.Entry
	limit int
	mem   []byte // mapping backing slots, nil for soft guards

	guardStart uintptr
	guardEnd   uintptr
}

// New returns a region with capacity writable slots.
func New(capacity int) (*Region, error) {
	if capacity <= 0 {
		return nil, errors.Wrapf(control.ErrInvalidArgument, "capacity %d", capacity)
	}
	return newRegion(capacity)
}

// Slots returns the storage. Slots [0, Limit()) are writable, storing to the
// slot at Limit() traps.
func (r *Region) Slots() []encoding.Entry {
	return r.slots
}

// Limit returns the number of writable slots.
func (r *Region) Limit() int {
	return r.limit
}

// Guarded reports whether the region is protected by a hardware guard page.
func (r *Region) Guarded() bool {
	return r.mem != nil
}

// Recognize reports whether the recovered panic value v was raised by a
// store to slot pos hitting the guard. Anything else is a genuine error that
// must be re-raised.
func (r *Region) Recognize(v any, pos int) bool {
	if pos != r.limit {
		return false
	}
	return r.recognize(v)
}

// faultAddr is implemented by the runtime errors raised for memory faults
// when panic on fault is enabled.
type faultAddr interface {
	Addr() uintptr
}

func (r *Region) inGuard(v any) bool {
	f, ok := v.(faultAddr)
	if !ok {
		return false
	}
	addr := f.Addr()
	return addr >= r.guardStart && addr < r.guardEnd
}
