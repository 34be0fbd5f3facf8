// Package ubuf implements the user side trace buffer. Instrumented code
// records ipoints into it without any coordination; running out of space is
// detected by the guard behind the last slot rather than by a check on every
// store.
package ubuf

import (
	"github.com/felixge/tracemerge/pkg/clock"
	"github.com/felixge/tracemerge/pkg/control"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/felixge/tracemerge/pkg/guard"
	"github.com/pkg/errors"
)

const (
	// DefaultCapacity is the number of entries of a regular buffer.
	DefaultCapacity = 1 << 20
	// SmallCapacity trades memory for more frequent flushes.
	SmallCapacity = 1 << 10
	// MinCapacity is the smallest usable buffer.
	MinCapacity = 4
)

// TrapFunc is called when the buffer is full. filled is only valid for the
// duration of the call.
type TrapFunc func(filled []encoding.Entry)

// Buffer is a user side trace buffer. It is owned by a single goroutine, the
// one calling Ipoint, which must run with debug.SetPanicOnFault enabled.
type Buffer struct {
	region *guard.Region
	slots  []encoding.Entry
	pos    int
	clock  clock.Counter
	onTrap TrapFunc

	traps  int
	inTrap bool
}

// New returns a buffer with room for capacity entries. onTrap runs on the
// goroutine that hit the guard, before the faulting ipoint is replayed.
func New(capacity int, c clock.Counter, onTrap TrapFunc) (*Buffer, error) {
	if capacity < MinCapacity {
		return nil, errors.Wrapf(control.ErrInvalidArgument, "user buffer capacity %d is smaller than %d", capacity, MinCapacity)
	}
	region, err := guard.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Buffer{
		region: region,
		slots:  region.Slots(),
		clock:  c,
		onTrap: onTrap,
	}, nil
}

// Ipoint records id with the current counter value. The stores happen in a
// fixed order: id, then the timestamp, then the cursor. When the buffer is
// full the id store hits the guard, and the trap handler flushes the buffer
// and replays the ipoint.
func (b *Buffer) Ipoint(id encoding.ID) {
	defer b.recoverTrap(id)
	b.slots[b.pos].ID = id
	b.slots[b.pos].Timestamp = b.clock.Cycles()
	b.pos++
}

func (b *Buffer) recoverTrap(id encoding.ID) {
	v := recover()
	if v == nil {
		return
	}
	if b.inTrap || !b.region.Recognize(v, b.pos) {
		panic(v)
	}

	b.traps++
	b.flush()

	b.slots[0].ID = id
	b.slots[0].Timestamp = b.clock.Cycles()
	b.pos = 1
}

// flush hands the full buffer to onTrap. The buffer is empty afterwards even
// if onTrap panics, in which case the entries are lost.
func (b *Buffer) flush() {
	filled := b.slots[:b.pos]
	b.pos = 0
	b.inTrap = true
	defer func() { b.inTrap = false }()
	b.onTrap(filled)
}

// Drain returns the recorded entries and empties the buffer. The returned
// slice is only valid until the next Ipoint.
func (b *Buffer) Drain() []encoding.Entry {
	filled := b.slots[:b.pos]
	b.pos = 0
	return filled
}

// Len returns the number of recorded entries.
func (b *Buffer) Len() int {
	return b.pos
}

// Capacity returns the number of entries the buffer holds.
func (b *Buffer) Capacity() int {
	return b.region.Limit()
}

// Traps returns how often the buffer ran full.
func (b *Buffer) Traps() int {
	return b.traps
}

// Close releases the storage. The buffer must not be used afterwards.
func (b *Buffer) Close() error {
	b.slots = nil
	b.pos = 0
	return b.region.Close()
}
