// Package kbuf implements the simple kernel trace buffer: one global array
// without per-task separation. A single owner at a time may append to it and
// the whole buffer is handed out at once by Download.
package kbuf

import (
	"sync"

	"github.com/felixge/tracemerge/pkg/control"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/felixge/tracemerge/pkg/hook"
	"github.com/pkg/errors"
)

const (
	// DefaultCapacity is 16 MiB worth of entries.
	DefaultCapacity = 16 << 20 / encoding.EntrySize
	// MinCapacity is the smallest usable buffer.
	MinCapacity = 4
)

// NoOwner is the owner token of a stopped buffer.
const NoOwner = hook.NoTask

// Buffer is a fixed capacity trace buffer. The mutex plays the role of
// masking interrupts: it is only held for the few instructions of an append
// or a cursor reset.
type Buffer struct {
	mu        sync.Mutex
	entries   []encoding.Entry
	n         int
	owner     hook.TaskID
	threshold int
	warned    bool

	written uint64
	read    uint64
	missed  uint64

	overflow chan struct{}
}

// New returns a stopped buffer holding capacity entries.
func New(capacity int) (*Buffer, error) {
	if capacity < MinCapacity {
		return nil, errors.Wrapf(control.ErrInvalidArgument, "capacity %d is smaller than %d", capacity, MinCapacity)
	}
	b := &Buffer{overflow: make(chan struct{}, 1)}
	b.alloc(capacity)
	return b, nil
}

func (b *Buffer) alloc(capacity int) {
	b.entries = make([]encoding.Entry, capacity)
	b.threshold = capacity / 4
	b.n = 0
	b.warned = false
}

// Capacity returns the number of entries the buffer holds.
func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Threshold returns the number of remaining free entries at which Append
// starts reporting imminent overflow.
func (b *Buffer) Threshold() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threshold
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Append records an entry on behalf of owner. Appends from anyone but the
// current owner are ignored. It returns true once the remaining capacity has
// dropped to the overflow threshold, so the caller can get the buffer drained
// before entries are lost. Entries that do not fit are counted as missed.
func (b *Buffer) Append(owner hook.TaskID, id encoding.ID, ts uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if owner == NoOwner || owner != b.owner {
		return false
	}
	if b.n == len(b.entries) {
		b.missed++
		return true
	}
	b.entries[b.n] = encoding.Entry{ID: id, Timestamp: ts}
	b.n++
	b.written++
	return len(b.entries)-b.n <= b.threshold
}

// Notify signals imminent overflow on the Overflow channel. Only the first
// call after the buffer was emptied has an effect; it returns whether the
// signal was sent.
func (b *Buffer) Notify() bool {
	b.mu.Lock()
	if b.warned {
		b.mu.Unlock()
		return false
	}
	b.warned = true
	b.mu.Unlock()

	select {
	case b.overflow <- struct{}{}:
	default:
	}
	return true
}

// Overflow returns a channel that receives a value when the buffer is about
// to overflow.
func (b *Buffer) Overflow() <-chan struct{} {
	return b.overflow
}

// Start allows owner to append.
func (b *Buffer) Start(owner hook.TaskID) {
	b.mu.Lock()
	b.owner = owner
	b.mu.Unlock()
}

// Stop prevents any further appends.
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.owner = NoOwner
	b.mu.Unlock()
}

// Owner returns the task currently allowed to append, or NoOwner.
func (b *Buffer) Owner() hook.TaskID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owner
}

// Reset stops the buffer, discards its content and clears the counters.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owner = NoOwner
	b.n = 0
	b.warned = false
	b.written, b.read, b.missed = 0, 0, 0
}

// resize reallocates the buffer, discarding its content.
func (b *Buffer) resize(capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alloc(capacity)
}

// Stats returns the buffer counters.
func (b *Buffer) Stats() control.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return control.Stats{Written: b.written, Read: b.read, Missed: b.missed}
}

// Download stops the buffer and copies its content into dst. Partial reads
// are not supported:
//
//   - dst smaller than the capacity fails with control.ErrInvalidArgument and
//     leaves the content in place,
//   - a buffer that is full, or one entry short of it, has most likely
//     dropped entries already; it is discarded and control.ErrLost returned,
//   - an empty buffer yields 0.
//
// In every other case the buffer is emptied after copying.
func (b *Buffer) Download(dst []encoding.Entry) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.owner = NoOwner
	capacity := len(b.entries)
	if len(dst) < capacity {
		return 0, errors.Wrapf(control.ErrInvalidArgument, "download needs room for %d entries, got %d", capacity, len(dst))
	}

	n := b.n
	b.n = 0
	b.warned = false
	if n >= capacity-1 {
		b.missed += uint64(n)
		return 0, errors.Wrapf(control.ErrLost, "kernel buffer is full (%d entries)", n)
	}
	copy(dst, b.entries[:n])
	b.read += uint64(n)
	return n, nil
}
