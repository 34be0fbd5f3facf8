package ktrace

import (
	"io"
	"sync/atomic"

	"github.com/felixge/tracemerge/pkg/clock"
	"github.com/felixge/tracemerge/pkg/control"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/felixge/tracemerge/pkg/hook"
	"github.com/pkg/errors"
)

const (
	// DefaultBufferShift sizes new task buffers to 64k entries.
	DefaultBufferShift = 16
	// MaxBufferShift bounds SetBufferShift to 16M entries.
	MaxBufferShift = 24
)

// noCPU is the CPU hint of a task that is not running.
const noCPU = -1

// ring is the storage of a task buffer. It is replaced as a whole when the
// buffer is resized.
type ring struct {
	shift   uint32
	mask    uint64
	entries []encoding.Entry
}

func newRing(shift uint32) *ring {
	return &ring{
		shift:   shift,
		mask:    1<<shift - 1,
		entries: make([]encoding.Entry, 1<<shift),
	}
}

// Task is the tracer of a single task. Its ring buffer has a single writer,
// the hooks firing for the task, and a single reader, the task itself. The
// cursors only ever increase; they are masked when indexing the ring.
type Task struct {
	id    hook.TaskID
	clock clock.Counter

	enabled atomic.Bool
	reading atomic.Bool // capture held off while Read copies
	cpu     atomic.Int64 // CPU the task runs on, noCPU while switched out
	buf     atomic.Pointer[ring]
	first   atomic.Uint64 // read cursor
	last    atomic.Uint64 // write cursor

	written atomic.Uint64
	read    atomic.Uint64
	missed  atomic.Uint64

	refs atomic.Int32 // registry lookups in progress
	dead atomic.Bool  // removed from the registry
}

func newTask(id hook.TaskID, cpu int, shift uint32, c clock.Counter) *Task {
	t := &Task{id: id, clock: c}
	t.cpu.Store(int64(cpu))
	t.buf.Store(newRing(shift))
	return t
}

// ID returns the id of the traced task.
func (t *Task) ID() hook.TaskID {
	return t.id
}

// CPU returns the CPU the task was last seen running on, or -1 if it is
// switched out.
func (t *Task) CPU() int {
	return int(t.cpu.Load())
}

// Len returns the number of entries waiting to be read.
func (t *Task) Len() int {
	return int(t.last.Load() - t.first.Load())
}

// Release drops a reference obtained from Registry.Lookup.
func (t *Task) Release() {
	t.refs.Add(-1)
}

// record appends an entry stamped with the current counter value. It never
// blocks: when the ring is full the entry is dropped and counted as missed.
func (t *Task) record(id encoding.ID) {
	r := t.buf.Load()
	last := t.last.Load()
	if last-t.first.Load() == uint64(len(r.entries)) {
		t.missed.Add(1)
		return
	}
	r.entries[last&r.mask] = encoding.Entry{ID: id, Timestamp: t.clock.Cycles()}
	t.last.Store(last + 1)
	t.written.Add(1)
}

func (t *Task) capturing() bool {
	return t.enabled.Load() && !t.reading.Load()
}

// SchedIn implements hook.Handler.
func (t *Task) SchedIn(cpu int, task hook.TaskID) {
	if task != t.id {
		return
	}
	if t.capturing() {
		t.record(encoding.SwitchTo)
	}
	t.cpu.Store(int64(cpu))
}

// SchedOut implements hook.Handler.
func (t *Task) SchedOut(cpu int, task hook.TaskID) {
	if task != t.id {
		return
	}
	if t.capturing() {
		t.record(encoding.SwitchFrom)
	}
	t.cpu.Store(noCPU)
}

// Event implements hook.Handler. Only events on the CPU currently running the
// task are recorded.
func (t *Task) Event(cpu int, kind hook.Kind) {
	if t.capturing() && int64(cpu) == t.cpu.Load() {
		t.record(kind.ID())
	}
}

// Reset implements control.Target.
func (t *Task) Reset() error {
	if t.enabled.Load() {
		return errors.Wrap(control.ErrBusy, "cannot reset while tracing")
	}
	t.first.Store(0)
	t.last.Store(0)
	t.written.Store(0)
	t.read.Store(0)
	t.missed.Store(0)
	return nil
}

// Enable implements control.Target.
func (t *Task) Enable() { t.enabled.Store(true) }

// Disable implements control.Target.
func (t *Task) Disable() { t.enabled.Store(false) }

// Enabled implements control.Target.
func (t *Task) Enabled() bool { return t.enabled.Load() }

// SetBufferShift implements control.Target. Resizing discards buffered
// entries.
func (t *Task) SetBufferShift(shift uint32) error {
	if t.enabled.Load() {
		return errors.Wrap(control.ErrBusy, "cannot resize while tracing")
	}
	if shift < 1 || shift > MaxBufferShift {
		return errors.Wrapf(control.ErrInvalidArgument, "buffer shift %d out of range [1, %d]", shift, MaxBufferShift)
	}
	t.buf.Store(newRing(shift))
	t.first.Store(0)
	t.last.Store(0)
	return nil
}

// BufferShift implements control.Target.
func (t *Task) BufferShift() uint32 {
	return t.buf.Load().shift
}

// Stats implements control.Target.
func (t *Task) Stats() control.Stats {
	return control.Stats{
		Written: t.written.Load(),
		Read:    t.read.Load(),
		Missed:  t.missed.Load(),
	}
}

// Read copies buffered entries into p in their little endian wire format and
// consumes them. The ring region between the read and write cursors is
// linearized, splitting the copy at most once at the wrap point:
//
//	xxxxxx|---------------|----------|xxxxxx
//	      ^               ^          ^
//	    first       wrap point      last
//
// len(p) must be a multiple of encoding.EntrySize. Capture is held off while
// copying so that the cursors cannot move under the reader; Enable and Disable
// called during a Read still take effect. Read returns io.EOF when no entries
// are buffered.
func (t *Task) Read(p []byte) (int, error) {
	if len(p)%encoding.EntrySize != 0 {
		return 0, errors.Wrapf(control.ErrInvalidArgument, "read size %d is not a multiple of %d", len(p), encoding.EntrySize)
	}

	t.reading.Store(true)
	defer t.reading.Store(false)

	r := t.buf.Load()
	first, last := t.first.Load(), t.last.Load()
	n := last - first
	if room := uint64(len(p) / encoding.EntrySize); n > room {
		n = room
	}
	if n == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	start := first & r.mask
	head := n
	if size := uint64(len(r.entries)); start+head > size {
		head = size - start
	}
	off := encoding.PutEntries(p, r.entries[start:start+head])
	off += encoding.PutEntries(p[off:], r.entries[:n-head])

	t.first.Store(first + n)
	t.read.Add(n)
	return off, nil
}
