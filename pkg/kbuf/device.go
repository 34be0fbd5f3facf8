package kbuf

import (
	"io"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"

	"github.com/felixge/tracemerge/pkg/clock"
	"github.com/felixge/tracemerge/pkg/control"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/felixge/tracemerge/pkg/hook"
	"github.com/pkg/errors"
)

// MaxBufferShift bounds SetBufferShift.
const MaxBufferShift = 24

// Device exposes a Buffer through the control protocol on behalf of one
// owner task. Read downloads the whole buffer, so reads must be able to hold
// its full capacity.
type Device struct {
	buf   *Buffer
	owner hook.TaskID

	mu      sync.Mutex
	scratch []encoding.Entry
	closed  bool
}

var (
	_ control.Device = (*Device)(nil)
	_ control.Target = (*Device)(nil)
)

// NewDevice returns a device through which owner drives buf.
func NewDevice(buf *Buffer, owner hook.TaskID) *Device {
	return &Device{buf: buf, owner: owner}
}

// Buffer returns the underlying buffer.
func (d *Device) Buffer() *Buffer {
	return d.buf
}

// Reset implements control.Target.
func (d *Device) Reset() error {
	if d.Enabled() {
		return errors.Wrap(control.ErrBusy, "cannot reset while tracing")
	}
	d.buf.Reset()
	return nil
}

// Enable implements control.Target.
func (d *Device) Enable() { d.buf.Start(d.owner) }

// Disable implements control.Target.
func (d *Device) Disable() { d.buf.Stop() }

// Enabled implements control.Target.
func (d *Device) Enabled() bool { return d.buf.Owner() == d.owner }

// SetBufferShift implements control.Target.
func (d *Device) SetBufferShift(shift uint32) error {
	if d.Enabled() {
		return errors.Wrap(control.ErrBusy, "cannot resize while tracing")
	}
	if shift < 2 || shift > MaxBufferShift {
		return errors.Wrapf(control.ErrInvalidArgument, "buffer shift %d out of range", shift)
	}
	d.buf.resize(1 << shift)
	return nil
}

// BufferShift implements control.Target. For capacities that are not a power
// of two it is rounded up, so that 1<<shift entries always hold the whole
// buffer.
func (d *Device) BufferShift() uint32 {
	return uint32(bits.Len(uint(d.buf.Capacity() - 1)))
}

// Stats implements control.Target.
func (d *Device) Stats() control.Stats {
	return d.buf.Stats()
}

// Control implements control.Device.
func (d *Device) Control(cmd control.Command, arg any) error {
	if d.isClosed() {
		return os.ErrClosed
	}
	return control.Dispatch(d, cmd, arg)
}

// Read downloads the buffer into p in the little endian wire format. It
// returns io.EOF if the buffer is empty and control.ErrLost if it had to be
// discarded because it was full.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, os.ErrClosed
	}
	if len(p)%encoding.EntrySize != 0 {
		return 0, errors.Wrapf(control.ErrInvalidArgument, "read size %d is not a multiple of %d", len(p), encoding.EntrySize)
	}

	room := len(p) / encoding.EntrySize
	if cap(d.scratch) < room {
		d.scratch = make([]encoding.Entry, room)
	}
	n, err := d.buf.Download(d.scratch[:room])
	if err != nil {
		return 0, err
	} else if n == 0 {
		return 0, io.EOF
	}
	return encoding.PutEntries(p, d.scratch[:n]), nil
}

// Overflow returns the overflow notifications of the buffer.
func (d *Device) Overflow() <-chan struct{} {
	return d.buf.Overflow()
}

// Close stops the buffer.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return os.ErrClosed
	}
	d.closed = true
	d.buf.Stop()
	d.scratch = nil
	return nil
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Recorder feeds hook events concerning one task into a Buffer. The first
// time an append reports imminent overflow after the buffer was emptied, it
// records an OverflowImminent entry and notifies the buffer's Overflow
// channel.
type Recorder struct {
	buf   *Buffer
	task  hook.TaskID
	clock clock.Counter
	cpu   atomic.Int64
}

var _ hook.Handler = (*Recorder)(nil)

// NewRecorder returns a recorder for task, which currently runs on cpu.
func NewRecorder(buf *Buffer, task hook.TaskID, cpu int, c clock.Counter) *Recorder {
	r := &Recorder{buf: buf, task: task, clock: c}
	r.cpu.Store(int64(cpu))
	return r
}

func (r *Recorder) append(id encoding.ID) {
	if r.buf.Append(r.task, id, r.clock.Cycles()) && r.buf.Notify() {
		r.buf.Append(r.task, encoding.OverflowImminent, r.clock.Cycles())
	}
}

// SchedIn implements hook.Handler.
func (r *Recorder) SchedIn(cpu int, task hook.TaskID) {
	if task != r.task {
		return
	}
	r.append(encoding.SwitchTo)
	r.cpu.Store(int64(cpu))
}

// SchedOut implements hook.Handler.
func (r *Recorder) SchedOut(cpu int, task hook.TaskID) {
	if task != r.task {
		return
	}
	r.append(encoding.SwitchFrom)
	r.cpu.Store(-1)
}

// Event implements hook.Handler.
func (r *Recorder) Event(cpu int, kind hook.Kind) {
	if int64(cpu) == r.cpu.Load() {
		r.append(kind.ID())
	}
}
