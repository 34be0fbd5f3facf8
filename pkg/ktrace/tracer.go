// Package ktrace implements the per-task kernel side tracer. Every traced task
// gets its own ring buffer fed by scheduler, timer, interrupt and system call
// hooks; a bounded hash registry prevents a task from being traced twice.
package ktrace

import (
	"os"
	"sync"

	"github.com/felixge/tracemerge/pkg/clock"
	"github.com/felixge/tracemerge/pkg/control"
	"github.com/felixge/tracemerge/pkg/hook"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Tracer is the global state of the per-task tracer.
type Tracer struct {
	probe    *hook.Probe
	registry *Registry
	clock    clock.Counter
	shift    uint32
	log      *zap.Logger
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithClock sets the counter used to timestamp kernel events.
func WithClock(c clock.Counter) Option {
	return func(t *Tracer) { t.clock = c }
}

// WithBufferShift sets the initial buffer size of new tasks to 2^shift
// entries.
func WithBufferShift(shift uint32) Option {
	return func(t *Tracer) { t.shift = shift }
}

// WithMaxTasks bounds the number of concurrently traced tasks.
func WithMaxTasks(n int) Option {
	return func(t *Tracer) { t.registry = NewRegistry(n) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracer) { t.log = l }
}

// New returns a tracer whose tasks attach their hooks to probe.
func New(probe *hook.Probe, opts ...Option) *Tracer {
	t := &Tracer{
		probe:    probe,
		registry: NewRegistry(DefaultMaxTasks),
		clock:    clock.Process,
		shift:    DefaultBufferShift,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open starts tracing task, which is currently running on cpu. Tracing is
// disabled until the Enable command is issued on the returned file.
func (t *Tracer) Open(task hook.TaskID, cpu int) (*File, error) {
	if tp, ok := t.registry.Lookup(task); ok {
		tp.Release()
		return nil, errors.Wrapf(control.ErrAlreadyTraced, "task %d", task)
	}

	tp := newTask(task, cpu, t.shift, t.clock)
	if err := t.registry.Insert(tp); err != nil {
		return nil, err
	}
	t.probe.Attach(tp)
	t.log.Debug("task attached", zap.Uint64("task", uint64(task)), zap.Int("cpu", cpu))
	return &File{tracer: t, task: tp}, nil
}

// Stats returns the counters of a traced task.
func (t *Tracer) Stats(task hook.TaskID) (control.Stats, bool) {
	tp, ok := t.registry.Lookup(task)
	if !ok {
		return control.Stats{}, false
	}
	defer tp.Release()
	return tp.Stats(), true
}

// Tasks returns the ids of all traced tasks.
func (t *Tracer) Tasks() []hook.TaskID {
	var ids []hook.TaskID
	t.registry.Range(func(tp *Task) bool {
		ids = append(ids, tp.ID())
		return true
	})
	return ids
}

// File is an open handle on the trace of one task. It implements
// control.Device.
type File struct {
	tracer *Tracer
	task   *Task

	mu     sync.Mutex
	closed bool
}

var _ control.Device = (*File)(nil)

// Task returns the traced task.
func (f *File) Task() *Task {
	return f.task
}

// Read implements io.Reader, see Task.Read.
func (f *File) Read(p []byte) (int, error) {
	if f.isClosed() {
		return 0, os.ErrClosed
	}
	return f.task.Read(p)
}

// Control executes a control command against the task.
func (f *File) Control(cmd control.Command, arg any) error {
	if f.isClosed() {
		return os.ErrClosed
	}
	return control.Dispatch(f.task, cmd, arg)
}

// Close stops tracing the task. It detaches the hooks, removes the task from
// the registry and waits until neither a hook nor a lookup still references
// it before releasing the buffer.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true

	t := f.tracer
	t.probe.Detach(f.task)
	t.registry.Remove(f.task.id)
	f.task.Disable()
	f.task.buf.Store(newRing(0))
	t.log.Debug("task detached",
		zap.Uint64("task", uint64(f.task.id)),
		zap.Uint64("missed", f.task.missed.Load()),
	)
	return nil
}

func (f *File) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
