// Package session ties a user buffer, a kernel side tracer and a trace file
// together. A Session is owned by the goroutine that created it: ipoints,
// flushes and the final Output all run on that goroutine.
package session

import (
	"io"
	"os"
	"runtime/debug"

	"github.com/felixge/tracemerge/pkg/clock"
	"github.com/felixge/tracemerge/pkg/control"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/felixge/tracemerge/pkg/merge"
	"github.com/felixge/tracemerge/pkg/ubuf"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultPath is the name of the trace file created by Init.
const DefaultPath = "trace.bin"

// Stats are the counters of a session.
type Stats struct {
	// Flushes is the number of merges written to the trace.
	Flushes int
	// Traps is the number of times the user buffer ran full.
	Traps int
	// User and Kernel count the entries written from either side.
	User   int
	Kernel int
	// Lost counts kernel buffers discarded because they overflowed.
	Lost int
	// Missed is the number of kernel events dropped by the tracer.
	Missed uint64
	// Bytes is the size of the trace.
	Bytes int64
}

// Session is a tracing session.
type Session struct {
	dev    control.Device
	buf    *ubuf.Buffer
	merger *merge.Merger
	out    io.Closer
	log    *zap.Logger
	fatal  func(error)

	stats            Stats
	overflow         <-chan struct{}
	prevPanicOnFault bool
}

type options struct {
	path     string
	w        io.Writer
	capacity int
	shift    uint32
	clock    clock.Counter
	log      *zap.Logger
	fatal    func(error)
	staging  int
}

// Option configures a Session.
type Option func(*options)

// WithPath sets the path of the trace file.
func WithPath(path string) Option {
	return func(o *options) { o.path = path }
}

// WithWriter makes the session write the trace to w instead of a file.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.w = w }
}

// WithCapacity sets the number of entries of the user buffer.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithSmallBuffer selects a small user buffer, which is flushed more often.
func WithSmallBuffer() Option {
	return WithCapacity(ubuf.SmallCapacity)
}

// WithBufferShift resizes the kernel side buffer to 2^shift entries.
func WithBufferShift(shift uint32) Option {
	return func(o *options) { o.shift = shift }
}

// WithClock sets the counter used for ipoints and flush markers. It must be
// the counter used by the kernel side tracer.
func WithClock(c clock.Counter) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithFatalHandler replaces the handler called when the trace cannot be
// written. The default handler logs the error and exits the process, since a
// partially written trace cannot be trusted.
func WithFatalHandler(fn func(error)) Option {
	return func(o *options) { o.fatal = fn }
}

// WithStagingSize sets the number of merged entries buffered before writing.
func WithStagingSize(n int) Option {
	return func(o *options) { o.staging = n }
}

// overflowNotifier is implemented by devices that announce imminent
// overflow of their buffer.
type overflowNotifier interface {
	Overflow() <-chan struct{}
}

// Init starts a session on dev. Once Init succeeds the session owns dev and
// closes it in Output. The protocol version of dev is checked before anything
// else is set up. Init enables panics on faults for the calling goroutine,
// which is required for detecting the end of the user buffer.
func Init(dev control.Device, opts ...Option) (*Session, error) {
	o := options{
		path:     DefaultPath,
		capacity: ubuf.DefaultCapacity,
		clock:    clock.Process,
		log:      zap.NewNop(),
		staging:  merge.DefaultStagingSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.fatal == nil {
		log := o.log
		o.fatal = func(err error) {
			log.Error("failed to write trace", zap.Error(err))
			log.Sync()
			os.Exit(1)
		}
	}

	if err := control.CheckVersion(dev); err != nil {
		return nil, err
	}
	if err := dev.Control(control.Reset, nil); err != nil {
		return nil, errors.Wrap(err, "failed to reset tracer")
	}
	if o.shift != 0 {
		shift := o.shift
		if err := dev.Control(control.SetBufferShift, &shift); err != nil {
			return nil, errors.Wrap(err, "failed to resize tracer buffer")
		}
	}
	var shift uint32
	if err := dev.Control(control.GetBufferShift, &shift); err != nil {
		return nil, errors.Wrap(err, "failed to get tracer buffer size")
	}

	s := &Session{dev: dev, log: o.log, fatal: o.fatal}
	w := o.w
	if w == nil {
		f, err := os.Create(o.path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create trace file")
		}
		w, s.out = f, f
	}

	buf, err := ubuf.New(o.capacity, o.clock, s.trap)
	if err != nil {
		s.closeOut()
		return nil, err
	}
	s.buf = buf
	s.merger = merge.NewMerger(merge.DeviceSource(dev), w, o.clock,
		merge.WithChunkSize(1<<shift),
		merge.WithStagingSize(o.staging),
		merge.WithLogger(o.log),
	)
	if n, ok := dev.(overflowNotifier); ok {
		s.overflow = n.Overflow()
	}

	if err := dev.Control(control.Enable, nil); err != nil {
		buf.Close()
		s.closeOut()
		return nil, errors.Wrap(err, "failed to enable tracer")
	}
	s.prevPanicOnFault = debug.SetPanicOnFault(true)
	s.log.Info("tracing session started",
		zap.Int("user_capacity", buf.Capacity()),
		zap.Uint32("kernel_shift", shift),
	)
	return s, nil
}

// Ipoint records id. Ids must be below encoding.ReservedBase. Ipoints after
// Output are ignored.
func (s *Session) Ipoint(id encoding.ID) {
	if b := s.buf; b != nil {
		b.Ipoint(id)
	}
}

func (s *Session) trap(filled []encoding.Entry) {
	s.stats.Traps++
	s.flush(filled, true)
}

// Flush merges the recorded ipoints and the kernel events into the trace.
// The flush is delimited by BeginWrite and EndWrite markers.
func (s *Session) Flush() error {
	if s.buf == nil {
		return os.ErrClosed
	}
	return s.flush(s.buf.Drain(), true)
}

// flush merges filled with the kernel side. Capture is suspended meanwhile,
// so the kernel side holds still while it is drained.
func (s *Session) flush(filled []encoding.Entry, bracketed bool) error {
	if err := s.dev.Control(control.Disable, nil); err != nil {
		return s.fail(errors.Wrap(err, "failed to suspend tracing"))
	}
	res, err := s.merger.Merge(filled, bracketed)
	s.stats.Flushes++
	s.stats.User += res.User
	s.stats.Kernel += res.Kernel
	s.stats.Lost += res.Lost
	s.stats.Bytes = s.merger.Offset()
	if err != nil {
		return s.fail(err)
	}
	if res.Lost > 0 {
		s.log.Warn("kernel trace buffer overflowed", zap.Int("lost", res.Lost))
	}
	if st, err := control.GetStatsOf(s.dev); err == nil && st.Missed > s.stats.Missed {
		s.log.Warn("kernel events missed", zap.Uint64("missed", st.Missed-s.stats.Missed))
		s.stats.Missed = st.Missed
	}
	s.log.Debug("trace flushed",
		zap.Int("user", res.User),
		zap.Int("kernel", res.Kernel),
		zap.Bool("bracketed", bracketed),
	)
	if bracketed {
		if err := s.dev.Control(control.Enable, nil); err != nil {
			return s.fail(errors.Wrap(err, "failed to resume tracing"))
		}
	}
	return nil
}

func (s *Session) fail(err error) error {
	s.fatal(err)
	return err
}

// Output performs the final flush, closes the trace and the device and
// releases the user buffer. It must be called on the goroutine that called
// Init; calling it again is a no-op.
func (s *Session) Output() error {
	if s.buf == nil {
		return nil
	}
	err := s.flush(s.buf.Drain(), false)
	if cerr := s.closeOut(); err == nil {
		err = cerr
	}
	if cerr := s.dev.Close(); err == nil {
		err = cerr
	}
	if cerr := s.buf.Close(); err == nil {
		err = cerr
	}
	s.buf = nil
	debug.SetPanicOnFault(s.prevPanicOnFault)
	s.log.Info("tracing session finished",
		zap.Int("flushes", s.stats.Flushes),
		zap.Int("user", s.stats.User),
		zap.Int("kernel", s.stats.Kernel),
		zap.Int64("bytes", s.stats.Bytes),
	)
	return err
}

// Close is an alias for Output.
func (s *Session) Close() error {
	return s.Output()
}

func (s *Session) closeOut() error {
	if s.out == nil {
		return nil
	}
	out := s.out
	s.out = nil
	return errors.Wrap(out.Close(), "failed to close trace file")
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	return s.stats
}

// Overflow returns a channel announcing that the kernel side buffer is about
// to overflow and the session should be flushed. It is nil if the device
// does not announce overflows.
func (s *Session) Overflow() <-chan struct{} {
	return s.overflow
}
