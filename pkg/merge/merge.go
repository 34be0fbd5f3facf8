// Package merge combines the user and kernel side streams into a single
// chronological trace. Both streams are ordered by producer; across streams
// the order is established here by comparing wraparound corrected timestamps.
package merge

import (
	"io"

	"github.com/felixge/tracemerge/pkg/clock"
	"github.com/felixge/tracemerge/pkg/control"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultChunkSize is the number of kernel entries read at once.
	DefaultChunkSize = 1 << 16
	// DefaultStagingSize is the number of merged entries buffered before
	// they are written out.
	DefaultStagingSize = 1 << 16
)

// Result summarizes a merge.
type Result struct {
	// User is the number of user side entries written, markers included.
	User int
	// Kernel is the number of kernel side entries written.
	Kernel int
	// Lost is the number of times the kernel source reported dropped data.
	Lost int
}

// Merger writes merged streams to a trace file. The corrected timestamp
// state of both streams is kept across merges, so one Merger must be used for
// the lifetime of a trace.
type Merger struct {
	kernel  Source
	out     *encoding.Encoder
	clock   clock.Counter
	log     *zap.Logger
	staging []encoding.Entry

	chunk  []encoding.Entry
	kread  int
	kdone  bool
	result Result

	user   encoding.Corrector
	kernC  encoding.Corrector
	marker encoding.Entry
}

// Option configures a Merger.
type Option func(*Merger)

// WithChunkSize sets the number of kernel entries read at once. Sources that
// only support whole buffer reads need at least their capacity.
func WithChunkSize(n int) Option {
	return func(m *Merger) { m.chunk = make([]encoding.Entry, 0, n) }
}

// WithStagingSize sets the number of entries buffered before writing.
func WithStagingSize(n int) Option {
	return func(m *Merger) { m.staging = make([]encoding.Entry, 0, n) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Merger) { m.log = l }
}

// NewMerger returns a merger reading kernel entries from kernel and writing
// to w. Markers are stamped with c.
func NewMerger(kernel Source, w io.Writer, c clock.Counter, opts ...Option) *Merger {
	m := &Merger{
		kernel:  kernel,
		out:     encoding.NewEncoder(w),
		clock:   c,
		log:     zap.NewNop(),
		chunk:   make([]encoding.Entry, 0, DefaultChunkSize),
		staging: make([]encoding.Entry, 0, DefaultStagingSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Offset returns the number of bytes written to the trace so far.
func (m *Merger) Offset() int64 {
	return m.out.Offset()
}

// Merge drains the kernel source and merges it with user, the filled region
// of the user buffer. When bracketed is set, a BeginWrite marker is added as
// the newest user entry and an EndWrite marker is written after the merged
// data, delimiting the interval spent flushing.
//
// Kernel entries go first only if they are strictly older, so user entries
// win ties. A failure to write the trace is reported as control.ErrIO.
func (m *Merger) Merge(user []encoding.Entry, bracketed bool) (Result, error) {
	m.result = Result{}
	m.kread, m.kdone = 0, false
	m.chunk = m.chunk[:0]

	nuser := len(user)
	if bracketed {
		m.marker = encoding.Entry{ID: encoding.BeginWrite, Timestamp: m.clock.Cycles()}
		nuser++
	}
	userAt := func(i int) encoding.Entry {
		if i == len(user) {
			return m.marker
		}
		return user[i]
	}

	var u int
	for u < nuser {
		ok, err := m.fill()
		if err != nil {
			return m.result, err
		} else if !ok {
			break
		}
		ue := userAt(u)
		ke := m.chunk[m.kread]
		if m.kernC.Peek(ke.Timestamp) < m.user.Peek(ue.Timestamp) {
			m.kernC.Correct(ke.Timestamp)
			m.kread++
			m.result.Kernel++
			if err := m.emit(ke); err != nil {
				return m.result, err
			}
		} else {
			m.user.Correct(ue.Timestamp)
			u++
			m.result.User++
			if err := m.emit(ue); err != nil {
				return m.result, err
			}
		}
	}

	for {
		ok, err := m.fill()
		if err != nil {
			return m.result, err
		} else if !ok {
			break
		}
		for _, ke := range m.chunk[m.kread:] {
			m.kernC.Correct(ke.Timestamp)
			m.result.Kernel++
			if err := m.emit(ke); err != nil {
				return m.result, err
			}
		}
		m.kread = len(m.chunk)
	}

	for ; u < nuser; u++ {
		ue := userAt(u)
		m.user.Correct(ue.Timestamp)
		m.result.User++
		if err := m.emit(ue); err != nil {
			return m.result, err
		}
	}

	if bracketed {
		end := encoding.Entry{ID: encoding.EndWrite, Timestamp: m.clock.Cycles()}
		m.user.Correct(end.Timestamp)
		m.result.User++
		if err := m.emit(end); err != nil {
			return m.result, err
		}
	}
	return m.result, m.flush()
}

// fill makes sure unread kernel entries are loaded. It returns false once the
// source is drained.
func (m *Merger) fill() (bool, error) {
	for m.kread == len(m.chunk) {
		if m.kdone {
			return false, nil
		}
		n, err := m.kernel.Read(m.chunk[:cap(m.chunk)])
		m.chunk, m.kread = m.chunk[:n], 0
		switch {
		case err == nil:
		case err == io.EOF:
			m.kdone = true
		case errors.Is(err, control.ErrLost):
			m.result.Lost++
			m.log.Warn("kernel trace data lost", zap.Error(err))
		default:
			return false, errors.Wrap(err, "failed to read kernel trace")
		}
		if n == 0 && err == nil {
			// An empty read ends the source as well.
			m.kdone = true
		}
	}
	return true, nil
}

func (m *Merger) emit(e encoding.Entry) error {
	m.staging = append(m.staging, e)
	if len(m.staging) == cap(m.staging) {
		return m.flush()
	}
	return nil
}

func (m *Merger) flush() error {
	if len(m.staging) == 0 {
		return nil
	}
	err := m.out.EncodeAll(m.staging)
	m.staging = m.staging[:0]
	if err != nil {
		return errors.Wrapf(control.ErrIO, "failed to write trace: %v", err)
	}
	return nil
}
