package analysis

import (
	"io"

	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/pkg/errors"
)

// DefaultMaxDepth bounds the nesting of kernel entries.
const DefaultMaxDepth = 10

// KernelOptions configures KernelTime.
type KernelOptions struct {
	// Start and Stop restrict the report to the interval between the first
	// Start ipoint and the following Stop ipoint. Zero means the beginning
	// and end of the trace.
	Start encoding.ID
	Stop  encoding.ID
	// MaxDepth is the deepest kernel entry nesting accepted before the trace
	// is considered broken. Zero means DefaultMaxDepth.
	MaxDepth int
}

// Interval is a span of corrected time.
type Interval struct {
	Start uint64
	End   uint64
	// ID is the entry that opened the interval.
	ID encoding.ID
}

// Duration returns the length of the interval in counter ticks.
func (i Interval) Duration() uint64 {
	return i.End - i.Start
}

// KernelReport accounts for the time a task spent in the kernel.
type KernelReport struct {
	// Start and End are the corrected timestamps delimiting the report.
	Start uint64
	End   uint64
	// Entries is the number of times the task entered the kernel from user
	// code.
	Entries int
	// Kernel is the number of ticks spent in the kernel.
	Kernel uint64
	// Intervals are the outermost kernel intervals.
	Intervals []Interval
	// Flushes are the intervals between BeginWrite and EndWrite markers.
	Flushes []Interval
}

// Elapsed returns the length of the report in ticks.
func (r *KernelReport) Elapsed() uint64 {
	return r.End - r.Start
}

// User returns the ticks not spent in the kernel.
func (r *KernelReport) User() uint64 {
	return r.Elapsed() - r.Kernel
}

// KernelTime reads a merged trace from r and accounts for the time spent in
// the kernel. Kernel entries nest; time is only counted for the outermost
// level. When the task is switched out right after returning from an
// interrupt, the scheduler ran in between, so the gap is counted as kernel
// time as well.
func KernelTime(r io.Reader, opts KernelOptions) (*KernelReport, error) {
	if opts.MaxDepth == 0 {
		opts.MaxDepth = DefaultMaxDepth
	}

	var (
		report   = &KernelReport{}
		first    = true
		started  = opts.Start == 0
		stopped  bool
		depth    int         // kernel nesting depth
		enter    uint64      // corrected time of the outermost kernel entry
		cause    encoding.ID // id of the outermost kernel entry
		lastExit uint64      // end of the last kernel interval, if directly preceding
		flush    *Interval
	)
	err := scan(r, func(e encoding.Entry, ts uint64) error {
		if stopped {
			return nil
		}
		if first {
			first = false
			report.Start = ts
		}
		report.End = ts

		switch id := e.ID; {
		case id == encoding.BeginWrite:
			if flush != nil {
				return errors.Errorf("unexpected %s at %d: flush already open", id, ts)
			}
			flush = &Interval{Start: ts, ID: id}
		case id == encoding.EndWrite:
			if flush == nil {
				return errors.Errorf("unexpected %s at %d: no open flush", id, ts)
			}
			flush.End = ts
			if started {
				report.Flushes = append(report.Flushes, *flush)
			}
			flush = nil
		case id.KernelEntry():
			start, opener := ts, id
			if id == encoding.SwitchFrom && depth == 0 && lastExit != 0 {
				start = lastExit
				if n := len(report.Intervals); started && n > 0 && report.Intervals[n-1].End == lastExit {
					// The scheduler continues the preceding interval.
					start, opener = report.Intervals[n-1].Start, report.Intervals[n-1].ID
					report.Intervals = report.Intervals[:n-1]
					report.Kernel -= lastExit - start
				}
			}
			lastExit = 0
			depth++
			if depth == 1 {
				enter, cause = start, opener
				if started && start == ts {
					report.Entries++
				}
			}
			if depth > opts.MaxDepth {
				return errors.Errorf("too many nested kernel entries at %d", ts)
			}
		case id.KernelExit():
			lastExit = 0
			if depth == 0 {
				break
			}
			depth--
			if depth == 0 {
				if started {
					report.Kernel += ts - enter
					report.Intervals = append(report.Intervals, Interval{Start: enter, End: ts, ID: cause})
				}
				lastExit = ts
			}
		case id.Reserved():
			// OverflowImminent and unknown reserved ids carry no timing.
		default:
			lastExit = 0
			if !started && id == opts.Start {
				started = true
				report.Start = ts
				report.Entries, report.Kernel = 0, 0
				report.Intervals, report.Flushes = nil, nil
			} else if started && opts.Stop != 0 && id == opts.Stop {
				stopped = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !started {
		return nil, errors.Errorf("start ipoint %d not found", uint32(opts.Start))
	}
	return report, nil
}
