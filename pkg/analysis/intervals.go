package analysis

import (
	"io"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/felixge/tracemerge/pkg/encoding"
)

const (
	histMin    = 1
	histMax    = 1 << 40
	histSigFig = 3
)

// Pair selects the intervals recorded by Intervals. A zero From or To
// matches any user ipoint.
type Pair struct {
	From encoding.ID
	To   encoding.ID
}

func (p Pair) match(from, to encoding.ID) bool {
	return (p.From == 0 || p.From == from) && (p.To == 0 || p.To == to)
}

// Intervals reads a trace from r and records the corrected time between
// consecutive user ipoints matching p. Kernel events and markers between the
// two ipoints are included in the interval. Zero length intervals are
// recorded as one tick.
func Intervals(r io.Reader, p Pair) (*hdrhistogram.Histogram, error) {
	var (
		h       = hdrhistogram.New(histMin, histMax, histSigFig)
		prevID  encoding.ID
		prevTs  uint64
		hasPrev bool
	)
	err := scan(r, func(e encoding.Entry, ts uint64) error {
		if e.ID.Reserved() {
			return nil
		}
		if hasPrev && p.match(prevID, e.ID) {
			d := int64(ts - prevTs)
			if d < histMin {
				d = histMin
			}
			if err := h.RecordValue(d); err != nil {
				return err
			}
		}
		prevID, prevTs, hasPrev = e.ID, ts, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}
