// Package analysis computes statistics over merged trace files.
package analysis

import (
	"io"

	"github.com/felixge/tracemerge/pkg/encoding"
)

// ByID reads a trace from r and returns a breakdown of it by event id.
func ByID(r io.Reader) (IDBreakdown, error) {
	dec := encoding.NewDecoder(r)
	breakdown := make(IDBreakdown)

	var e encoding.Entry
	for {
		start := dec.Offset()
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		breakdown[e.ID] = IDSummary{
			ID:    e.ID,
			Count: breakdown[e.ID].Count + 1,
			Bytes: breakdown[e.ID].Bytes + dec.Offset() - start,
		}
	}
	return breakdown, nil
}

// IDBreakdown breaks down a trace by event id.
type IDBreakdown map[encoding.ID]IDSummary

// IDSummary summarizes the occurrence of an event id inside of a trace.
type IDSummary struct {
	// ID is the event id.
	ID encoding.ID
	// Count is the number of times the id occurred in the trace.
	Count int64
	// Bytes is the amount of data occupied by entries with this id.
	Bytes int64
}

// Kind classifies the id as "user", "kernel" or "marker".
func (s IDSummary) Kind() string {
	switch {
	case s.ID.Marker():
		return "marker"
	case s.ID.Reserved():
		return "kernel"
	default:
		return "user"
	}
}

// scan decodes r and calls fn with every entry and its corrected timestamp.
func scan(r io.Reader, fn func(e encoding.Entry, ts uint64) error) error {
	var (
		dec  = encoding.NewDecoder(r)
		corr encoding.Corrector
		e    encoding.Entry
	)
	for {
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := fn(e, corr.Correct(e.Timestamp)); err != nil {
			return err
		}
	}
}
