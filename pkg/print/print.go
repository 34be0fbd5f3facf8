// Package print dumps trace files as text.
package print

import (
	"bufio"
	"fmt"
	"io"
	"slices"

	"github.com/felixge/tracemerge/pkg/encoding"
)

// DefaultFilter returns a filter that matches all entries.
func DefaultFilter() Filter {
	return Filter{MaxTs: -1}
}

// Filter is used to filter entries.
type Filter struct {
	// MinTs prints entries with a corrected timestamp >= MinTs.
	MinTs int64
	// MaxTs prints entries with a corrected timestamp <= MaxTs. If MaxTs is
	// -1, there is no upper limit.
	MaxTs int64
	// IDs prints entries with these ids. If IDs is empty, all entries are
	// printed.
	IDs []encoding.ID
	// UserOnly skips kernel events and markers.
	UserOnly bool
}

func (f Filter) match(e encoding.Entry, ts uint64) bool {
	switch {
	case int64(ts) < f.MinTs:
		return false
	case f.MaxTs != -1 && int64(ts) > f.MaxTs:
		return false
	case f.UserOnly && e.ID.Reserved():
		return false
	case len(f.IDs) > 0 && !slices.Contains(f.IDs, e.ID):
		return false
	}
	return true
}

// Entries prints all entries contained in r that match the given filter to
// w, one per line. Timestamps are corrected for wraparound before filtering.
func Entries(r io.Reader, w io.Writer, filter Filter) error {
	var (
		dec  = encoding.NewDecoder(r)
		bw   = bufio.NewWriter(w)
		corr encoding.Corrector
		e    encoding.Entry
	)
	for {
		if err := dec.Decode(&e); err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		ts := corr.Correct(e.Timestamp)
		if !filter.match(e, ts) {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%08x %s %d\n", uint32(e.ID), e.ID, ts); err != nil {
			return err
		}
	}
	return bw.Flush()
}
