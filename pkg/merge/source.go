package merge

import (
	"io"

	"github.com/felixge/tracemerge/pkg/encoding"
)

// Source is the kernel side of a merge. Read fills dst with the next entries
// in producer order and returns io.EOF once the source is drained. An error
// matching control.ErrLost reports that entries were dropped by the source;
// the merge counts it and keeps reading.
type Source interface {
	Read(dst []encoding.Entry) (int, error)
}

// DeviceSource returns a Source reading the wire format from r, typically a
// ktrace.File or a kbuf.Device.
func DeviceSource(r io.Reader) Source {
	return &deviceSource{r: r}
}

type deviceSource struct {
	r   io.Reader
	buf []byte
}

func (s *deviceSource) Read(dst []encoding.Entry) (int, error) {
	size := len(dst) * encoding.EntrySize
	if cap(s.buf) < size {
		s.buf = make([]byte, size)
	}
	n, err := s.r.Read(s.buf[:size])
	return encoding.GetEntries(dst, s.buf[:n]), err
}

// SliceSource returns a Source handing out entries.
func SliceSource(entries []encoding.Entry) Source {
	return &sliceSource{entries: entries}
}

type sliceSource struct {
	entries []encoding.Entry
}

func (s *sliceSource) Read(dst []encoding.Entry) (int, error) {
	if len(s.entries) == 0 {
		return 0, io.EOF
	}
	n := copy(dst, s.entries)
	s.entries = s.entries[n:]
	return n, nil
}
