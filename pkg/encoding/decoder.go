package encoding

import (
	"bufio"
	"encoding/binary"
	"io"
)

// Decoder decodes trace entries from a reader.
type Decoder struct {
	in     *bufio.Reader
	buf    [EntrySize]byte // scratch buf
	offset int64
}

// NewDecoder returns a new decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{in: bufio.NewReader(r)}
}

// Decode parses an entry or returns an error. At the end of a well formed
// trace it returns io.EOF, a trace that ends in the middle of an entry yields
// io.ErrUnexpectedEOF.
func (d *Decoder) Decode(e *Entry) error {
	n, err := io.ReadFull(d.in, d.buf[:])
	d.offset += int64(n)
	if err != nil {
		return err
	}
	e.ID = ID(binary.LittleEndian.Uint32(d.buf[0:4]))
	e.Timestamp = binary.LittleEndian.Uint32(d.buf[4:8])
	return nil
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int64 {
	return d.offset
}

// ReadAll decodes all entries from r.
func ReadAll(r io.Reader) ([]Entry, error) {
	dec := NewDecoder(r)
	var entries []Entry
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				return entries, nil
			}
			return entries, err
		}
		entries = append(entries, e)
	}
}
