package encoding

import (
	"encoding/binary"
	"io"
)

// Encoder encodes trace entries to a writer.
type Encoder struct {
	w       io.Writer // output writer
	err     error     // sticky error
	scratch []byte    // scratch buf for encoding entries
	n       int64     // bytes written so far
}

// NewEncoder returns a new encoder that writes to w.
// Warning: The encoder does not buffer single entries, use EncodeAll or a
// buffered writer when writing entries one at a time.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, scratch: make([]byte, 0, 512*EntrySize)}
}

// Encode writes e to the encoder's writer or returns an error.
func (e *Encoder) Encode(en *Entry) error {
	// Return error if any previous call failed
	if e.err != nil {
		return e.err
	}
	e.scratch = appendEntry(e.scratch[:0], *en)
	return e.write(e.scratch)
}

// EncodeAll writes all entries to the encoder's writer using as few writes as
// the scratch buffer allows.
func (e *Encoder) EncodeAll(entries []Entry) error {
	if e.err != nil {
		return e.err
	}
	chunk := cap(e.scratch) / EntrySize
	for len(entries) > 0 {
		n := len(entries)
		if n > chunk {
			n = chunk
		}
		e.scratch = e.scratch[:0]
		for _, en := range entries[:n] {
			e.scratch = appendEntry(e.scratch, en)
		}
		if err := e.write(e.scratch); err != nil {
			return err
		}
		entries = entries[n:]
	}
	return nil
}

// Offset returns the number of bytes written so far.
func (e *Encoder) Offset() int64 {
	return e.n
}

// Err returns the first error encountered by the encoder, if any.
func (e *Encoder) Err() error {
	return e.err
}

func (e *Encoder) write(buf []byte) error {
	var n int
	n, e.err = e.w.Write(buf)
	e.n += int64(n)
	if e.err == nil && n != len(buf) {
		e.err = io.ErrShortWrite
	}
	return e.err
}

// appendEntry appends the little endian encoding of en to buf.
func appendEntry(buf []byte, en Entry) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(en.ID))
	return binary.LittleEndian.AppendUint32(buf, en.Timestamp)
}

// PutEntries encodes entries into buf, which must hold at least
// len(entries)*EntrySize bytes, and returns the number of bytes used.
func PutEntries(buf []byte, entries []Entry) int {
	for i, en := range entries {
		binary.LittleEndian.PutUint32(buf[i*EntrySize:], uint32(en.ID))
		binary.LittleEndian.PutUint32(buf[i*EntrySize+4:], en.Timestamp)
	}
	return len(entries) * EntrySize
}

// GetEntries decodes buf into dst and returns the number of entries decoded.
// Trailing bytes that do not form a whole entry are ignored.
func GetEntries(dst []Entry, buf []byte) int {
	n := len(buf) / EntrySize
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i].ID = ID(binary.LittleEndian.Uint32(buf[i*EntrySize:]))
		dst[i].Timestamp = binary.LittleEndian.Uint32(buf[i*EntrySize+4:])
	}
	return n
}
