package encoding

// Before reports whether timestamp a was sampled before b. Timestamps are raw
// samples of a 32 bit counter that wraps, so they are ordered by the sign of
// their difference rather than by their magnitude.
func Before(a, b uint32) bool {
	return int32(a-b) < 0
}

// Corrector extends the raw 32 bit timestamps of a single stream into 64 bit
// values that keep increasing across counter wraps. The zero value is ready
// to use.
type Corrector struct {
	offset uint64
	prev   uint32
	seen   bool
}

// Correct returns the corrected value of ts, which must be the next raw
// timestamp of the stream.
func (c *Corrector) Correct(ts uint32) uint64 {
	if c.seen && ts < c.prev {
		c.offset += 1 << 32
	}
	c.prev = ts
	c.seen = true
	return c.offset + uint64(ts)
}

// Peek returns the value Correct would return for ts without advancing the
// stream.
func (c *Corrector) Peek(ts uint32) uint64 {
	if c.seen && ts < c.prev {
		return c.offset + 1<<32 + uint64(ts)
	}
	return c.offset + uint64(ts)
}

// Reset forgets all previously seen timestamps.
func (c *Corrector) Reset() {
	*c = Corrector{}
}
