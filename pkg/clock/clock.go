// Package clock provides the free-running 32 bit counter that timestamps
// trace entries.
package clock

import (
	"sync/atomic"
	"time"
)

// Counter is a free-running counter. Samples wrap around at 2^32 and must be
// compared with encoding.Before.
type Counter interface {
	Cycles() uint32
}

// Monotonic is a Counter backed by the monotonic clock of the process. One
// cycle is one nanosecond, so the counter wraps about every 4.3 seconds.
type Monotonic struct {
	start time.Time
}

// Process is the counter shared by the tracers of a process unless they are
// configured otherwise. Timestamps of streams that are merged must come from
// the same counter.
var Process Counter = NewMonotonic()

// NewMonotonic returns a Monotonic counter starting at zero.
func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

func (m *Monotonic) Cycles() uint32 {
	return uint32(time.Since(m.start))
}

// Manual is a Counter for tests. Every sample advances the counter by Step,
// so consecutive samples are strictly increasing until the counter wraps.
type Manual struct {
	now  atomic.Uint32
	Step uint32
}

// NewManual returns a Manual counter that starts at start and advances by
// step on every sample.
func NewManual(start, step uint32) *Manual {
	m := &Manual{Step: step}
	m.now.Store(start)
	return m
}

func (m *Manual) Cycles() uint32 {
	return m.now.Add(m.Step) - m.Step
}

// Set moves the counter to ts.
func (m *Manual) Set(ts uint32) {
	m.now.Store(ts)
}
