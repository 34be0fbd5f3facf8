package hook

import (
	"context"
	"sync"
	"time"
)

// CPU fires events for a single CPU of a Probe. A CPU runs one thing at a
// time, so events fired through the same CPU are serialized, also when
// several goroutines act on its behalf.
type CPU struct {
	Probe *Probe
	ID    int

	mu sync.Mutex
}

// Switch reports a context switch from prev to next.
func (c *CPU) Switch(prev, next TaskID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Probe.Switch(c.ID, prev, next)
}

// Fire reports kind.
func (c *CPU) Fire(kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Probe.Fire(c.ID, kind)
}

// Pair reports entry and exit without any other event of the CPU in between.
func (c *CPU) Pair(entry, exit Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Probe.Fire(c.ID, entry)
	c.Probe.Fire(c.ID, exit)
}

// Do runs fn while no event is fired on the CPU.
func (c *CPU) Do(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// Ticker is a periodic timer interrupt source. Every Interval it fires a
// TimerEntry and a TimerExit on CPU, emulating the tick of a preemptive
// scheduler.
type Ticker struct {
	CPU      *CPU
	Interval time.Duration
}

// Run fires timer events until ctx is done. It returns the number of ticks
// delivered.
func (t *Ticker) Run(ctx context.Context) int {
	tick := time.NewTicker(t.Interval)
	defer tick.Stop()

	var n int
	for {
		select {
		case <-ctx.Done():
			return n
		case <-tick.C:
			t.CPU.Pair(TimerEntry, TimerExit)
			n++
		}
	}
}
