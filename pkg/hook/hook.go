// Package hook is the surface through which scheduler, interrupt and system
// call activity reaches the kernel side tracers. Whatever plays the role of
// the kernel fires events on a Probe, tracers attach Handlers to it.
package hook

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/felixge/tracemerge/pkg/encoding"
)

// TaskID identifies a traced task.
type TaskID uint64

// NoTask is never a valid task id.
const NoTask TaskID = 0

// Kind is an interrupt, timer or system call event reported on a CPU.
type Kind uint8

const (
	TimerEntry Kind = iota
	TimerExit
	IRQEntry
	IRQExit
	SysEntry
	SysExit
)

var kindIDs = [...]encoding.ID{
	TimerEntry: encoding.TimerEntry,
	TimerExit:  encoding.TimerExit,
	IRQEntry:   encoding.IRQEntry,
	IRQExit:    encoding.IRQExit,
	SysEntry:   encoding.SysEntry,
	SysExit:    encoding.SysExit,
}

// ID returns the reserved trace id recorded for k.
func (k Kind) ID() encoding.ID {
	return kindIDs[k]
}

func (k Kind) String() string {
	return k.ID().String()
}

// Handler receives hook events. Callbacks run on the goroutine that fires the
// event and must not block or allocate.
type Handler interface {
	// SchedIn is called when task starts running on cpu.
	SchedIn(cpu int, task TaskID)
	// SchedOut is called when task stops running on cpu.
	SchedOut(cpu int, task TaskID)
	// Event is called for timer, interrupt and system call activity on cpu.
	Event(cpu int, kind Kind)
}

type subscription struct {
	h        Handler
	inflight atomic.Int32
	detached atomic.Bool
}

// Probe fans hook events out to the attached handlers. Firing an event takes
// no lock: handlers are kept in a copy-on-write slice, and only Attach and
// Detach serialize on a mutex.
type Probe struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]*subscription]
}

// Attach registers h. Events fired after Attach returns reach h.
func (p *Probe) Attach(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var subs []*subscription
	if old := p.subs.Load(); old != nil {
		subs = make([]*subscription, 0, len(*old)+1)
		subs = append(subs, *old...)
	}
	subs = append(subs, &subscription{h: h})
	p.subs.Store(&subs)
}

// Detach unregisters h and waits until no callback into h is in flight, so
// the caller may free whatever h records into. It returns false if h was not
// attached. Detach must not be called from inside a callback.
func (p *Probe) Detach(h Handler) bool {
	p.mu.Lock()
	var (
		sub  *subscription
		subs []*subscription
	)
	if old := p.subs.Load(); old != nil {
		for _, s := range *old {
			if s.h == h && sub == nil {
				sub = s
				continue
			}
			subs = append(subs, s)
		}
	}
	if sub == nil {
		p.mu.Unlock()
		return false
	}
	p.subs.Store(&subs)
	sub.detached.Store(true)
	p.mu.Unlock()

	// Wait for callbacks that loaded the old snapshot.
	for sub.inflight.Load() != 0 {
		runtime.Gosched()
	}
	return true
}

// Len returns the number of attached handlers.
func (p *Probe) Len() int {
	if subs := p.subs.Load(); subs != nil {
		return len(*subs)
	}
	return 0
}

// Switch reports a context switch on cpu from prev to next. Either side may
// be NoTask.
func (p *Probe) Switch(cpu int, prev, next TaskID) {
	p.each(func(h Handler) {
		if prev != NoTask {
			h.SchedOut(cpu, prev)
		}
		if next != NoTask {
			h.SchedIn(cpu, next)
		}
	})
}

// Fire reports kind on cpu.
func (p *Probe) Fire(cpu int, kind Kind) {
	p.each(func(h Handler) { h.Event(cpu, kind) })
}

func (p *Probe) each(fn func(Handler)) {
	subs := p.subs.Load()
	if subs == nil {
		return
	}
	for _, s := range *subs {
		s.inflight.Add(1)
		if !s.detached.Load() {
			fn(s.h)
		}
		s.inflight.Add(-1)
	}
}
