// Package gotrace derives the kernel side event stream of a single goroutine
// from a Go runtime execution trace. Scheduling a goroutine onto a P maps to
// SwitchTo, descheduling it to SwitchFrom, and system calls to
// SysEntry/SysExit.
package gotrace

import (
	"io"

	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/felixge/tracemerge/pkg/hook"
	"golang.org/x/exp/trace"
)

// Step is a single kernel event of the traced goroutine.
type Step struct {
	// CPU is the id of the P the goroutine ran on, or the last one it was
	// seen on if the event happened without a P.
	CPU  int
	ID   encoding.ID
	Time trace.Time
}

// state of a goroutine from the kernel's point of view.
type state uint8

const (
	off state = iota
	user
	kernel
)

func stateOf(s trace.GoState) state {
	switch s {
	case trace.GoRunning:
		return user
	case trace.GoSyscall:
		return kernel
	}
	return off
}

// transitions maps a state change to the events it produces.
var transitions = map[[2]state][]encoding.ID{
	{user, kernel}: {encoding.SysEntry},
	{kernel, user}: {encoding.SysExit},
	{user, off}:    {encoding.SwitchFrom},
	{off, user}:    {encoding.SwitchTo},
	{kernel, off}:  {encoding.SysExit, encoding.SwitchFrom},
	{off, kernel}:  {encoding.SwitchTo, encoding.SysEntry},
}

// Walk reads a Go execution trace from r and calls fn for every kernel event
// of goroutine g, in trace order.
func Walk(r io.Reader, g trace.GoID, fn func(Step) error) error {
	tr, err := trace.NewReader(r)
	if err != nil {
		return err
	}
	cpu := -1
	for {
		ev, err := tr.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if ev.Kind() != trace.EventStateTransition {
			continue
		}
		st := ev.StateTransition()
		if st.Resource.Kind != trace.ResourceGoroutine || st.Resource.Goroutine() != g {
			continue
		}
		if p := ev.Proc(); p != trace.NoProc {
			cpu = int(p)
		}
		from, to := st.Goroutine()
		for _, id := range transitions[[2]state{stateOf(from), stateOf(to)}] {
			if err := fn(Step{CPU: cpu, ID: id, Time: ev.Time()}); err != nil {
				return err
			}
		}
	}
}

// Entries returns the kernel events of goroutine g as trace entries. The
// timestamps are the trace's nanosecond clock truncated to 32 bits.
func Entries(r io.Reader, g trace.GoID) ([]encoding.Entry, error) {
	var entries []encoding.Entry
	err := Walk(r, g, func(s Step) error {
		entries = append(entries, encoding.Entry{ID: s.ID, Timestamp: uint32(s.Time)})
		return nil
	})
	return entries, err
}

var kinds = map[encoding.ID]hook.Kind{
	encoding.SysEntry: hook.SysEntry,
	encoding.SysExit:  hook.SysExit,
}

// Replay fires the kernel events of goroutine g on probe, with g as the
// task id. Tracers attached to probe stamp the events with their own clock.
func Replay(r io.Reader, g trace.GoID, probe *hook.Probe) error {
	task := hook.TaskID(g)
	return Walk(r, g, func(s Step) error {
		switch s.ID {
		case encoding.SwitchTo:
			probe.Switch(s.CPU, hook.NoTask, task)
		case encoding.SwitchFrom:
			probe.Switch(s.CPU, task, hook.NoTask)
		default:
			probe.Fire(s.CPU, kinds[s.ID])
		}
		return nil
	})
}
