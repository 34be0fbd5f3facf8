package encoding

import "fmt"

// EntrySize is the size of an encoded Entry in bytes.
const EntrySize = 8

// Entry is a single trace record: an event id and a raw sample of the
// free-running cycle counter at the time the event was recorded.
type Entry struct {
	ID        ID
	Timestamp uint32
}

// ID identifies the event recorded by an Entry.
type ID uint32

// ReservedBase is the lowest id reserved for kernel-origin events and flush
// markers. Ids below it are user defined ipoints.
const ReservedBase ID = 0xfffffff0

// Reserved ids. The values are part of the trace file format.
const (
	EndWrite         ID = 0xfffffff0 // flush finished writing merged data
	BeginWrite       ID = 0xfffffff1 // flush started, newest entry of the user side
	SwitchTo         ID = 0xfffffff2 // task resumed
	SwitchFrom       ID = 0xfffffff3 // task suspended
	IRQExit          ID = 0xfffffff4 // interrupt exit
	IRQEntry         ID = 0xfffffff5 // interrupt entry
	SysExit          ID = 0xfffffff6 // syscall exit
	SysEntry         ID = 0xfffffff7 // syscall entry
	TimerExit        ID = 0xfffffff8 // timer interrupt exit
	TimerEntry       ID = 0xfffffff9 // timer interrupt entry
	OverflowImminent ID = 0xfffffffa // kernel buffer is about to overflow
)

var reservedNames = map[ID]string{
	EndWrite:         "END_WRITE",
	BeginWrite:       "BEGIN_WRITE",
	SwitchTo:         "SWITCH_TO",
	SwitchFrom:       "SWITCH_FROM",
	IRQExit:          "IRQ_EXIT",
	IRQEntry:         "IRQ_ENTRY",
	SysExit:          "SYS_EXIT",
	SysEntry:         "SYS_ENTRY",
	TimerExit:        "TIMER_EXIT",
	TimerEntry:       "TIMER_ENTRY",
	OverflowImminent: "OVERFLOW_IMMINENT",
}

// Reserved returns true if id is in the range reserved for kernel events and
// markers.
func (id ID) Reserved() bool {
	return id >= ReservedBase
}

// Marker returns true for the BEGIN_WRITE and END_WRITE flush markers.
func (id ID) Marker() bool {
	return id == BeginWrite || id == EndWrite
}

// KernelEntry returns true if id marks the kernel taking over the CPU from the
// traced task: a switch away, or an interrupt, timer or syscall entry.
func (id ID) KernelEntry() bool {
	switch id {
	case SwitchFrom, TimerEntry, IRQEntry, SysEntry:
		return true
	}
	return false
}

// KernelExit returns true if id marks the kernel handing the CPU back to the
// traced task.
func (id ID) KernelExit() bool {
	switch id {
	case SwitchTo, TimerExit, IRQExit, SysExit:
		return true
	}
	return false
}

func (id ID) String() string {
	if name, ok := reservedNames[id]; ok {
		return name
	} else if id.Reserved() {
		return fmt.Sprintf("RESERVED(%#x)", uint32(id))
	}
	return fmt.Sprintf("ipoint(%d)", uint32(id))
}

func (e Entry) String() string {
	return fmt.Sprintf("%08x %s ts=%d", uint32(e.ID), e.ID, e.Timestamp)
}
