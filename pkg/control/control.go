// Package control implements the small command protocol shared by the kernel
// side tracers: version negotiation, reset, enable/disable, buffer sizing and
// statistics.
package control

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Version is the protocol version spoken by this package.
const Version uint32 = 1

// Command identifies a control request.
type Command uint32

const (
	GetVersion     Command = 0 // arg: *uint32, receives Version
	Reset          Command = 1 // arg: nil
	SetBufferShift Command = 2 // arg: *uint32, log2 of the buffer size in entries
	GetBufferShift Command = 3 // arg: *uint32, receives the current shift
	Enable         Command = 4 // arg: nil
	Disable        Command = 5 // arg: nil
	GetStats       Command = 6 // arg: *Stats
)

var commandNames = [...]string{
	GetVersion:     "GetVersion",
	Reset:          "Reset",
	SetBufferShift: "SetBufferShift",
	GetBufferShift: "GetBufferShift",
	Enable:         "Enable",
	Disable:        "Disable",
	GetStats:       "GetStats",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(%d)", uint32(c))
}

// Stats are the counters kept by a tracer.
type Stats struct {
	// Written is the number of entries recorded.
	Written uint64
	// Read is the number of entries handed out to readers.
	Read uint64
	// Missed is the number of entries dropped because the buffer was full.
	Missed uint64
}

// Target is a tracer that can be driven through the control protocol.
type Target interface {
	// Reset clears cursors and counters. It fails with ErrBusy while enabled.
	Reset() error
	// Enable turns capture on. It never blocks.
	Enable()
	// Disable turns capture off. It never blocks. Events that already passed
	// the enabled check are still recorded.
	Disable()
	// Enabled reports whether capture is on.
	Enabled() bool
	// SetBufferShift reallocates the buffer to 2^shift entries. It fails with
	// ErrBusy while enabled.
	SetBufferShift(shift uint32) error
	// BufferShift returns the current shift.
	BufferShift() uint32
	// Stats returns a snapshot of the counters.
	Stats() Stats
}

// Device is the open/read/control/close surface of a kernel side tracer as
// seen by a capture session.
type Device interface {
	io.Reader
	Control(cmd Command, arg any) error
	io.Closer
}

// Dispatch executes cmd against t. Arguments are passed the way an ioctl
// passes them: commands without arguments reject a non-nil arg, commands with
// arguments require a pointer of the right type.
func Dispatch(t Target, cmd Command, arg any) error {
	switch cmd {
	case GetVersion:
		p, err := uint32Arg(cmd, arg)
		if err != nil {
			return err
		}
		*p = Version
		return nil
	case Reset:
		if err := noArg(cmd, arg); err != nil {
			return err
		}
		return t.Reset()
	case SetBufferShift:
		p, err := uint32Arg(cmd, arg)
		if err != nil {
			return err
		}
		return t.SetBufferShift(*p)
	case GetBufferShift:
		p, err := uint32Arg(cmd, arg)
		if err != nil {
			return err
		}
		*p = t.BufferShift()
		return nil
	case Enable:
		if err := noArg(cmd, arg); err != nil {
			return err
		}
		t.Enable()
		return nil
	case Disable:
		if err := noArg(cmd, arg); err != nil {
			return err
		}
		t.Disable()
		return nil
	case GetStats:
		p, ok := arg.(*Stats)
		if !ok || p == nil {
			return errors.Wrapf(ErrInvalidArgument, "%s: want *Stats, got %T", cmd, arg)
		}
		*p = t.Stats()
		return nil
	default:
		return errors.Wrapf(ErrInvalidArgument, "unknown command %d", uint32(cmd))
	}
}

func noArg(cmd Command, arg any) error {
	if arg != nil {
		return errors.Wrapf(ErrInvalidArgument, "%s: unexpected argument %T", cmd, arg)
	}
	return nil
}

func uint32Arg(cmd Command, arg any) (*uint32, error) {
	p, ok := arg.(*uint32)
	if !ok || p == nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s: want *uint32, got %T", cmd, arg)
	}
	return p, nil
}

// CheckVersion asks dev for its protocol version and returns
// ErrProtocolMismatch unless it matches Version.
func CheckVersion(dev Device) error {
	var v uint32
	if err := dev.Control(GetVersion, &v); err != nil {
		return errors.Wrap(err, "failed to get tracer version")
	}
	if v != Version {
		return errors.Wrapf(ErrProtocolMismatch, "tracer speaks version %d, want %d", v, Version)
	}
	return nil
}

// GetStatsOf is a convenience wrapper around the GetStats command.
func GetStatsOf(dev Device) (Stats, error) {
	var s Stats
	err := dev.Control(GetStats, &s)
	return s, err
}
