package control

import "github.com/pkg/errors"

var (
	// ErrBusy is returned for operations that conflict with active tracing.
	ErrBusy = errors.New("tracer busy")
	// ErrInvalidArgument is returned for bad sizes, capacities, commands or
	// command arguments.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAlreadyTraced is returned when a task that is already traced opens
	// the tracer again.
	ErrAlreadyTraced = errors.New("task already traced")
	// ErrFull is returned when a bounded structure has no room left.
	ErrFull = errors.New("tracer full")
	// ErrLost reports that trace data was dropped. It is counted, not fatal.
	ErrLost = errors.New("trace data lost")
	// ErrIO reports a failure writing the trace file. A partially written
	// trace cannot be trusted, so sessions treat it as fatal.
	ErrIO = errors.New("trace i/o failure")
	// ErrProtocolMismatch is returned when the tracer speaks a different
	// protocol version than the capture library.
	ErrProtocolMismatch = errors.New("protocol version mismatch")
)
