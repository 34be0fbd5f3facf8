package session

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/felixge/tracemerge/pkg/clock"
	"github.com/felixge/tracemerge/pkg/control"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/felixge/tracemerge/pkg/hook"
	"github.com/felixge/tracemerge/pkg/kbuf"
	"github.com/felixge/tracemerge/pkg/ktrace"
	"github.com/petermattis/goid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	probe *hook.Probe
	clock *clock.Manual
	task  hook.TaskID
	out   bytes.Buffer
}

// open starts a session on a per-task tracer for the calling goroutine.
func open(t *testing.T, opts ...Option) (*Session, *fixture) {
	t.Helper()
	f := &fixture{
		probe: &hook.Probe{},
		clock: clock.NewManual(1000, 10),
		task:  hook.TaskID(goid.Get()),
	}
	tracer := ktrace.New(f.probe, ktrace.WithClock(f.clock), ktrace.WithBufferShift(6))
	file, err := tracer.Open(f.task, 0)
	require.NoError(t, err)

	opts = append([]Option{
		WithWriter(&f.out),
		WithClock(f.clock),
		WithLogger(zaptest.NewLogger(t)),
		WithFatalHandler(func(err error) { t.Errorf("fatal: %v", err) }),
	}, opts...)
	s, err := Init(file, opts...)
	require.NoError(t, err)
	return s, f
}

func (f *fixture) entries(t *testing.T) []encoding.Entry {
	t.Helper()
	entries, err := encoding.ReadAll(bytes.NewReader(f.out.Bytes()))
	require.NoError(t, err)
	return entries
}

func ids(entries []encoding.Entry) []encoding.ID {
	var out []encoding.ID
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestTrapScenario(t *testing.T) {
	s, f := open(t, WithCapacity(4))
	for id := encoding.ID(1); id <= 5; id++ {
		s.Ipoint(id)
		if id == 4 {
			require.Equal(t, 0, s.Stats().Flushes)
		}
	}
	require.Equal(t, 1, s.Stats().Traps)
	require.NoError(t, s.Output())

	require.Equal(t, []encoding.ID{
		1, 2, 3, 4,
		encoding.BeginWrite,
		encoding.EndWrite,
		5,
	}, ids(f.entries(t)))
	require.Equal(t, 2, s.Stats().Flushes)
}

func TestNoTrapBelowCapacity(t *testing.T) {
	s, f := open(t, WithCapacity(16))
	for id := encoding.ID(1); id <= 15; id++ {
		s.Ipoint(id)
	}
	require.NoError(t, s.Close())
	require.Zero(t, s.Stats().Traps)

	got := f.entries(t)
	require.Len(t, got, 15)
	for i, e := range got {
		require.Equal(t, encoding.ID(i+1), e.ID)
	}

	// Ipoints after Output are ignored.
	s.Ipoint(99)
	require.NoError(t, s.Output())
	require.Len(t, f.entries(t), 15)
}

func TestMarkerPairs(t *testing.T) {
	const n = 13
	s, f := open(t, WithCapacity(4))
	for id := encoding.ID(1); id <= n; id++ {
		s.Ipoint(id)
	}
	require.NoError(t, s.Output())
	require.Equal(t, 3, s.Stats().Traps)

	var begins, ends, user int
	for _, e := range f.entries(t) {
		switch e.ID {
		case encoding.BeginWrite:
			begins++
		case encoding.EndWrite:
			require.Equal(t, begins, ends+1, "EndWrite without BeginWrite")
			ends++
		default:
			user++
		}
	}
	require.Equal(t, 3, begins)
	require.Equal(t, 3, ends)
	require.Equal(t, n, user)
}

func TestKernelEvents(t *testing.T) {
	s, f := open(t, WithCapacity(8))
	s.Ipoint(1)
	f.probe.Fire(0, hook.IRQEntry)
	f.probe.Fire(0, hook.IRQExit)
	s.Ipoint(2)
	f.probe.Switch(0, f.task, 77)
	f.probe.Switch(0, 77, f.task)
	s.Ipoint(3)
	require.NoError(t, s.Flush())
	s.Ipoint(4)
	f.probe.Fire(0, hook.SysEntry)
	require.NoError(t, s.Output())

	got := f.entries(t)
	require.Equal(t, []encoding.ID{
		1,
		encoding.IRQEntry,
		encoding.IRQExit,
		2,
		encoding.SwitchFrom,
		encoding.SwitchTo,
		3,
		encoding.BeginWrite,
		encoding.EndWrite,
		4,
		encoding.SysEntry,
	}, ids(got))

	var (
		corr encoding.Corrector
		prev uint64
	)
	for i, e := range got {
		cur := corr.Correct(e.Timestamp)
		require.GreaterOrEqual(t, cur, prev, "entry %d", i)
		prev = cur
	}
	st := s.Stats()
	require.Equal(t, 5, st.Kernel)
	require.Equal(t, 6, st.User)
}

func TestSimpleKernelBuffer(t *testing.T) {
	var (
		probe hook.Probe
		c     = clock.NewManual(0, 1)
		task  = hook.TaskID(goid.Get())
		out   bytes.Buffer
	)
	buf, err := kbuf.New(16)
	require.NoError(t, err)
	probe.Attach(kbuf.NewRecorder(buf, task, 3, c))

	s, err := Init(kbuf.NewDevice(buf, task), WithWriter(&out), WithClock(c), WithCapacity(4))
	require.NoError(t, err)
	require.NotNil(t, s.Overflow())

	s.Ipoint(1)
	probe.Fire(3, hook.TimerEntry)
	probe.Fire(3, hook.TimerExit)
	for id := encoding.ID(2); id <= 6; id++ {
		s.Ipoint(id)
	}
	probe.Fire(3, hook.TimerEntry)
	require.NoError(t, s.Output())

	got, err := encoding.ReadAll(&out)
	require.NoError(t, err)
	require.Equal(t, []encoding.ID{
		1,
		encoding.TimerEntry,
		encoding.TimerExit,
		2, 3, 4,
		encoding.BeginWrite,
		encoding.EndWrite,
		5, 6,
		encoding.TimerEntry,
	}, ids(got))
}

// TestOddKernelCapacity uses a kernel buffer whose capacity is not a power of
// two. The merge chunk must still cover the whole buffer.
func TestOddKernelCapacity(t *testing.T) {
	var (
		hooks hook.Probe
		c     = clock.NewManual(0, 1)
		task  = hook.TaskID(goid.Get())
		out   bytes.Buffer
	)
	buf, err := kbuf.New(100)
	require.NoError(t, err)
	hooks.Attach(kbuf.NewRecorder(buf, task, 3, c))

	s, err := Init(kbuf.NewDevice(buf, task),
		WithWriter(&out),
		WithClock(c),
		WithCapacity(4),
		WithFatalHandler(func(err error) { t.Errorf("fatal: %v", err) }),
	)
	require.NoError(t, err)

	s.Ipoint(1)
	hooks.Fire(3, hook.TimerEntry)
	require.NoError(t, s.Flush())
	s.Ipoint(2)
	require.NoError(t, s.Output())

	got, err := encoding.ReadAll(&out)
	require.NoError(t, err)
	require.Equal(t, []encoding.ID{
		1,
		encoding.TimerEntry,
		encoding.BeginWrite,
		encoding.EndWrite,
		2,
	}, ids(got))
}

type skewedDevice struct {
	control.Device
}

func (skewedDevice) Control(cmd control.Command, arg any) error {
	if cmd == control.GetVersion {
		*arg.(*uint32) = control.Version + 1
		return nil
	}
	panic("unexpected command " + cmd.String())
}

func TestProtocolMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	_, err := Init(skewedDevice{}, WithPath(path))
	require.True(t, errors.Is(err, control.ErrProtocolMismatch))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "no trace file may be created")
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestIOFailure(t *testing.T) {
	var fatal []error
	s, _ := open(t,
		WithCapacity(4),
		WithWriter(failingWriter{}),
		WithFatalHandler(func(err error) { fatal = append(fatal, err) }),
	)
	s.Ipoint(1)
	err := s.Flush()
	require.True(t, errors.Is(err, control.ErrIO))
	require.Len(t, fatal, 1)

	s.Ipoint(2)
	require.Error(t, s.Output())
	require.Len(t, fatal, 2)
}

func TestTraceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	s, _ := open(t, WithPath(path), WithWriter(nil), WithCapacity(4))
	s.Ipoint(7)
	require.NoError(t, s.Output())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	got, err := encoding.ReadAll(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, []encoding.ID{7}, ids(got))
	require.Equal(t, int64(len(data)), s.Stats().Bytes)
}
