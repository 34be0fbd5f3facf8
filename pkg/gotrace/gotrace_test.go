package gotrace

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime/trace"
	"testing"
	"time"

	"github.com/felixge/tracemerge/pkg/control"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/felixge/tracemerge/pkg/hook"
	"github.com/felixge/tracemerge/pkg/ktrace"
	"github.com/petermattis/goid"
	"github.com/stretchr/testify/require"
	xtrace "golang.org/x/exp/trace"
)

// record traces a goroutine that sleeps and writes a file, and returns the
// trace and the goroutine's id.
func record(t *testing.T) ([]byte, xtrace.GoID) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out")

	var buf bytes.Buffer
	require.NoError(t, trace.Start(&buf))
	done := make(chan int64)
	go func() {
		time.Sleep(time.Millisecond)
		os.WriteFile(path, []byte("x"), 0o644)
		time.Sleep(time.Millisecond)
		done <- goid.Get()
	}()
	g := <-done
	trace.Stop()
	return buf.Bytes(), xtrace.GoID(g)
}

func ids(entries []encoding.Entry) []encoding.ID {
	var out []encoding.ID
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestEntries(t *testing.T) {
	data, g := record(t)
	entries, err := Entries(bytes.NewReader(data), g)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	// The goroutine was created after the trace started, so it is first
	// scheduled in and then alternates between switching out and in.
	var switches, froms int
	for _, id := range ids(entries) {
		switch id {
		case encoding.SwitchTo:
			require.Equal(t, 0, switches%2, "SwitchTo while running")
			switches++
		case encoding.SwitchFrom:
			require.Equal(t, 1, switches%2, "SwitchFrom while switched out")
			switches++
			froms++
		}
	}
	require.GreaterOrEqual(t, froms, 2)

	none, err := Entries(bytes.NewReader(data), g+1<<20)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestEntriesInvalid(t *testing.T) {
	_, err := Entries(bytes.NewReader([]byte("not a trace")), 1)
	require.Error(t, err)
}

func TestReplay(t *testing.T) {
	data, g := record(t)
	want, err := Entries(bytes.NewReader(data), g)
	require.NoError(t, err)

	probe := &hook.Probe{}
	tracer := ktrace.New(probe, ktrace.WithBufferShift(12))
	f, err := tracer.Open(hook.TaskID(g), -1)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Control(control.Enable, nil))

	require.NoError(t, Replay(bytes.NewReader(data), g, probe))

	entries, err := encoding.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, ids(want), ids(entries))
}
