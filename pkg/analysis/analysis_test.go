package analysis

import (
	"bytes"
	"testing"

	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/stretchr/testify/require"
)

func e(id encoding.ID, ts uint32) encoding.Entry {
	return encoding.Entry{ID: id, Timestamp: ts}
}

func trace(t *testing.T, entries ...encoding.Entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, encoding.NewEncoder(&buf).EncodeAll(entries))
	return buf.Bytes()
}

func TestByID(t *testing.T) {
	data := trace(t,
		e(1, 1), e(2, 2), e(1, 3),
		e(encoding.SysEntry, 4), e(encoding.SysExit, 5),
		e(encoding.BeginWrite, 6), e(encoding.EndWrite, 7),
	)
	breakdown, err := ByID(bytes.NewReader(data))
	require.NoError(t, err)

	require.Equal(t, 6, len(breakdown))
	var size int64
	for _, summary := range breakdown {
		size += summary.Bytes
	}
	require.Equal(t, int64(len(data)), size)

	require.Equal(t, IDSummary{ID: 1, Count: 2, Bytes: 2 * encoding.EntrySize}, breakdown[1])
	require.Equal(t, "user", breakdown[1].Kind())
	require.Equal(t, "kernel", breakdown[encoding.SysEntry].Kind())
	require.Equal(t, "marker", breakdown[encoding.EndWrite].Kind())
}

func TestByIDTruncated(t *testing.T) {
	data := trace(t, e(1, 1), e(2, 2))
	_, err := ByID(bytes.NewReader(data[:len(data)-3]))
	require.Error(t, err)
}

func TestKernelTime(t *testing.T) {
	const start, stop = 10, 11
	data := trace(t,
		e(1, 0),
		e(start, 100),
		e(encoding.SysEntry, 110),
		e(encoding.SysExit, 130),
		e(2, 140),
		e(encoding.IRQEntry, 150),
		e(encoding.TimerEntry, 155),
		e(encoding.TimerExit, 160),
		e(encoding.IRQExit, 170),
		// Scheduler ran after the interrupt.
		e(encoding.SwitchFrom, 175),
		e(encoding.SwitchTo, 200),
		e(3, 210),
		e(encoding.BeginWrite, 220),
		e(encoding.EndWrite, 250),
		e(stop, 260),
		e(encoding.SysEntry, 270),
		e(encoding.SysExit, 290),
	)
	report, err := KernelTime(bytes.NewReader(data), KernelOptions{Start: start, Stop: stop})
	require.NoError(t, err)

	require.Equal(t, uint64(100), report.Start)
	require.Equal(t, uint64(260), report.End)
	require.Equal(t, uint64(160), report.Elapsed())
	require.Equal(t, uint64(70), report.Kernel)
	require.Equal(t, uint64(90), report.User())
	require.Equal(t, 2, report.Entries)
	require.Equal(t, []Interval{
		{Start: 110, End: 130, ID: encoding.SysEntry},
		{Start: 150, End: 200, ID: encoding.IRQEntry},
	}, report.Intervals)
	require.Equal(t, []Interval{{Start: 220, End: 250, ID: encoding.BeginWrite}}, report.Flushes)
	require.Equal(t, uint64(30), report.Flushes[0].Duration())
}

func TestKernelTimeWholeTrace(t *testing.T) {
	data := trace(t,
		e(1, 0xfffffff0),
		e(encoding.SwitchFrom, 0xfffffff8),
		e(encoding.SwitchTo, 0x00000008),
		e(2, 0x00000010),
	)
	report, err := KernelTime(bytes.NewReader(data), KernelOptions{})
	require.NoError(t, err)
	require.Equal(t, uint64(0x20), report.Elapsed())
	require.Equal(t, uint64(0x10), report.Kernel)
	require.Equal(t, 1, report.Entries)
}

func TestKernelTimeErrors(t *testing.T) {
	t.Run("depth", func(t *testing.T) {
		var entries []encoding.Entry
		for i := 0; i <= DefaultMaxDepth; i++ {
			entries = append(entries, e(encoding.IRQEntry, uint32(i)))
		}
		_, err := KernelTime(bytes.NewReader(trace(t, entries...)), KernelOptions{})
		require.ErrorContains(t, err, "nested")
	})
	t.Run("missing start", func(t *testing.T) {
		_, err := KernelTime(bytes.NewReader(trace(t, e(1, 1))), KernelOptions{Start: 10})
		require.ErrorContains(t, err, "not found")
	})
	t.Run("unbalanced flush", func(t *testing.T) {
		_, err := KernelTime(bytes.NewReader(trace(t, e(encoding.EndWrite, 1))), KernelOptions{})
		require.Error(t, err)
	})
}

func TestIntervals(t *testing.T) {
	data := trace(t,
		e(1, 0),
		e(2, 10),
		e(encoding.SysEntry, 12),
		e(encoding.SysExit, 14),
		e(1, 30),
		e(2, 45),
	)

	all, err := Intervals(bytes.NewReader(data), Pair{})
	require.NoError(t, err)
	require.Equal(t, int64(3), all.TotalCount())
	require.Equal(t, int64(10), all.Min())
	require.Equal(t, int64(20), all.Max())

	pair, err := Intervals(bytes.NewReader(data), Pair{From: 1, To: 2})
	require.NoError(t, err)
	require.Equal(t, int64(2), pair.TotalCount())
	require.Equal(t, int64(15), pair.Max())
}

func TestIntervalsWraparound(t *testing.T) {
	data := trace(t, e(1, 0xfffffff0), e(2, 0x00000010))
	h, err := Intervals(bytes.NewReader(data), Pair{})
	require.NoError(t, err)
	require.Equal(t, int64(0x20), h.Max())
}
