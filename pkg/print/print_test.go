package print

import (
	"bytes"
	"strings"
	"testing"

	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/gkampitakis/go-snaps/snaps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTrace(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, encoding.NewEncoder(&buf).EncodeAll([]encoding.Entry{
		{ID: 1, Timestamp: 0xfffffff0},
		{ID: encoding.IRQEntry, Timestamp: 0xfffffff8},
		{ID: encoding.IRQExit, Timestamp: 0x00000004},
		{ID: 2, Timestamp: 0x00000010},
		{ID: encoding.BeginWrite, Timestamp: 0x00000020},
		{ID: encoding.EndWrite, Timestamp: 0x00000030},
		{ID: 1, Timestamp: 0x00000040},
	}))
	return buf.Bytes()
}

func entries(t *testing.T, in []byte, f Filter) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, Entries(bytes.NewReader(in), &out, f))
	return out.String()
}

func TestEntries(t *testing.T) {
	in := testTrace(t)

	t.Run("Default Filter", func(t *testing.T) {
		out := entries(t, in, DefaultFilter())
		assert.Equal(t, 7, strings.Count(out, "\n"))
		assert.Contains(t, out, "00000001 ipoint(1) 4294967280\n")
		assert.Contains(t, out, "fffffff4 IRQ_EXIT 4294967300\n")
		snaps.MatchSnapshot(t, out)
	})

	t.Run("Time Filter", func(t *testing.T) {
		f := DefaultFilter()
		f.MinTs = 0xfffffff8
		f.MaxTs = 1<<32 + 0x10
		out := entries(t, in, f)
		assert.Equal(t, "fffffff5 IRQ_ENTRY 4294967288\n"+
			"fffffff4 IRQ_EXIT 4294967300\n"+
			"00000002 ipoint(2) 4294967312\n", out)
	})

	t.Run("ID Filter", func(t *testing.T) {
		f := DefaultFilter()
		f.IDs = []encoding.ID{1}
		out := entries(t, in, f)
		assert.Equal(t, 2, strings.Count(out, "ipoint(1)"))
		assert.NotContains(t, out, "ipoint(2)")
	})

	t.Run("User Filter", func(t *testing.T) {
		f := DefaultFilter()
		f.UserOnly = true
		out := entries(t, in, f)
		assert.Equal(t, 3, strings.Count(out, "\n"))
		assert.NotContains(t, out, "WRITE")
	})
}

func TestEntriesTruncated(t *testing.T) {
	in := testTrace(t)
	err := Entries(bytes.NewReader(in[:len(in)-1]), &bytes.Buffer{}, DefaultFilter())
	require.Error(t, err)
}
