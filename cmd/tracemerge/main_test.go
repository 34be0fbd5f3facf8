package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/felixge/tracemerge/pkg/analysis"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs("1, 0x10,4294967280")
	require.NoError(t, err)
	require.Equal(t, []encoding.ID{1, 16, encoding.EndWrite}, ids)

	ids, err = parseIDs("")
	require.NoError(t, err)
	require.Nil(t, ids)

	_, err = parseIDs("1,x")
	require.Error(t, err)
}

func TestHumanBytes(t *testing.T) {
	require.Equal(t, "999 B", humanBytes(999))
	require.Equal(t, "1.5 kB", humanBytes(1500))
	require.Equal(t, "2.0 MB", humanBytes(2e6))
}

func TestRecord(t *testing.T) {
	for _, tracer := range []TracerKind{TracerTask, TracerSimple} {
		t.Run(string(tracer), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "trace.bin")
			err := RecordCommand(context.Background(), zaptest.NewLogger(t), RecordOptions{
				Path:       path,
				Tracer:     tracer,
				Iterations: 500,
				Capacity:   64,
				Tick:       100 * time.Microsecond,
			})
			require.NoError(t, err)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			bd, err := analysis.ByID(bytes.NewReader(data))
			require.NoError(t, err)
			require.Equal(t, int64(500), bd[ipointIteration].Count)
			require.Equal(t, int64(500), bd[ipointDone].Count)
			require.Equal(t, bd[encoding.BeginWrite].Count, bd[encoding.EndWrite].Count)
			require.NotZero(t, bd[encoding.BeginWrite].Count)

			_, err = analysis.KernelTime(bytes.NewReader(data), analysis.KernelOptions{})
			require.NoError(t, err)
		})
	}
}

func TestRecordUnknownTracer(t *testing.T) {
	err := RecordCommand(context.Background(), zaptest.NewLogger(t), RecordOptions{
		Tracer: "bogus",
		Tick:   time.Millisecond,
	})
	require.Error(t, err)
}
