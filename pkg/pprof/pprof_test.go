package pprof

import (
	"bytes"
	"strings"
	"testing"

	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTrace(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, encoding.NewEncoder(&buf).EncodeAll([]encoding.Entry{
		{ID: 1, Timestamp: 0},
		{ID: encoding.SysEntry, Timestamp: 10},
		{ID: encoding.SysExit, Timestamp: 30},
		{ID: 2, Timestamp: 40},
		{ID: encoding.BeginWrite, Timestamp: 50},
		{ID: encoding.EndWrite, Timestamp: 70},
		{ID: 3, Timestamp: 80},
	}))
	return buf.Bytes()
}

func convert(t *testing.T, opt Options) *profile.Profile {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, Convert(bytes.NewReader(testTrace(t)), &out, opt))
	p, err := profile.Parse(&out)
	require.NoError(t, err)
	return p
}

func TestConvert(t *testing.T) {
	p := convert(t, Options{})
	require.Equal(t, "ticks", p.SampleType[0].Unit)
	assert.Equal(t, int64(80), p.DurationNanos)
	assert.Equal(t, map[string]int64{
		"user:ipoint(2);ipoint(1)":             20,
		"kernel:SYS_ENTRY;ipoint(2);ipoint(1)": 20,
		"user:ipoint(3);ipoint(2)":             20,
		"kernel:flush;ipoint(3);ipoint(2)":     20,
	}, samples(p))
}

func TestConvertFrequency(t *testing.T) {
	p := convert(t, Options{Frequency: 2e9})
	require.Equal(t, "nanoseconds", p.SampleType[0].Unit)
	assert.Equal(t, int64(40), p.DurationNanos)
	assert.Equal(t, int64(10), samples(p)["kernel:flush;ipoint(3);ipoint(2)"])
}

func TestConvertTrailing(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, encoding.NewEncoder(&buf).EncodeAll([]encoding.Entry{
		{ID: 1, Timestamp: 0},
		{ID: encoding.TimerEntry, Timestamp: 5},
	}))
	var out bytes.Buffer
	require.NoError(t, Convert(&buf, &out, Options{}))
	p, err := profile.Parse(&out)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"user:end;ipoint(1)": 5}, samples(p))
}

// samples maps "state:leaf;...;root" to the sample value.
func samples(p *profile.Profile) map[string]int64 {
	out := map[string]int64{}
	for _, s := range p.Sample {
		var frames []string
		for _, l := range s.Location {
			frames = append(frames, l.Line[0].Function.Name)
		}
		out[s.Label["state"][0]+":"+strings.Join(frames, ";")] += s.Value[0]
	}
	return out
}
