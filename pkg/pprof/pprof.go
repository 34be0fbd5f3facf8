// Package pprof converts trace files into pprof profiles.
package pprof

import (
	"io"
	"strings"

	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/google/pprof/profile"
)

// Options configures Convert.
type Options struct {
	// Frequency is the counter frequency in Hz. If it is zero, sample values
	// are reported in counter ticks instead of nanoseconds.
	Frequency int64
}

// Convert reads a trace from r and writes a profile to w. The time between
// two consecutive user ipoints becomes samples with the stack
// [current ipoint, previous ipoint]. Time spent in the kernel or flushing
// the trace is split off into samples labeled state=kernel with the cause as
// their leaf frame.
func Convert(r io.Reader, w io.Writer, opt Options) error {
	var (
		dec  = encoding.NewDecoder(r)
		corr encoding.Corrector
		e    encoding.Entry
		b    = newBuilder(opt)

		first   = true
		start   uint64
		since   uint64
		prev    = "start"
		depth   int
		cause   string
		flush   bool
		pending []segment
	)
	emit := func(cur string) {
		for _, seg := range pending {
			if seg.cause == "" {
				b.add("user", seg.ticks, cur, prev)
			} else {
				b.add("kernel", seg.ticks, seg.cause, cur, prev)
			}
		}
		pending = pending[:0]
	}

	for {
		if err := dec.Decode(&e); err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		ts := corr.Correct(e.Timestamp)
		if first {
			first, start, since = false, ts, ts
		}

		if d := ts - since; d > 0 {
			seg := segment{ticks: d}
			if depth > 0 {
				seg.cause = cause
			} else if flush {
				seg.cause = "flush"
			}
			pending = append(pending, seg)
		}
		since = ts

		switch id := e.ID; {
		case id.KernelEntry():
			depth++
			if depth == 1 {
				cause = id.String()
			}
		case id.KernelExit():
			if depth > 0 {
				depth--
			}
		case id == encoding.BeginWrite:
			flush = true
		case id == encoding.EndWrite:
			flush = false
		case id.Reserved():
		default:
			emit(id.String())
			prev = id.String()
		}
	}
	emit("end")

	b.p.DurationNanos = b.scale(since - start)
	return b.p.Write(w)
}

type segment struct {
	cause string // empty for user time
	ticks uint64
}

type sampleKey struct {
	State string
	Stack string
}

type builder struct {
	p         *profile.Profile
	freq      int64
	locIdx    map[string]*profile.Location
	sampleIdx map[sampleKey]*profile.Sample
}

func newBuilder(opt Options) *builder {
	unit := "ticks"
	if opt.Frequency > 0 {
		unit = "nanoseconds"
	}
	return &builder{
		p: &profile.Profile{
			SampleType:        []*profile.ValueType{{Type: "wall-time", Unit: unit}},
			DefaultSampleType: "wall-time",
		},
		freq:      opt.Frequency,
		locIdx:    map[string]*profile.Location{},
		sampleIdx: map[sampleKey]*profile.Sample{},
	}
}

func (b *builder) scale(ticks uint64) int64 {
	if b.freq <= 0 {
		return int64(ticks)
	}
	return int64(float64(ticks) * 1e9 / float64(b.freq))
}

// add attributes ticks to the sample with the given frames, leaf first.
func (b *builder) add(state string, ticks uint64, frames ...string) {
	key := sampleKey{State: state, Stack: strings.Join(frames, ";")}
	sample, ok := b.sampleIdx[key]
	if !ok {
		sample = &profile.Sample{
			Value: []int64{0},
			Label: map[string][]string{"state": {state}},
		}
		for _, name := range frames {
			sample.Location = append(sample.Location, b.location(name))
		}
		b.p.Sample = append(b.p.Sample, sample)
		b.sampleIdx[key] = sample
	}
	sample.Value[0] += b.scale(ticks)
}

func (b *builder) location(name string) *profile.Location {
	if loc, ok := b.locIdx[name]; ok {
		return loc
	}
	fn := &profile.Function{
		ID:   uint64(len(b.p.Function) + 1),
		Name: name,
	}
	b.p.Function = append(b.p.Function, fn)
	loc := &profile.Location{
		ID:   uint64(len(b.p.Location) + 1),
		Line: []profile.Line{{Function: fn}},
	}
	b.p.Location = append(b.p.Location, loc)
	b.locIdx[name] = loc
	return loc
}
