package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/felixge/tracemerge/pkg/clock"
	"github.com/felixge/tracemerge/pkg/control"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/felixge/tracemerge/pkg/hook"
	"github.com/felixge/tracemerge/pkg/kbuf"
	"github.com/felixge/tracemerge/pkg/ktrace"
	"github.com/felixge/tracemerge/pkg/session"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/petermattis/goid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type TracerKind string

const (
	TracerTask   TracerKind = "task"
	TracerSimple TracerKind = "simple"
)

// Ipoints recorded by the demo workload.
const (
	ipointIteration encoding.ID = 1
	ipointWorked    encoding.ID = 2
	ipointDone      encoding.ID = 3
)

type RecordOptions struct {
	Path       string
	Tracer     TracerKind
	Iterations int
	Capacity   int
	Shift      uint
	Tick       time.Duration
	CPU        int
}

func recordCmd(log **zap.Logger) *ffcli.Command {
	var (
		fs  = flag.NewFlagSet("record", flag.ExitOnError)
		opt = RecordOptions{}
	)
	fs.StringVar(&opt.Path, "o", session.DefaultPath, "trace file")
	fs.StringVar((*string)(&opt.Tracer), "tracer", string(TracerTask), "kernel side tracer: task or simple")
	fs.IntVar(&opt.Iterations, "n", 100000, "workload iterations")
	fs.IntVar(&opt.Capacity, "capacity", 0, "user buffer entries, 0 for the default")
	fs.UintVar(&opt.Shift, "shift", 0, "kernel buffer size as a power of two, 0 for the default")
	fs.DurationVar(&opt.Tick, "tick", time.Millisecond, "timer interrupt interval")
	fs.IntVar(&opt.CPU, "cpu", 0, "cpu the workload is reported on")
	return &ffcli.Command{
		Name:       "record",
		ShortUsage: "tracemerge record [flags]",
		ShortHelp:  "Trace an instrumented demo workload.",
		FlagSet:    fs,
		Options:    options(),
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("expected 0 arguments, got %d", len(args))
			}
			return RecordCommand(ctx, *log, opt)
		},
	}
}

// RecordCommand runs the demo workload next to a timer interrupt source
// until the workload is done or ctx is canceled.
func RecordCommand(ctx context.Context, log *zap.Logger, opt RecordOptions) error {
	var (
		probe  = &hook.Probe{}
		cpu    = &hook.CPU{Probe: probe, ID: opt.CPU}
		ticker = &hook.Ticker{CPU: cpu, Interval: opt.Tick}
	)
	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.Go(func() error {
		n := ticker.Run(ctx)
		log.Debug("timer stopped", zap.Int("ticks", n))
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return workload(ctx, log, cpu, opt)
	})
	return g.Wait()
}

// workload traces itself, reporting its system calls and yields on cpu. The
// session belongs to the goroutine running workload.
func workload(ctx context.Context, log *zap.Logger, cpu *hook.CPU, opt RecordOptions) error {
	var (
		task  = hook.TaskID(goid.Get())
		probe = cpu.Probe
	)

	var dev control.Device
	switch opt.Tracer {
	case TracerTask:
		f, err := ktrace.New(probe, ktrace.WithLogger(log)).Open(task, opt.CPU)
		if err != nil {
			return fmt.Errorf("failed to open tracer: %w", err)
		}
		dev = f
	case TracerSimple:
		buf, err := kbuf.New(kbuf.DefaultCapacity)
		if err != nil {
			return err
		}
		rec := kbuf.NewRecorder(buf, task, opt.CPU, clock.Process)
		probe.Attach(rec)
		defer probe.Detach(rec)
		dev = kbuf.NewDevice(buf, task)
	default:
		return fmt.Errorf("unknown tracer: %s", opt.Tracer)
	}

	sopts := []session.Option{session.WithPath(opt.Path), session.WithLogger(log)}
	if opt.Capacity > 0 {
		sopts = append(sopts, session.WithCapacity(opt.Capacity))
	}
	if opt.Shift > 0 {
		sopts = append(sopts, session.WithBufferShift(uint32(opt.Shift)))
	}
	s, err := session.Init(cpuDevice{Device: dev, cpu: cpu}, sopts...)
	if err != nil {
		dev.Close()
		return err
	}

	var sum uint64
	for i := 0; i < opt.Iterations && ctx.Err() == nil; i++ {
		s.Ipoint(ipointIteration)
		for j := uint64(0); j < 1000; j++ {
			sum = sum*31 + j
		}
		s.Ipoint(ipointWorked)

		if i%16 == 0 {
			cpu.Fire(hook.SysEntry)
			os.Stat(opt.Path)
			cpu.Fire(hook.SysExit)
		}
		if i%64 == 0 {
			cpu.Switch(task, hook.NoTask)
			runtime.Gosched()
			cpu.Switch(hook.NoTask, task)
		}
		s.Ipoint(ipointDone)

		select {
		case <-s.Overflow():
			if err := s.Flush(); err != nil {
				s.Output()
				return err
			}
		default:
		}
	}
	if err := s.Output(); err != nil {
		return err
	}

	st := s.Stats()
	log.Info("trace written",
		zap.String("path", opt.Path),
		zap.Int("flushes", st.Flushes),
		zap.Int("traps", st.Traps),
		zap.Int("user", st.User),
		zap.Int("kernel", st.Kernel),
		zap.Int("lost", st.Lost),
		zap.Uint64("missed", st.Missed),
		zap.Uint64("checksum", sum),
	)
	return nil
}

// cpuDevice executes control commands on cpu, so enabling or disabling
// capture never separates an interrupt entry from its exit.
type cpuDevice struct {
	control.Device
	cpu *hook.CPU
}

func (d cpuDevice) Control(cmd control.Command, arg any) (err error) {
	d.cpu.Do(func() { err = d.Device.Control(cmd, arg) })
	return err
}

func (d cpuDevice) Overflow() <-chan struct{} {
	if n, ok := d.Device.(interface{ Overflow() <-chan struct{} }); ok {
		return n.Overflow()
	}
	return nil
}
