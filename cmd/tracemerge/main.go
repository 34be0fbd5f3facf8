package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"runtime/trace"

	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/felixge/tracemerge/pkg/print"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// main is the entry point for the tracemerge command line tool.
func main() {
	if err := realMain(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are applied to the flag set of every command. Flags can be set
// from TRACEMERGE_* environment variables or a config file with one
// "flag value" pair per line.
func options() []ff.Option {
	return []ff.Option{
		ff.WithEnvVarPrefix("TRACEMERGE"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithAllowMissingConfigFile(true),
	}
}

// realMain is a helper function for main that returns an error.
func realMain() error {
	var (
		log *zap.Logger

		rootFlags   = flag.NewFlagSet("tracemerge", flag.ExitOnError)
		cpuProfileF = rootFlags.String("cpuprofile", "", "write cpu profile to file")
		traceF      = rootFlags.String("trace", "", "write go execution trace to file")
		logFormatF  = rootFlags.String("log-format", "console", "log format: console or json")
		logLevelF   = rootFlags.String("log-level", "info", "log level")
		_           = rootFlags.String("config", "", "config file")
	)

	root := &ffcli.Command{
		ShortUsage: "tracemerge [flags] <command> [command flags] <args>",
		FlagSet:    rootFlags,
		Options:    options(),
		Subcommands: []*ffcli.Command{
			recordCmd(&log),
			printCmd(),
			breakdownCmd(),
			kernelCmd(),
			intervalsCmd(),
			pprofCmd(),
			importCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
	if err := root.Parse(os.Args[1:]); err != nil {
		return err
	}

	var err error
	if log, err = newLogger(*logFormatF, *logLevelF); err != nil {
		return err
	}
	defer log.Sync()

	if *cpuProfileF != "" {
		file, err := os.Create(*cpuProfileF)
		if err != nil {
			return err
		}
		defer file.Close()

		if err := pprof.StartCPUProfile(file); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	if *traceF != "" {
		file, err := os.Create(*traceF)
		if err != nil {
			return err
		}
		defer file.Close()

		if err := trace.Start(file); err != nil {
			return err
		}
		defer trace.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return root.Run(ctx)
}

// newLogger returns a console logger for humans or a json logger for
// machines.
func newLogger(format, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func printCmd() *ffcli.Command {
	var (
		fs     = flag.NewFlagSet("print", flag.ExitOnError)
		filter = print.DefaultFilter()
		idsF   = fs.String("ids", "", "comma separated list of ids to print")
	)
	fs.Int64Var(&filter.MinTs, "min-ts", filter.MinTs, "only print entries with a corrected timestamp >= min-ts")
	fs.Int64Var(&filter.MaxTs, "max-ts", filter.MaxTs, "only print entries with a corrected timestamp <= max-ts, -1 for no limit")
	fs.BoolVar(&filter.UserOnly, "user", false, "only print user ipoints")
	return &ffcli.Command{
		Name:       "print",
		ShortUsage: "tracemerge print [flags] <trace>",
		ShortHelp:  "Print the entries of a trace file.",
		FlagSet:    fs,
		Options:    options(),
		Exec: func(_ context.Context, args []string) error {
			ids, err := parseIDs(*idsF)
			if err != nil {
				return err
			}
			filter.IDs = ids
			return PrintEntries(args, filter)
		},
	}
}

func breakdownCmd() *ffcli.Command {
	fs := flag.NewFlagSet("breakdown", flag.ExitOnError)
	flavorF := fs.String("flavor", string(BreakdownCount), "output flavor: count, size or csv")
	return &ffcli.Command{
		Name:       "breakdown",
		ShortUsage: "tracemerge breakdown [flags] <trace>",
		ShortHelp:  "Break down a trace file by event id.",
		FlagSet:    fs,
		Options:    options(),
		Exec: func(_ context.Context, args []string) error {
			return BreakdownCommand(BreakdownFlavor(*flavorF), args)
		},
	}
}

func kernelCmd() *ffcli.Command {
	var (
		fs      = flag.NewFlagSet("kernel", flag.ExitOnError)
		flavorF = fs.String("flavor", string(KernelSummary), "output flavor: summary or csv")
		startF  = fs.Uint("start", 0, "ipoint starting the measurement, 0 for the beginning of the trace")
		stopF   = fs.Uint("stop", 0, "ipoint stopping the measurement, 0 for the end of the trace")
		depthF  = fs.Int("max-depth", 0, "maximum kernel nesting depth, 0 for the default")
	)
	return &ffcli.Command{
		Name:       "kernel",
		ShortUsage: "tracemerge kernel [flags] <trace>",
		ShortHelp:  "Report the time spent in the kernel.",
		FlagSet:    fs,
		Options:    options(),
		Exec: func(_ context.Context, args []string) error {
			return KernelCommand(KernelFlavor(*flavorF), args, encoding.ID(*startF), encoding.ID(*stopF), *depthF)
		},
	}
}

func intervalsCmd() *ffcli.Command {
	var (
		fs    = flag.NewFlagSet("intervals", flag.ExitOnError)
		fromF = fs.Uint("from", 0, "ipoint opening the interval, 0 for any")
		toF   = fs.Uint("to", 0, "ipoint closing the interval, 0 for any")
	)
	return &ffcli.Command{
		Name:       "intervals",
		ShortUsage: "tracemerge intervals [flags] <trace>",
		ShortHelp:  "Print percentiles of the time between consecutive ipoints.",
		FlagSet:    fs,
		Options:    options(),
		Exec: func(_ context.Context, args []string) error {
			return IntervalsCommand(args, encoding.ID(*fromF), encoding.ID(*toF))
		},
	}
}

func pprofCmd() *ffcli.Command {
	fs := flag.NewFlagSet("pprof", flag.ExitOnError)
	freqF := fs.Int64("frequency", 0, "counter frequency in Hz, 0 to report ticks")
	return &ffcli.Command{
		Name:       "pprof",
		ShortUsage: "tracemerge pprof [flags] <trace> <profile>",
		ShortHelp:  "Convert a trace file into a pprof profile.",
		FlagSet:    fs,
		Options:    options(),
		Exec: func(_ context.Context, args []string) error {
			return PPROF(args, *freqF)
		},
	}
}

func importCmd() *ffcli.Command {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	goF := fs.Int64("g", 0, "id of the goroutine to import")
	return &ffcli.Command{
		Name:       "import",
		ShortUsage: "tracemerge import -g <goroutine> <go trace> <output>",
		ShortHelp:  "Extract the kernel events of a goroutine from a Go execution trace.",
		FlagSet:    fs,
		Options:    options(),
		Exec: func(_ context.Context, args []string) error {
			return ImportCommand(args, *goF)
		},
	}
}
