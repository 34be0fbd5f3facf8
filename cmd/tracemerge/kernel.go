package main

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/felixge/tracemerge/pkg/analysis"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/olekukonko/tablewriter"
)

type KernelFlavor string

const (
	KernelCSV     KernelFlavor = "csv"
	KernelSummary KernelFlavor = "summary"
)

func KernelCommand(flavor KernelFlavor, args []string, start, stop encoding.ID, maxDepth int) error {
	// Check the number of arguments
	if len(args) != 1 {
		return fmt.Errorf("expected 1 argument, got %d", len(args))
	}

	// Open the input file
	inFile, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer inFile.Close()

	report, err := analysis.KernelTime(bufio.NewReader(inFile), analysis.KernelOptions{
		Start:    start,
		Stop:     stop,
		MaxDepth: maxDepth,
	})
	if err != nil {
		return fmt.Errorf("failed to analyze trace: %w", err)
	}

	switch flavor {
	case KernelCSV:
		// Write kernel intervals to stdout in CSV format
		cw := csv.NewWriter(os.Stdout)
		cw.Write([]string{"Start", "End", "Duration", "Cause"})
		for _, iv := range report.Intervals {
			cw.Write([]string{
				fmt.Sprintf("%d", iv.Start),
				fmt.Sprintf("%d", iv.End),
				fmt.Sprintf("%d", iv.Duration()),
				iv.ID.String(),
			})
		}
		cw.Flush()
		return cw.Error()
	case KernelSummary:
		var flushed uint64
		for _, f := range report.Flushes {
			flushed += f.Duration()
		}
		percent := func(v uint64) string {
			if report.Elapsed() == 0 {
				return "-"
			}
			return fmt.Sprintf("%.2f%%", float64(v)/float64(report.Elapsed())*100)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"", "Ticks", "%", "Count"})
		table.AppendBulk([][]string{
			{"User", fmt.Sprintf("%d", report.User()), percent(report.User()), ""},
			{"Kernel", fmt.Sprintf("%d", report.Kernel), percent(report.Kernel), fmt.Sprintf("%d", report.Entries)},
			{"Flush", fmt.Sprintf("%d", flushed), percent(flushed), fmt.Sprintf("%d", len(report.Flushes))},
		})
		table.SetFooter([]string{"Elapsed", fmt.Sprintf("%d", report.Elapsed()), "100.00%", ""})
		table.Render()
		return nil
	default:
		return fmt.Errorf("unknown flavor: %s", flavor)
	}
}
