package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/felixge/tracemerge/pkg/analysis"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/olekukonko/tablewriter"
)

func IntervalsCommand(args []string, from, to encoding.ID) error {
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

	h, err := analysis.Intervals(bufio.NewReader(inFile), analysis.Pair{From: from, To: to})
	if err != nil {
		return fmt.Errorf("failed to analyze trace: %w", err)
	}
	if h.TotalCount() == 0 {
		return fmt.Errorf("no matching intervals")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Count", "Min", "P50", "P90", "P99", "P99.9", "Max", "Mean"})
	table.Append([]string{
		fmt.Sprintf("%d", h.TotalCount()),
		fmt.Sprintf("%d", h.Min()),
		fmt.Sprintf("%d", h.ValueAtQuantile(50)),
		fmt.Sprintf("%d", h.ValueAtQuantile(90)),
		fmt.Sprintf("%d", h.ValueAtQuantile(99)),
		fmt.Sprintf("%d", h.ValueAtQuantile(99.9)),
		fmt.Sprintf("%d", h.Max()),
		fmt.Sprintf("%.1f", h.Mean()),
	})
	table.Render()
	return nil
}
