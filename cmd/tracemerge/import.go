package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/felixge/tracemerge/pkg/gotrace"
	"golang.org/x/exp/trace"
)

func ImportCommand(args []string, g int64) error {
	// Check the number of arguments
	if len(args) != 2 {
		return fmt.Errorf("expected 2 arguments, got %d", len(args))
	}
	if g <= 0 {
		return fmt.Errorf("invalid goroutine id: %d", g)
	}

	// Open the input file
	inFile, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer inFile.Close()

	entries, err := gotrace.Entries(bufio.NewReader(inFile), trace.GoID(g))
	if err != nil {
		return fmt.Errorf("failed to parse go trace: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("goroutine %d not found in trace", g)
	}

	// Open the output file
	outFile, err := os.Create(args[1])
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer outFile.Close()

	if err := encoding.NewEncoder(outFile).EncodeAll(entries); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return outFile.Close()
}
