package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/felixge/tracemerge/pkg/print"
)

func PrintEntries(args []string, filter print.Filter) error {
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

	// Print all entries to stdout
	stdout := bufio.NewWriter(os.Stdout)
	defer stdout.Flush()
	return print.Entries(bufio.NewReader(inFile), stdout, filter)
}

// parseIDs parses a comma separated list of ids. Ids may be given in decimal
// or, with a 0x prefix, in hex.
func parseIDs(s string) ([]encoding.ID, error) {
	if s == "" {
		return nil, nil
	}
	var ids []encoding.ID
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", f, err)
		}
		ids = append(ids, encoding.ID(v))
	}
	return ids, nil
}
