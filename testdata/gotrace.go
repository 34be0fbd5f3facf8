//go:build ignore

// Writes a Go execution trace of a goroutine that sleeps and performs system
// calls to stdout and the goroutine's id to stderr, for use with
// "tracemerge import".
package main

import (
	"fmt"
	"os"
	"runtime/trace"
	"time"

	"github.com/petermattis/goid"
)

func main() {
	if err := trace.Start(os.Stdout); err != nil {
		panic(err)
	}
	defer trace.Stop()

	done := make(chan int64)
	go func() {
		for i := 0; i < 10; i++ {
			time.Sleep(time.Millisecond)
			os.Stat(os.DevNull)
		}
		done <- goid.Get()
	}()
	fmt.Fprintf(os.Stderr, "%d\n", <-done)
}
