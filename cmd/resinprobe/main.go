// Command resinprobe is a thin wrapper that invokes the testing engine
// against a JSON node-list file and prints the resulting per-airport
// metrics. It does no subscription parsing, rendering, or export — those
// remain the job of whatever calls this engine as a library.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
