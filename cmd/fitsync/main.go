// Command fitsync operates the FitSync sync core from a terminal: queue
// inspection, manual drains and a local status server for desktop clients.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
