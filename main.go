package main

import (
	"github.com/mirageops/mirage/cmd"
)

// main is the entry point for the mirage daemon.
func main() {
	// Execute the root command defined in the cmd package. This handles all
	// command-line parsing, configuration, and execution.
	cmd.Execute()
}
