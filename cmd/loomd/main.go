// Command loomd runs the autonomous software-development orchestrator
// described in spec.md: a daemon that drives a fleet of shepherd workers
// through a labelled-issue pipeline on a Git-hosted tracker. The CLI layer
// is a thin cobra wrapper (spec.md §1 "Out of scope": CLI argument parsing
// itself carries no domain logic); see root.go for the command tree.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loomd: %v\n", err)
		os.Exit(1)
	}
}
