// Package main provides the entry point for the wave orchestrator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/coderwave/wave/cmd/wave/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
