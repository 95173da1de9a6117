// Package main is the entry point for the pontis daemon and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/pontis-dev/pontis/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
