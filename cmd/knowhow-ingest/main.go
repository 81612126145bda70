// Package main provides the entry point for the knowhow-ingest CLI and server.
package main

import (
	"fmt"
	"os"

	"github.com/raphaelgruber/knowhow-ingest/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
