// Package main is the entry point for the otokura ingest daemon and CLI.
package main

import (
	"fmt"
	"os"

	"hibiki.cc/otokura/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
