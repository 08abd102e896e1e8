// Package main is the entry point for the Trickle event core.
package main

import (
	"fmt"
	"os"

	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
