// Package main provides the entry point for the substrate CLI.
package main

import (
	"os"

	"github.com/ainote-labs/substrate/cmd/substrated/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
