// Package main is the entry point for the hopover CLI.
package main

import (
	"os"

	"github.com/hopover/hopover/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
