// Package main is the entry point for the livebridge application.
package main

import (
	"os"

	"github.com/jmylchreest/livebridge/cmd/livebridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
