// Package main is the entry point for the pitx transcoder.
package main

import (
	"os"

	"github.com/jmylchreest/pitx/cmd/pitx/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
