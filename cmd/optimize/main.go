// Package main is a command-line front end to the optimizer: it reads a CSV of
// returns (or prices) and prints the optimal allocation.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
