// Package main is the vetsync operator CLI. It works directly on the local
// database, so it should not be run against a data directory a daemon is
// draining unless cross-process locking is enabled.
package main

import (
	"fmt"
	"os"
)

// version is set via ldflags during build
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
