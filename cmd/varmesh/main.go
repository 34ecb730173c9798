// Command varmesh is a thin CLI wrapper around the engine: it builds one
// of the ready-made transports, an optional code-block evaluator, and a
// connection from whatever flags and config file it's given, then blocks
// until SIGINT/SIGTERM and shuts the connection down. Everything it does
// is also reachable by importing the root package directly; this binary
// exists only for the case where a host wants a standalone process rather
// than an in-process embedding.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
