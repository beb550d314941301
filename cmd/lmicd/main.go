package main

// ============================================================================
// lmicd entry point: builds the cobra root from internal/cli and runs it.
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/lmic-task/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
