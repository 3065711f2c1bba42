package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/tidesync/tidesync/internal/cli"
)

func main() {
	// A local .env feeds the TIDESYNC_* overrides read by config.Load.
	// Absence is the normal case outside development.
	_ = godotenv.Load()

	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tidesync: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
