// Package main is the entry point for the tbot CLI.
//
// tbot automates tests and builds on embedded boards attached to a lab
// host. All functionality lives in internal/cli; main only injects the
// build-time version information.
package main

import (
	"github.com/shinji-kodama/tbot/internal/cli"
)

// version, commit and date are set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	rootCmd := cli.NewRootCommand()
	cli.Execute(rootCmd)
}
