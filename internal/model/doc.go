// Package model defines the domain types and value objects for the
// tbot CLI.
//
// This package contains pure data structures with no external dependencies:
// shell modes, command results, testcase statuses and the name rules for
// labs, boards and testcases.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
