// Package cli implements the cobra-based command line of tbot.
//
// The root command runs testcases: `tbot <lab> <board> <testcase>...`.
// The list and doc subcommands are defined in their own files. This file
// holds the root command, the global flags and the error/exit code
// handling shared by every subcommand.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/tbot/internal/model"
)

// Global flag variables shared across all subcommands.
var (
	// jsonOutput switches results and errors to JSON.
	jsonOutput bool

	// verbose prints command output and debug messages.
	verbose bool
)

// Version, Commit and Date are set from main at build time.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates the root command with all subcommands attached.
func NewRootCommand() *cobra.Command {
	flags := &runFlags{}

	rootCmd := &cobra.Command{
		Use:   "tbot <lab> <board> <testcase>...",
		Short: "Automate tests and builds on embedded boards",
		Long: `tbot runs testcases against an embedded board that is attached to a lab host.

The lab and board names select configuration files in the config
directory (labs/<lab>.yaml and boards/<board>.yaml, merged over tbot.yaml).
Testcases run in order; the run stops at the first failure.

Examples:
  tbot pollux taurus build_uboot
  tbot pollux taurus build_uboot check_uboot_version --log run.jsonl
  tbot local dummy selftest -p lab.shell=env`,

		// Errors are printed by Execute in text or JSON.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		Args: func(cmd *cobra.Command, args []string) error {
			if flags.list || flags.showConfig {
				return cobra.RangeArgs(2, 2)(cmd, args)
			}
			return cobra.MinimumNArgs(3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTestcases(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), flags, args[0], args[1], args[2:])
		},
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.Flags().StringVar(&flags.configDir, "config", defaultConfigDir(), "Config directory (default $TBOT_CONFIG or ./config)")
	rootCmd.Flags().StringArrayVarP(&flags.params, "param", "p", nil, "Set a config value and testcase parameter (key=value, repeatable)")
	rootCmd.Flags().StringVar(&flags.logFile, "log", "", "Write the event log to this file (JSON lines)")
	rootCmd.Flags().BoolVar(&flags.list, "list", false, "List the testcases available for <lab> <board> instead of running")
	rootCmd.Flags().BoolVar(&flags.showConfig, "show-config", false, "Print the merged configuration for <lab> <board> instead of running")
	rootCmd.MarkFlagsMutuallyExclusive("list", "show-config")

	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewDocCommand())

	return rootCmd
}

// defaultConfigDir is $TBOT_CONFIG, or ./config.
func defaultConfigDir() string {
	if dir := os.Getenv("TBOT_CONFIG"); dir != "" {
		return dir
	}
	return "config"
}

// Execute runs the root command and exits with the code of the error.
func Execute(rootCmd *cobra.Command) {
	if err := executeWithSignals(rootCmd); err != nil {
		// A bare CLIError prints its message and cause separately;
		// anything wrapped prints as one chain.
		if cliErr, ok := err.(*model.CLIError); ok {
			printError(os.Stderr, cliErr.Message, cliErr.Err)
		} else {
			printError(os.Stderr, err.Error(), nil)
		}
		os.Exit(int(ExitCode(err)))
	}
}

// executeWithSignals runs rootCmd with a context that SIGINT and SIGTERM
// cancel, so a running testcase unwinds and powers the board off.
func executeWithSignals(rootCmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps err to the process exit code. A CLIError anywhere in the
// chain decides; otherwise a failed shell command is ExitCommandFailed and
// anything else that came out of a testcase is ExitTestcaseFailed.
func ExitCode(err error) model.ExitCode {
	if err == nil {
		return model.ExitSuccess
	}
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}
	var cmdErr *model.CommandFailedError
	if errors.As(err, &cmdErr) {
		return model.ExitCommandFailed
	}
	if errors.Is(err, errTestcaseFailed) {
		return model.ExitTestcaseFailed
	}
	return model.ExitGeneralError
}

// printError outputs an error message in text or JSON, depending on the
// --json flag.
func printError(w io.Writer, message string, underlying error) {
	if jsonOutput {
		errObj := map[string]interface{}{
			"error": map[string]interface{}{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]interface{}); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	if underlying != nil {
		fmt.Fprintf(w, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// VerboseLog prints a message to stderr only when verbose mode is enabled.
func VerboseLog(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}
