// Package cli: list.go implements the "tbot list" command.
//
// The list command prints the registered testcases with their one-line
// docs. With --labs or --boards it prints the lab or board names found in
// the config directory instead.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/tbot/internal/config"
	"github.com/shinji-kodama/tbot/internal/model"
	"github.com/shinji-kodama/tbot/internal/testcase"
)

// listFlags holds the flag values for the list command.
type listFlags struct {
	configDir string
	labs      bool
	boards    bool
}

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List testcases, labs or boards",
		Long: `List the testcases tbot can run, or the labs and boards defined in the
config directory.

Examples:
  tbot list
  tbot list --boards
  tbot list --labs --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.configDir, "config", defaultConfigDir(), "Config directory (default $TBOT_CONFIG or ./config)")
	cmd.Flags().BoolVar(&flags.labs, "labs", false, "List labs instead of testcases")
	cmd.Flags().BoolVar(&flags.boards, "boards", false, "List boards instead of testcases")
	cmd.MarkFlagsMutuallyExclusive("labs", "boards")

	return cmd
}

// runList prints what flags select.
func runList(w io.Writer, flags *listFlags) error {
	sub := ""
	switch {
	case flags.labs:
		sub = "labs"
	case flags.boards:
		sub = "boards"
	default:
		return printTestcases(w, newRegistry().List())
	}

	names, err := config.ListNames(flags.configDir, sub)
	if err != nil {
		return model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("cannot list %s in %s", sub, flags.configDir), err)
	}
	VerboseLog("Found %d %s in %s", len(names), sub, flags.configDir)
	printNames(w, sub, names)
	return nil
}

// testcaseJSON is the JSON output structure for one testcase.
type testcaseJSON struct {
	Name string `json:"name"`
	Doc  string `json:"doc"`
}

// printTestcases outputs testcases as a text table or JSON.
//
// The table format is:
//
//	NAME                  DESCRIPTION
//	build_uboot           Build U-Boot for the selected board (needs an env shell)
func printTestcases(w io.Writer, tcs []testcase.Testcase) error {
	if IsJSONOutput() {
		out := struct {
			Testcases []testcaseJSON `json:"testcases"`
		}{Testcases: make([]testcaseJSON, 0, len(tcs))}
		for _, tc := range tcs {
			out.Testcases = append(out.Testcases, testcaseJSON{Name: tc.Name, Doc: tc.Doc})
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Fprintln(w, string(data))
		return nil
	}

	if len(tcs) == 0 {
		fmt.Fprintln(w, "No testcases registered.")
		return nil
	}
	fmt.Fprintf(w, "%-24s %s\n", "NAME", "DESCRIPTION")
	for _, tc := range tcs {
		fmt.Fprintf(w, "%-24s %s\n", tc.Name, tc.Doc)
	}
	return nil
}

// printNames outputs lab or board names, one per line or as JSON.
func printNames(w io.Writer, kind string, names []string) {
	if IsJSONOutput() {
		if names == nil {
			names = []string{}
		}
		data, _ := json.MarshalIndent(map[string][]string{kind: names}, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}
	if len(names) == 0 {
		fmt.Fprintf(w, "No %s found.\n", kind)
		return
	}
	for _, n := range names {
		fmt.Fprintln(w, n)
	}
}
