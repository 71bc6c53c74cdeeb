// Package cli: doc.go implements the "tbot doc" command.
//
// The doc command reads the event log of a previous run (written with
// --log) and renders the documentation the testcases emitted, as
// Markdown or as an HTML page.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/tbot/internal/docgen"
	"github.com/shinji-kodama/tbot/internal/eventlog"
	"github.com/shinji-kodama/tbot/internal/model"
)

// docFlags holds the flag values for the doc command.
type docFlags struct {
	html   bool
	output string
	title  string
}

// NewDocCommand creates the "doc" cobra command.
func NewDocCommand() *cobra.Command {
	flags := &docFlags{}

	cmd := &cobra.Command{
		Use:   "doc <logfile>",
		Short: "Generate documentation from an event log",
		Long: `Generate a document from the event log of a run.

Text that testcases added with Doc is copied verbatim, and the shell
commands of documented testcases are inserted as code blocks.

Examples:
  tbot pollux taurus build_uboot --log build.jsonl
  tbot doc build.jsonl -o build.md
  tbot doc build.jsonl --html -o build.html`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoc(cmd.OutOrStdout(), args[0], flags)
		},
	}

	cmd.Flags().BoolVar(&flags.html, "html", false, "Render HTML instead of Markdown")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Write to this file instead of stdout")
	cmd.Flags().StringVar(&flags.title, "title", "", "HTML page title (default: log file name)")

	return cmd
}

func runDoc(w io.Writer, logFile string, flags *docFlags) error {
	events, err := eventlog.Load(logFile)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "cannot read event log", err)
	}
	VerboseLog("Loaded %d events from %s", len(events), logFile)

	out := []byte(docgen.Markdown(events))
	if flags.html {
		title := flags.title
		if title == "" {
			title = strings.TrimSuffix(filepath.Base(logFile), filepath.Ext(logFile))
		}
		if out, err = docgen.HTML(title, string(out)); err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "cannot render HTML", err)
		}
	}

	if flags.output == "" {
		_, err := w.Write(out)
		return err
	}
	if err := os.WriteFile(flags.output, out, 0o644); err != nil {
		return model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("cannot write %s", flags.output), err)
	}
	VerboseLog("Wrote %s", flags.output)
	return nil
}
