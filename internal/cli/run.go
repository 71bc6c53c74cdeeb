package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shinji-kodama/tbot/internal/builtin"
	"github.com/shinji-kodama/tbot/internal/config"
	"github.com/shinji-kodama/tbot/internal/eventlog"
	"github.com/shinji-kodama/tbot/internal/model"
	"github.com/shinji-kodama/tbot/internal/testcase"
)

// errTestcaseFailed marks errors that came out of a testcase run.
var errTestcaseFailed = errors.New("testcase failed")

// runFlags holds the flag values of the root command.
type runFlags struct {
	configDir  string
	params     []string
	logFile    string
	list       bool
	showConfig bool
}

// newRegistry returns the registry with every testcase tbot ships.
func newRegistry() *testcase.Registry {
	r := testcase.NewRegistry()
	builtin.Register(r)
	return r
}

// parseParams turns "-p key=value" flags into config overrides, kept in
// command line order, and testcase parameters. Parameter values are kept
// as strings; testcases convert them with Params.Bool and Params.Int.
func parseParams(raw []string) ([]config.Override, testcase.Params, error) {
	overrides := make([]config.Override, 0, len(raw))
	params := testcase.Params{}
	for _, s := range raw {
		key, value, err := config.ParseOverride(s)
		if err != nil {
			return nil, nil, model.WrapCLIError(model.ExitConfigError, "invalid --param", err)
		}
		overrides = append(overrides, config.Override{Key: key, Value: value})
		params[key] = value
	}
	return overrides, params, nil
}

// runTestcases loads the configuration for lab and board, connects the
// machines and runs names in order.
func runTestcases(ctx context.Context, stdout, stderr io.Writer, flags *runFlags, lab, board string, names []string) error {
	overrides, params, err := parseParams(flags.params)
	if err != nil {
		return err
	}

	VerboseLog("Loading config from %s (lab %s, board %s)", flags.configDir, lab, board)
	cfg, err := config.Load(config.LoadOptions{
		Dir:       flags.configDir,
		Lab:       lab,
		Board:     board,
		Overrides: overrides,
	})
	if err != nil {
		return err
	}

	if flags.list {
		return printTestcases(stdout, newRegistry().List())
	}
	if flags.showConfig {
		printConfig(stdout, cfg)
		return nil
	}

	log, err := eventlog.New(eventlog.Options{
		Console: stderr,
		File:    flags.logFile,
		Verbose: verbose,
	})
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to open event log", err)
	}
	defer func() { _ = log.Close() }()

	env, closeEnv, err := openEnv(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeEnv()

	runner := &testcase.Runner{
		Registry: newRegistry(),
		Config:   cfg,
		Log:      log,
		Env:      env,
	}
	summary, runErr := runner.Run(ctx, params, names...)
	if len(summary.Records) > 0 {
		printSummary(stdout, summary)
	}
	if runErr == nil {
		return nil
	}

	var cliErr *model.CLIError
	if errors.As(runErr, &cliErr) && len(summary.Records) == 0 {
		// Nothing ran: an unknown testcase name.
		return runErr
	}
	return fmt.Errorf("%w: %w", errTestcaseFailed, runErr)
}

// summaryJSON is the JSON output of a run.
type summaryJSON struct {
	Passed   bool           `json:"passed"`
	Duration float64        `json:"duration"`
	Counts   map[string]int `json:"counts"`
	Records  []recordJSON   `json:"testcases"`
}

type recordJSON struct {
	Name     string  `json:"name"`
	Depth    int     `json:"depth"`
	Status   string  `json:"status"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error,omitempty"`
}

// printSummary prints the testcase tree of a run in text or JSON.
func printSummary(w io.Writer, s testcase.Summary) {
	if IsJSONOutput() {
		out := summaryJSON{
			Passed:   s.Passed,
			Duration: s.Duration.Seconds(),
			Counts:   map[string]int{},
			Records:  make([]recordJSON, 0, len(s.Records)),
		}
		for status, n := range s.Counts() {
			out.Counts[status.String()] = n
		}
		for _, r := range s.Records {
			out.Records = append(out.Records, recordJSON{
				Name:     r.Name,
				Depth:    r.Depth,
				Status:   r.Status.String(),
				Duration: r.Duration.Seconds(),
				Error:    r.Error,
			})
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	for _, r := range s.Records {
		fmt.Fprintf(w, "%-40s %-5s %s\n",
			strings.Repeat("  ", r.Depth)+r.Name,
			r.Status,
			formatDuration(r.Duration),
		)
	}
	counts := s.Counts()
	result := "PASSED"
	if !s.Passed {
		result = "FAILED"
	}
	fmt.Fprintf(w, "\n%s: %d passed, %d failed, %d skipped in %s\n",
		result,
		counts[model.StatusPass],
		counts[model.StatusFail],
		counts[model.StatusSkip],
		formatDuration(s.Duration),
	)
}

// printConfig prints every leaf key of cfg with its value, as
// "key = value" lines or as one JSON object. Passwords are masked.
func printConfig(w io.Writer, cfg *config.Config) {
	keys := cfg.Keys()
	if IsJSONOutput() {
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = shownValue(cfg, k)
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}
	for _, k := range keys {
		fmt.Fprintf(w, "%s = %v\n", k, shownValue(cfg, k))
	}
}

func shownValue(cfg *config.Config, key string) any {
	v, _ := cfg.TryGet(key)
	if strings.HasSuffix(key, "password") && v != "" {
		return "********"
	}
	return v
}

// formatDuration rounds d for display. Testcases that never ran show "-".
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
