package testcase

import (
	"context"
	"errors"
	"time"

	"github.com/shinji-kodama/tbot/internal/config"
	"github.com/shinji-kodama/tbot/internal/eventlog"
	"github.com/shinji-kodama/tbot/internal/model"
)

// Record is one testcase call of a run.
type Record struct {
	Name     string               `json:"name"`
	Depth    int                  `json:"depth"`
	Status   model.TestcaseStatus `json:"status"`
	Duration time.Duration        `json:"duration"`
	Error    string               `json:"error,omitempty"`
}

// Summary is the outcome of Runner.Run.
type Summary struct {
	// Records lists every call, nested calls included, in call order.
	Records  []Record      `json:"records"`
	Passed   bool          `json:"passed"`
	Duration time.Duration `json:"duration"`
}

// Counts returns the number of top-level testcases per status.
func (s Summary) Counts() map[model.TestcaseStatus]int {
	counts := make(map[model.TestcaseStatus]int)
	for _, r := range s.Records {
		if r.Depth == 0 {
			counts[r.Status]++
		}
	}
	return counts
}

// Runner runs top-level testcases.
type Runner struct {
	Registry *Registry
	Config   *config.Config
	Log      *eventlog.Logger
	Env      Env
}

// Run calls each of names in order with params and stops at the first
// failure. Testcases that were not reached are recorded as skipped.
//
// Unknown names are reported before anything runs. The returned error is
// the first failure; the summary is valid either way.
func (r *Runner) Run(ctx context.Context, params Params, names ...string) (Summary, error) {
	for _, name := range names {
		if _, err := r.Registry.Lookup(name); err != nil {
			return Summary{}, err
		}
	}

	log := r.Log
	if log == nil {
		log = eventlog.Discard()
	}
	tb := &TB{ctx: ctx, cfg: r.Config, log: log, reg: r.Registry, env: r.Env, run: &run{}}

	start := time.Now()
	var runErr error
	for i, name := range names {
		if runErr = ctx.Err(); runErr != nil {
			i--
		} else {
			_, runErr = tb.Call(name, params.Clone())
		}
		if runErr != nil {
			// Everything after the failed call was not reached.
			for _, rest := range names[i+1:] {
				tb.run.records = append(tb.run.records, Record{Name: rest, Status: model.StatusSkip})
			}
			break
		}
	}

	if b := tb.run.board; b != nil {
		if err := b.Close(); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}

	return Summary{
		Records:  tb.run.records,
		Passed:   runErr == nil,
		Duration: time.Since(start),
	}, runErr
}
