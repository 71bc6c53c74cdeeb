package testcase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shinji-kodama/tbot/internal/board"
	"github.com/shinji-kodama/tbot/internal/config"
	"github.com/shinji-kodama/tbot/internal/eventlog"
	"github.com/shinji-kodama/tbot/internal/machine"
	"github.com/shinji-kodama/tbot/internal/model"
)

// ErrSkip marks a testcase as skipped rather than failed. Return it (or
// TB.Skip) from a testcase body.
var ErrSkip = errors.New("skipped")

// Env holds the machines of a run.
type Env struct {
	// Lab is the lab host shell.
	Lab machine.Machine

	// Build is the build host shell. Defaults to Lab.
	Build machine.Machine

	// OpenBoard creates and opens the board on first use. nil means the
	// run has no board.
	OpenBoard func(ctx context.Context) (*board.Board, error)
}

// TB is passed to every testcase. It gives access to the configuration,
// the machines and the event log, and calls other testcases.
type TB struct {
	ctx context.Context
	cfg *config.Config
	log *eventlog.Logger
	reg *Registry
	env Env
	run *run
}

// run is the state shared by every TB of one Runner.Run.
type run struct {
	depth   int
	records []Record
	board   *board.Board
}

// Context returns the context of the run.
func (tb *TB) Context() context.Context {
	return tb.ctx
}

// Config returns the merged configuration.
func (tb *TB) Config() *config.Config {
	return tb.cfg
}

// Log returns the event log.
func (tb *TB) Log() *eventlog.Logger {
	return tb.log
}

// Lab returns the lab host shell.
func (tb *TB) Lab() machine.Machine {
	return tb.env.Lab
}

// Build returns the build host shell.
func (tb *TB) Build() machine.Machine {
	if tb.env.Build != nil {
		return tb.env.Build
	}
	return tb.env.Lab
}

// Doc adds text to the generated documentation.
func (tb *TB) Doc(text string) {
	tb.log.Doc(text)
}

// Skip returns an error that marks the current testcase as skipped.
func (tb *TB) Skip(reason string) error {
	return fmt.Errorf("%w: %s", ErrSkip, reason)
}

// Call runs the testcase called name and returns its result. A failure is
// wrapped with the testcase name; a skip is not an error.
func (tb *TB) Call(name string, p Params) (any, error) {
	tc, err := tb.reg.Lookup(name)
	if err != nil {
		return nil, err
	}
	return tb.invoke(name, tc.Fn, p)
}

// CallFunc runs fn as an unregistered, inline testcase called name. It is
// logged and recorded like a registered one.
func (tb *TB) CallFunc(name string, fn Func, p Params) (any, error) {
	return tb.invoke(name, fn, p)
}

func (tb *TB) invoke(name string, fn Func, p Params) (any, error) {
	if p == nil {
		p = Params{}
	}

	idx := len(tb.run.records)
	tb.run.records = append(tb.run.records, Record{Name: name, Depth: tb.run.depth})
	tb.log.TestcaseBegin(name)
	tb.run.depth++
	start := time.Now()

	result, err := fn(tb, p)

	tb.run.depth--
	elapsed := time.Since(start)
	rec := &tb.run.records[idx]
	rec.Duration = elapsed

	switch {
	case err == nil:
		rec.Status = model.StatusPass
		tb.log.TestcaseEnd(name, model.StatusPass, elapsed, nil)
		return result, nil
	case errors.Is(err, ErrSkip):
		rec.Status = model.StatusSkip
		rec.Error = err.Error()
		tb.log.TestcaseEnd(name, model.StatusSkip, elapsed, err)
		return nil, nil
	default:
		rec.Status = model.StatusFail
		rec.Error = err.Error()
		tb.log.TestcaseEnd(name, model.StatusFail, elapsed, err)
		return nil, fmt.Errorf("testcase %s: %w", name, err)
	}
}

// CallThen calls name with then as its "and_then" parameter.
func (tb *TB) CallThen(name string, p Params, then Then) (any, error) {
	return tb.Call(name, p.With(ThenKey, then))
}

// Board returns the board of the run, opening it on first use.
func (tb *TB) Board() (*board.Board, error) {
	if tb.run.board != nil {
		return tb.run.board, nil
	}
	if tb.env.OpenBoard == nil {
		return nil, model.NewCLIError(model.ExitBoardError, "this run has no board")
	}
	b, err := tb.env.OpenBoard(tb.ctx)
	if err != nil {
		return nil, err
	}
	tb.run.board = b
	return b, nil
}

// WithBoard powers the board on around fn.
func (tb *TB) WithBoard(fn func(b *board.Board) error) error {
	b, err := tb.Board()
	if err != nil {
		return err
	}
	return b.With(tb.ctx, func(context.Context) error { return fn(b) })
}

// WithBoardShell powers the board on, boots into its U-Boot shell and
// runs fn with it. Commands on the shell are logged like any other.
func (tb *TB) WithBoardShell(fn func(sh machine.Machine) error) error {
	return tb.WithBoard(func(b *board.Board) error {
		sh, err := b.Shell(tb.ctx)
		if err != nil {
			return err
		}
		return fn(machine.Logged(sh, tb.log))
	})
}
