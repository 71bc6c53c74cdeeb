// Package machinetest provides a scripted machine for tests of code that
// drives shells.
package machinetest

import (
	"context"
	"strings"
	"sync"

	"github.com/shinji-kodama/tbot/internal/machine"
	"github.com/shinji-kodama/tbot/internal/model"
)

type rule struct {
	match  func(command string) bool
	output string
	code   int
}

// Recorder is a machine.Machine that records every command and answers
// from a script. Commands without a matching rule succeed silently.
type Recorder struct {
	name string

	mu       sync.Mutex
	commands []string
	rules    []rule
	closed   bool

	channel  machine.Channel
	channels []string
}

// New returns a Recorder called name.
func New(name string) *Recorder {
	return &Recorder{name: name}
}

// On answers command with output and exit code. Later rules win.
func (r *Recorder) On(command, output string, code int) *Recorder {
	return r.add(func(c string) bool { return c == command }, output, code)
}

// OnPrefix answers every command starting with prefix.
func (r *Recorder) OnPrefix(prefix, output string, code int) *Recorder {
	return r.add(func(c string) bool { return strings.HasPrefix(c, prefix) }, output, code)
}

func (r *Recorder) add(match func(string) bool, output string, code int) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{match: match, output: output, code: code})
	return r
}

// Name returns the machine name.
func (r *Recorder) Name() string {
	return r.name
}

// Exec records command and returns the scripted result.
func (r *Recorder) Exec(ctx context.Context, command string) (model.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return model.CommandResult{Command: command, ExitCode: -1}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	res := model.CommandResult{Command: command}
	for i := len(r.rules) - 1; i >= 0; i-- {
		if r.rules[i].match(command) {
			res.Output = r.rules[i].output
			res.ExitCode = r.rules[i].code
			break
		}
	}
	return res, nil
}

// Commands returns the commands run so far.
func (r *Recorder) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// Reset forgets the recorded commands but keeps the script.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
}

// Close marks the recorder closed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
