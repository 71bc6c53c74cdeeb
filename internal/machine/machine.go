package machine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"al.essio.dev/pkg/shellescape"

	"github.com/shinji-kodama/tbot/internal/eventlog"
	"github.com/shinji-kodama/tbot/internal/model"
)

// Machine runs shell commands. A non-zero exit status is reported through
// CommandResult.ExitCode; the error return is reserved for failures of
// the machine itself (lost connection, dead shell, cancelled context).
type Machine interface {
	// Name identifies the machine in logs, e.g. "labhost" or "board".
	Name() string

	// Exec runs one command line and waits for it to finish.
	Exec(ctx context.Context, command string) (model.CommandResult, error)

	// Close releases the underlying process, session or connection.
	Close() error
}

// ChannelOpener is implemented by machines that can start an interactive
// process, such as a serial console program, and hand out its byte stream.
type ChannelOpener interface {
	NewChannel(ctx context.Context, command string) (Channel, error)
}

// Channel is a raw, bidirectional byte stream to an interactive process.
type Channel interface {
	io.ReadWriteCloser

	// IsOpen reports whether the remote process is still running.
	IsOpen() bool

	// RegisterCleanup adds fn to the functions run once when the channel
	// is closed.
	RegisterCleanup(fn func(Channel))
}

// Exec0 runs command and returns its output. A non-zero exit status is
// turned into a *model.CommandFailedError.
func Exec0(ctx context.Context, m Machine, command string) (string, error) {
	res, err := m.Exec(ctx, command)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.Output, &model.CommandFailedError{
			Machine:  m.Name(),
			Command:  command,
			ExitCode: res.ExitCode,
			Output:   res.Output,
		}
	}
	return res.Output, nil
}

// ExecArgs quotes every argument and runs the resulting command line.
func ExecArgs(ctx context.Context, m Machine, args ...string) (model.CommandResult, error) {
	return m.Exec(ctx, Quote(args...))
}

// Exec0Args is Exec0 with argument quoting.
func Exec0Args(ctx context.Context, m Machine, args ...string) (string, error) {
	return Exec0(ctx, m, Quote(args...))
}

// Quote joins args into a single shell command line, quoting each
// argument only where necessary.
func Quote(args ...string) string {
	return shellescape.QuoteCommand(args)
}

// IsCommandFailed reports whether err is (or wraps) a CommandFailedError.
func IsCommandFailed(err error) bool {
	var cf *model.CommandFailedError
	return errors.As(err, &cf)
}

// loggedMachine records every command as an eventlog shell command event.
type loggedMachine struct {
	Machine
	log *eventlog.Logger
}

// Logged decorates m so every Exec is written to log.
func Logged(m Machine, log *eventlog.Logger) Machine {
	if log == nil {
		return m
	}
	return &loggedMachine{Machine: m, log: log}
}

func (m *loggedMachine) Exec(ctx context.Context, command string) (model.CommandResult, error) {
	ev := m.log.ShellCommand(m.Name(), command)
	res, err := m.Machine.Exec(ctx, command)
	if err != nil {
		ev.Finished(model.CommandResult{Command: command, ExitCode: -1, Output: err.Error()})
		return res, err
	}
	ev.Finished(res)
	return res, nil
}

// Unwrap returns the decorated machine.
func (m *loggedMachine) Unwrap() Machine {
	return m.Machine
}

// Unlogged strips the Logged decoration from m. Commands run on the
// result still reach the same shell but stay out of the event log.
func Unlogged(m Machine) Machine {
	for {
		l, ok := m.(*loggedMachine)
		if !ok {
			return m
		}
		m = l.Machine
	}
}

// AsChannelOpener finds a ChannelOpener in m or any machine it wraps.
func AsChannelOpener(m Machine) (ChannelOpener, bool) {
	for m != nil {
		if co, ok := m.(ChannelOpener); ok {
			return co, true
		}
		u, ok := m.(interface{ Unwrap() Machine })
		if !ok {
			return nil, false
		}
		m = u.Unwrap()
	}
	return nil, false
}

// cleanups implements the RegisterCleanup half of Channel.
type cleanups struct {
	mu   sync.Mutex
	fns  []func(Channel)
	once sync.Once
}

func (c *cleanups) RegisterCleanup(fn func(Channel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, fn)
}

// run calls every registered cleanup exactly once, in registration order.
func (c *cleanups) run(ch Channel) {
	c.once.Do(func() {
		c.mu.Lock()
		fns := append([]func(Channel){}, c.fns...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(ch)
		}
	})
}

// trimOutput normalises line endings of captured output.
func trimOutput(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
