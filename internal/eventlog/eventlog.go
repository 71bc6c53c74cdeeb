package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/tbot/internal/model"
)

// Event is one entry of the run log. Type is a path such as
// ["cmd", "labhost"] or ["board", "on", "taurus"]; consumers match on its
// prefix.
type Event struct {
	Type []string       `json:"type"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data,omitempty"`
}

// Is reports whether the event type starts with prefix.
func (e Event) Is(prefix ...string) bool {
	if len(prefix) > len(e.Type) {
		return false
	}
	for i, p := range prefix {
		if e.Type[i] != p {
			return false
		}
	}
	return true
}

// String returns the data value for key as a string.
func (e Event) String(key string) string {
	v, ok := e.Data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Options configures a Logger.
type Options struct {
	// Console receives human-readable output. nil discards it.
	Console io.Writer

	// File, when set, receives every event as one JSON object per line.
	File string

	// Verbose prints command output and debug messages on the console.
	Verbose bool

	// Record keeps every event in memory (see Events).
	Record bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Logger fans events out to the console and the JSON-lines file.
// It is safe for concurrent use.
type Logger struct {
	mu      sync.Mutex
	console *log.Logger
	file    *os.File
	enc     *json.Encoder
	record  bool
	events  []Event
	depth   int
	now     func() time.Time
}

var (
	boldStyle = lipgloss.NewStyle().Bold(true)
	passStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	skipStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
)

// New creates a Logger. The caller must Close it to flush the log file.
func New(opts Options) (*Logger, error) {
	console := opts.Console
	if console == nil {
		console = io.Discard
	}

	level := log.InfoLevel
	if opts.Verbose {
		level = log.DebugLevel
	}

	l := &Logger{
		console: log.NewWithOptions(console, log.Options{
			Level:           level,
			ReportTimestamp: false,
		}),
		record: opts.Record,
		now:    opts.Now,
	}
	if l.now == nil {
		l.now = time.Now
	}

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f
		l.enc = json.NewEncoder(f)
	}
	return l, nil
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	l, _ := New(Options{})
	return l
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.enc = nil
	return err
}

// Events returns a copy of the recorded events. Empty unless Record was set.
func (l *Logger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// emitLocked timestamps and stores ev. It does not print anything; the
// typed helpers below decide what reaches the console.
func (l *Logger) emitLocked(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = l.now()
	}
	if l.record {
		l.events = append(l.events, ev)
	}
	if l.enc != nil {
		// A broken log file must not abort the run.
		_ = l.enc.Encode(ev)
	}
}

func (l *Logger) indent() string {
	return strings.Repeat("│   ", l.depth)
}

// Info prints a free-form message and records it.
func (l *Logger) Info(msg string, keyvals ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(Event{Type: []string{"msg", "info"}, Data: map[string]any{"text": msg}})
	l.console.Info(l.indent()+msg, keyvals...)
}

// Debug prints a message only in verbose mode. It is not recorded.
func (l *Logger) Debug(msg string, keyvals ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.console.Debug(l.indent()+msg, keyvals...)
}

// Warn prints a warning and records it.
func (l *Logger) Warn(msg string, keyvals ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(Event{Type: []string{"msg", "warning"}, Data: map[string]any{"text": msg}})
	l.console.Warn(l.indent()+msg, keyvals...)
}

// Doc records documentation text for the doc generator.
func (l *Logger) Doc(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(Event{Type: []string{"doc", "text"}, Data: map[string]any{"text": text}})
}

// TestcaseBegin records the start of a testcase and indents everything
// logged until the matching TestcaseEnd.
func (l *Logger) TestcaseBegin(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(Event{
		Type: []string{"testcase", "begin"},
		Data: map[string]any{"name": name, "depth": l.depth},
	})
	l.console.Info(l.indent() + "Calling " + boldStyle.Render(name) + " ...")
	l.depth++
}

// TestcaseEnd records the result of a testcase.
func (l *Logger) TestcaseEnd(name string, status model.TestcaseStatus, duration time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth > 0 {
		l.depth--
	}
	data := map[string]any{
		"name":     name,
		"status":   string(status),
		"duration": duration.Seconds(),
		"depth":    l.depth,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	l.emitLocked(Event{Type: []string{"testcase", "end"}, Data: data})

	elapsed := fmt.Sprintf("(%.2fs)", duration.Seconds())
	switch status {
	case model.StatusPass:
		l.console.Info(l.indent() + "└─ " + passStyle.Render("Done") + " " + elapsed)
		return
	case model.StatusSkip:
		l.console.Warn(l.indent()+"└─ "+skipStyle.Render("Skip")+" "+elapsed, "reason", err)
		return
	}
	l.console.Error(l.indent()+"└─ "+failStyle.Render("Fail")+" "+elapsed, "err", err)
}

// BoardOn records that a board is being powered on.
func (l *Logger) BoardOn(name string) {
	l.boardEvent("on", "POWERON", name)
}

// BoardOff records that a board is being powered off.
func (l *Logger) BoardOff(name string) {
	l.boardEvent("off", "POWEROFF", name)
}

func (l *Logger) boardEvent(state, label, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(Event{Type: []string{"board", state, name}, Data: map[string]any{"name": name}})
	l.console.Info(l.indent() + boldStyle.Render(label) + " (" + name + ")")
}

// CommandEvent tracks one shell command from start to finish.
type CommandEvent struct {
	l       *Logger
	machine string
	command string
}

// ShellCommand prints the command and returns a handle whose Finished
// method records the result.
func (l *Logger) ShellCommand(machine, command string) *CommandEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.console.Info(l.indent() + "[" + machine + "] " + command)
	return &CommandEvent{l: l, machine: machine, command: command}
}

// Finished records the command with its exit code and output. The output
// is printed in verbose mode only.
func (c *CommandEvent) Finished(res model.CommandResult) {
	l := c.l
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(Event{
		Type: []string{"cmd", c.machine},
		Data: map[string]any{
			"command":  c.command,
			"exitcode": res.ExitCode,
			"output":   res.Output,
			"duration": res.Duration.Seconds(),
		},
	})
	if out := strings.TrimRight(res.Output, "\n"); out != "" {
		for _, line := range strings.Split(out, "\n") {
			l.console.Debug(l.indent() + "    ## " + line)
		}
	}
	if res.ExitCode != 0 {
		l.console.Debug(l.indent()+"    exit code", "code", res.ExitCode)
	}
}

// Load reads a JSON-lines event log written by a previous run.
func Load(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	return events, nil
}
