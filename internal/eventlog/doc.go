// Package eventlog records what happens during a tbot run.
//
// Every shell command, testcase call, board power transition and
// documentation snippet becomes an Event. Events are printed to the
// console through github.com/charmbracelet/log (command output only in
// verbose mode) and, when a log file is configured, appended to it as
// JSON lines. The docgen package turns such a file back into a document.
package eventlog
