// Package docgen turns the event log of a run into a document.
//
// Testcases call TB.Doc to describe what they do. The generator copies
// that text verbatim and interleaves the shell commands that ran in
// documented testcases as fenced code blocks, so a successful run of
// build_uboot doubles as build instructions a human can follow.
package docgen
