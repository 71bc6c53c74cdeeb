// Package testcase registers and runs tbot testcases.
//
// A testcase is a Go function with a name and a doc string. Testcases are
// invoked by name from the command line or from other testcases through
// TB.Call, which logs the call, measures it and records its status in the
// run summary.
package testcase
