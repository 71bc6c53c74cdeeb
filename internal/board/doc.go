// Package board controls the board under test: its serial console
// connection, its power, and the U-Boot shell on its console.
//
// A Board is refcounted like a context manager: the first PowerOn locks
// the board and switches it on, nested calls only count, and the last
// PowerOff switches it off again. Power and console commands come from
// the board configuration and are text/template strings with
// github.com/Masterminds/sprig/v3 functions.
package board
