// Package builtin contains the testcases that ship with tbot: building
// U-Boot, git checkouts and patches, toolchain setup, tftp staging, and
// self-checks of the configured machines.
package builtin
