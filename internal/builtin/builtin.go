package builtin

import (
	"fmt"

	"github.com/shinji-kodama/tbot/internal/model"
	"github.com/shinji-kodama/tbot/internal/testcase"
)

// Register adds every builtin testcase to r.
func Register(r *testcase.Registry) {
	r.Register("build_uboot", "Build U-Boot for the selected board (needs an env shell)", buildUBoot)
	r.Register("check_uboot_version", "Check that the U-Boot on the board matches a binary", checkUBootVersion)
	r.Register("clean_repo_checkout", "Clone a git repository or reset an existing checkout", cleanRepoCheckout)
	r.Register("apply_git_patches", "Apply every *.patch in a directory with git am", applyGitPatches)
	r.Register("toolchain_get", "Return the toolchain configured for the board", toolchainGet)
	r.Register("toolchain_env", "Set up a toolchain in the build shell around a continuation", toolchainEnv)
	r.Register("setup_tftpdir", "Create the tftp directory of the board", setupTftpdir)
	r.Register("cp_to_tftpdir", "Copy a file into the tftp directory", cpToTftpdir)
	r.Register("selftest", "Run all self checks", selftest)
	r.Register("selftest_labhost", "Check exit codes and quoting on the lab host", selftestLabhost)
	r.Register("selftest_env", "Check that the lab host shell keeps or drops state according to its mode", selftestEnv)
	r.Register("selftest_buildhost", "Check the build host and its toolchain", selftestBuildhost)
}

// shellMode returns the configured shell mode, which applies to the lab
// host and the build host alike.
func shellMode(tb *testcase.TB) (model.ShellMode, error) {
	lab, err := tb.Config().Lab()
	if err != nil {
		return "", model.WrapCLIError(model.ExitConfigError, "invalid lab config", err)
	}
	return lab.Shell, nil
}

// requireEnv fails unless the shells keep state between commands.
func requireEnv(tb *testcase.TB, what string) error {
	mode, err := shellMode(tb)
	if err != nil {
		return err
	}
	if mode != model.ShellEnv {
		return fmt.Errorf("%s needs an env shell (set lab.shell to %q)", what, model.ShellEnv)
	}
	return nil
}

// configString reads a required string from the configuration and turns
// a missing key into a configuration error.
func configString(tb *testcase.TB, key string) (string, error) {
	s, err := tb.Config().GetString(key)
	if err != nil {
		return "", model.WrapCLIError(model.ExitConfigError, "missing configuration", err)
	}
	return s, nil
}

// callString calls the testcase name and returns its string result. A
// skipped call has no result, which callers cannot continue without.
func callString(tb *testcase.TB, name string, params testcase.Params) (string, error) {
	v, err := tb.Call(name, params)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s returned %v instead of a string", name, v)
	}
	return s, nil
}
