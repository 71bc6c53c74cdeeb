package builtin

import (
	"fmt"
	"strings"

	"github.com/shinji-kodama/tbot/internal/machine"
	"github.com/shinji-kodama/tbot/internal/model"
	"github.com/shinji-kodama/tbot/internal/testcase"
)

// selftest runs every self check.
func selftest(tb *testcase.TB, _ testcase.Params) (any, error) {
	for _, name := range []string{"selftest_labhost", "selftest_env", "selftest_buildhost"} {
		if _, err := tb.Call(name, nil); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// expectOutput runs command and compares its output.
func expectOutput(tb *testcase.TB, m machine.Machine, command, want string) error {
	out, err := machine.Exec0(tb.Context(), m, command)
	if err != nil {
		return err
	}
	if out != want {
		return fmt.Errorf("%s: %q printed %q, want %q", m.Name(), command, out, want)
	}
	return nil
}

// expectExit runs command and compares its exit code.
func expectExit(tb *testcase.TB, m machine.Machine, command string, want int) error {
	res, err := m.Exec(tb.Context(), command)
	if err != nil {
		return err
	}
	if res.ExitCode != want {
		return fmt.Errorf("%s: %q exited with %d, want %d", m.Name(), command, res.ExitCode, want)
	}
	return nil
}

// selftestLabhost checks exit statuses, output capture and argument
// quoting on the lab host.
func selftestLabhost(tb *testcase.TB, _ testcase.Params) (any, error) {
	lh := tb.Lab()

	for _, c := range []struct {
		cmd  string
		code int
	}{
		{"true", 0},
		{"false", 1},
		{"sh -c 'exit 3'", 3},
	} {
		if err := expectExit(tb, lh, c.cmd, c.code); err != nil {
			return nil, err
		}
	}

	if _, err := machine.Exec0(tb.Context(), lh, "false"); !machine.IsCommandFailed(err) {
		return nil, fmt.Errorf("exec0 of a failing command returned %v, want a command failure", err)
	}

	if err := expectOutput(tb, lh, "echo tbot", "tbot\n"); err != nil {
		return nil, err
	}
	tricky := "it's a $HOME; `x` \"y\""
	if err := expectOutput(tb, lh, machine.Quote("printf", "%s\\n", tricky), tricky+"\n"); err != nil {
		return nil, err
	}
	return nil, nil
}

// selftestEnv checks that the lab host shell keeps the working directory
// and exported variables in env mode, and drops them in noenv mode.
func selftestEnv(tb *testcase.TB, _ testcase.Params) (any, error) {
	mode, err := shellMode(tb)
	if err != nil {
		return nil, err
	}
	lh := tb.Lab()
	ctx := tb.Context()

	if _, err := machine.Exec0(ctx, lh, "cd / && export TBOT_SELFTEST=persisted"); err != nil {
		return nil, err
	}

	pwd, err := machine.Exec0(ctx, lh, "pwd")
	if err != nil {
		return nil, err
	}
	value, err := machine.Exec0(ctx, lh, `echo "${TBOT_SELFTEST}"`)
	if err != nil {
		return nil, err
	}
	if _, err := machine.Exec0(ctx, lh, "unset TBOT_SELFTEST"); err != nil {
		return nil, err
	}

	kept := strings.TrimSpace(value) == "persisted"
	switch {
	case mode == model.ShellEnv && (!kept || strings.TrimSpace(pwd) != "/"):
		return nil, fmt.Errorf("env shell lost its state: pwd=%q TBOT_SELFTEST=%q", pwd, value)
	case mode == model.ShellNoEnv && kept:
		return nil, fmt.Errorf("noenv shell kept TBOT_SELFTEST=%q between commands", value)
	}
	return nil, nil
}

// selftestBuildhost checks that the build host answers and, when the board
// has a toolchain, that toolchain_env sets it up.
func selftestBuildhost(tb *testcase.TB, _ testcase.Params) (any, error) {
	bh := tb.Build()
	ctx := tb.Context()

	if _, err := machine.Exec0(ctx, bh, "uname -a"); err != nil {
		return nil, err
	}

	if tb.Config().StringOr("board.toolchain", "") == "" {
		return nil, tb.Skip("no board.toolchain configured")
	}
	if mode, err := shellMode(tb); err != nil {
		return nil, err
	} else if mode != model.ShellEnv {
		return nil, tb.Skip("toolchain check needs an env shell")
	}

	toolchain, err := callString(tb, "toolchain_get", nil)
	if err != nil {
		return nil, err
	}
	prefix := tb.Config().StringOr("toolchains."+toolchain+".prefix", "")

	_, err = tb.CallThen("toolchain_env", testcase.Params{"toolchain": toolchain}, func(bh machine.Machine) error {
		return expectOutput(tb, bh, `echo "${CROSS_COMPILE}"`, prefix+"\n")
	})
	return nil, err
}
