package builtin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shinji-kodama/tbot/internal/machine"
	"github.com/shinji-kodama/tbot/internal/testcase"
)

// toolchainVars are the variables toolchain_env sets, in order.
var toolchainVars = []string{"PATH", "CROSS_COMPILE", "ARCH"}

// toolchainGet returns board.toolchain.
func toolchainGet(tb *testcase.TB, _ testcase.Params) (any, error) {
	return configString(tb, "board.toolchain")
}

// toolchainEnv exports the toolchain's PATH, CROSS_COMPILE and ARCH on the
// build shell, runs the and_then continuation, and restores the previous
// values afterwards, whether the continuation failed or not.
//
// Params: toolchain (default board.toolchain), and_then.
func toolchainEnv(tb *testcase.TB, p testcase.Params) (any, error) {
	if err := requireEnv(tb, "toolchain_env"); err != nil {
		return nil, err
	}

	name := p.String("toolchain", "")
	if name == "" {
		var err error
		if name, err = configString(tb, "board.toolchain"); err != nil {
			return nil, err
		}
	}
	tc := tb.Config().Sub("toolchains." + name)
	if tc == nil {
		return nil, fmt.Errorf("toolchain %q is not configured (toolchains.%s)", name, name)
	}

	values := map[string]string{}
	for key, v := range map[string]string{"path": "PATH", "prefix": "CROSS_COMPILE", "arch": "ARCH"} {
		raw, ok := tc[key]
		if !ok || raw == nil {
			continue
		}
		values[v] = machine.Quote(fmt.Sprint(raw))
	}
	if path, ok := values["PATH"]; ok {
		values["PATH"] = path + ":$PATH"
	}

	ctx := tb.Context()
	bh := tb.Build()
	// Saving and restoring the variables is bookkeeping; only the
	// exports belong in the log and the generated document.
	quiet := machine.Unlogged(bh)

	saved := map[string]*string{}
	for _, v := range toolchainVars {
		if _, ok := values[v]; !ok {
			continue
		}
		res, err := quiet.Exec(ctx, "printenv "+v)
		if err != nil {
			return nil, err
		}
		if res.ExitCode == 0 {
			old := strings.TrimRight(res.Output, "\r\n")
			saved[v] = &old
		} else {
			saved[v] = nil
		}
	}

	tb.Doc(fmt.Sprintf("Set up the `%s` toolchain:\n", name))
	for _, v := range toolchainVars {
		if val, ok := values[v]; ok {
			if _, err := machine.Exec0(ctx, bh, "export "+v+"="+val); err != nil {
				return nil, err
			}
		}
	}

	var runErr error
	if then := p.Func(testcase.ThenKey); then != nil {
		runErr = then(bh)
	}

	var restoreErr error
	for _, v := range toolchainVars {
		old, ok := saved[v]
		if !ok {
			continue
		}
		cmd := "unset " + v
		if old != nil {
			cmd = "export " + v + "=" + machine.Quote(*old)
		}
		if _, err := machine.Exec0(ctx, quiet, cmd); err != nil {
			restoreErr = errors.Join(restoreErr, err)
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	return nil, restoreErr
}
