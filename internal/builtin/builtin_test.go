package builtin

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/tbot/internal/board"
	"github.com/shinji-kodama/tbot/internal/config"
	"github.com/shinji-kodama/tbot/internal/eventlog"
	"github.com/shinji-kodama/tbot/internal/machine"
	"github.com/shinji-kodama/tbot/internal/machine/machinetest"
	"github.com/shinji-kodama/tbot/internal/model"
	"github.com/shinji-kodama/tbot/internal/testcase"
)

// taurusValues is a merged configuration like the one the loader builds
// for the taurus board in the pollux lab.
func taurusValues(shell string) map[string]any {
	return map[string]any{
		"lab": map[string]any{"name": "pollux", "shell": shell, "workdir": "/work"},
		"build": map[string]any{
			"jobs": 8,
		},
		"board": map[string]any{
			"name":      "at91_taurus",
			"toolchain": "generic-armv7a-hf",
			"defconfig": "taurus_defconfig",
		},
		"uboot": map[string]any{
			"repository": "git://git.denx.de/u-boot.git",
			"branch":     "master",
		},
		"tftp": map[string]any{
			"rootdir":    "/tftpboot",
			"boarddir":   "at91_taurus",
			"tbotsubdir": "tbot",
		},
		"toolchains": map[string]any{
			"generic-armv7a-hf": map[string]any{
				"path":   "/opt/tc/bin",
				"prefix": "arm-linux-gnueabihf-",
				"arch":   "arm",
			},
		},
	}
}

type fixture struct {
	runner *testcase.Runner
	cfg    *config.Config
	log    *eventlog.Logger
	lab    *machinetest.Recorder
}

func newFixture(t *testing.T, values map[string]any) *fixture {
	t.Helper()

	log, err := eventlog.New(eventlog.Options{Record: true})
	require.NoError(t, err)

	reg := testcase.NewRegistry()
	Register(reg)

	cfg := config.New(values)
	lab := machinetest.New("labhost")
	return &fixture{
		runner: &testcase.Runner{Registry: reg, Config: cfg, Log: log, Env: testcase.Env{Lab: lab}},
		cfg:    cfg,
		log:    log,
		lab:    lab,
	}
}

func (f *fixture) run(params testcase.Params, names ...string) (testcase.Summary, error) {
	return f.runner.Run(context.Background(), params, names...)
}

// scriptFreshEnv makes the recorder look like a shell with PATH set and
// no toolchain variables.
func scriptFreshEnv(r *machinetest.Recorder) {
	r.OnPrefix("printenv ", "", 1)
	r.On("printenv PATH", "/usr/bin\n", 0)
}

func TestRegister(t *testing.T) {
	reg := testcase.NewRegistry()
	Register(reg)

	var names []string
	for _, tc := range reg.List() {
		names = append(names, tc.Name)
		assert.NotEmpty(t, tc.Doc, tc.Name)
	}
	assert.Equal(t, []string{
		"apply_git_patches", "build_uboot", "check_uboot_version", "clean_repo_checkout",
		"cp_to_tftpdir", "selftest", "selftest_buildhost", "selftest_env", "selftest_labhost",
		"setup_tftpdir", "toolchain_env", "toolchain_get",
	}, names)
}

func TestBuildUBoot(t *testing.T) {
	f := newFixture(t, taurusValues("env"))
	f.lab.On("test -d /work/u-boot-at91_taurus/.git", "", 1)
	scriptFreshEnv(f.lab)

	sum, err := f.run(nil, "build_uboot")
	require.NoError(t, err)
	assert.True(t, sum.Passed)

	assert.Equal(t, []string{
		"test -d /work/u-boot-at91_taurus/.git",
		"git clone --branch master git://git.denx.de/u-boot.git /work/u-boot-at91_taurus",
		"printenv PATH",
		"printenv CROSS_COMPILE",
		"printenv ARCH",
		"export PATH=/opt/tc/bin:$PATH",
		"export CROSS_COMPILE=arm-linux-gnueabihf-",
		"export ARCH=arm",
		"cd /work/u-boot-at91_taurus",
		"make mrproper",
		"make taurus_defconfig",
		"make -j8 all",
		"export PATH=/usr/bin",
		"unset CROSS_COMPILE",
		"unset ARCH",
	}, f.lab.Commands())

	var calls []string
	for _, rec := range sum.Records {
		calls = append(calls, strings.Repeat(" ", rec.Depth)+rec.Name)
	}
	assert.Equal(t, []string{
		"build_uboot",
		" toolchain_get",
		" clean_repo_checkout",
		" toolchain_env",
		"  compile",
	}, calls)

	var docs []string
	for _, ev := range f.log.Events() {
		if ev.Is("doc", "text") {
			docs = append(docs, ev.String("text"))
		}
	}
	require.NotEmpty(t, docs)
	assert.Contains(t, strings.Join(docs, ""), "* The build directory is `/work/u-boot-at91_taurus`")
}

func TestBuildUBoot_WithPatches(t *testing.T) {
	values := taurusValues("env")
	values["uboot"].(map[string]any)["patchdir"] = "/patches"
	f := newFixture(t, values)
	scriptFreshEnv(f.lab)
	f.lab.OnPrefix("find /patches", "/patches/0001-a.patch\n", 0)

	_, err := f.run(nil, "build_uboot")
	require.NoError(t, err)
	assert.Contains(t, f.lab.Commands(), "git -C /work/u-boot-at91_taurus am -3 /patches/0001-a.patch")
}

func TestBuildUBoot_NeedsEnvShell(t *testing.T) {
	f := newFixture(t, taurusValues("noenv"))

	_, err := f.run(nil, "build_uboot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs an env shell")
	assert.Empty(t, f.lab.Commands())
}

func TestBuildUBoot_MakeFails(t *testing.T) {
	f := newFixture(t, taurusValues("env"))
	scriptFreshEnv(f.lab)
	f.lab.On("make -j8 all", "error: foo.c:1\n", 2)

	_, err := f.run(nil, "build_uboot")
	require.Error(t, err)

	var cf *model.CommandFailedError
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, "make -j8 all", cf.Command)

	// The toolchain environment is restored even though the build failed.
	cmds := f.lab.Commands()
	assert.Equal(t, "unset ARCH", cmds[len(cmds)-1])
}

func TestNestedSkipFailsCaller(t *testing.T) {
	tests := []struct {
		caller string
		fn     testcase.Func
		callee string
		shell  string
		params testcase.Params
	}{
		{"build_uboot", buildUBoot, "toolchain_get", "env", nil},
		{"selftest_buildhost", selftestBuildhost, "toolchain_get", "env", nil},
		{"cp_to_tftpdir", cpToTftpdir, "setup_tftpdir", "noenv", testcase.Params{"name": "u-boot.bin"}},
	}
	for _, tt := range tests {
		t.Run(tt.caller, func(t *testing.T) {
			f := newFixture(t, taurusValues(tt.shell))
			reg := testcase.NewRegistry()
			reg.Register(tt.caller, "caller", tt.fn)
			reg.Register(tt.callee, "skips", func(tb *testcase.TB, _ testcase.Params) (any, error) {
				return nil, tb.Skip("not available here")
			})
			f.runner.Registry = reg

			var err error
			require.NotPanics(t, func() { _, err = f.run(tt.params, tt.caller) })
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.callee+" returned <nil> instead of a string")
		})
	}
}

func TestCleanRepoCheckout_Existing(t *testing.T) {
	f := newFixture(t, taurusValues("env"))

	sum, err := f.run(testcase.Params{"repo": "git://example.com/u-boot.git", "target": "/work/uboot", "branch": "v2018.01"},
		"clean_repo_checkout")
	require.NoError(t, err)
	assert.True(t, sum.Passed)
	assert.Equal(t, []string{
		"test -d /work/uboot/.git",
		"git -C /work/uboot fetch origin",
		"git -C /work/uboot reset --hard origin/v2018.01",
		"git -C /work/uboot clean -fdx",
	}, f.lab.Commands())
}

func TestCleanRepoCheckout_MissingParams(t *testing.T) {
	f := newFixture(t, taurusValues("env"))
	_, err := f.run(testcase.Params{"repo": "x"}, "clean_repo_checkout")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs repo and target")
}

func TestApplyGitPatches(t *testing.T) {
	t.Run("sorted", func(t *testing.T) {
		f := newFixture(t, taurusValues("env"))
		f.lab.OnPrefix("find ", "/p/0002-b.patch\n/p/0001-a.patch\n", 0)

		_, err := f.run(testcase.Params{"gitdir": "/src", "patchdir": "/p"}, "apply_git_patches")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"find /p -maxdepth 1 -name '*.patch' -type f",
			"git -C /src am -3 /p/0001-a.patch",
			"git -C /src am -3 /p/0002-b.patch",
		}, f.lab.Commands())
	})

	t.Run("conflict aborts", func(t *testing.T) {
		f := newFixture(t, taurusValues("env"))
		f.lab.OnPrefix("find ", "/p/0001-a.patch\n/p/0002-b.patch\n", 0)
		f.lab.On("git -C /src am -3 /p/0001-a.patch", "Patch failed at 0001\n", 128)

		_, err := f.run(testcase.Params{"gitdir": "/src", "patchdir": "/p"}, "apply_git_patches")
		require.Error(t, err)
		cmds := f.lab.Commands()
		assert.Equal(t, "git -C /src am --abort", cmds[len(cmds)-1])
		assert.NotContains(t, cmds, "git -C /src am -3 /p/0002-b.patch")
	})
}

func TestToolchainEnv_RestoresPreviousValues(t *testing.T) {
	f := newFixture(t, taurusValues("env"))
	f.lab.On("printenv PATH", "/usr/bin\n", 0)
	f.lab.On("printenv CROSS_COMPILE", "old-\n", 0)
	f.lab.On("printenv ARCH", "", 1)

	boom := errors.New("continuation failed")
	f.runner.Registry.Register("uses_toolchain", "", func(tb *testcase.TB, _ testcase.Params) (any, error) {
		return tb.CallThen("toolchain_env", nil, func(machine.Machine) error { return boom })
	})

	_, err := f.run(nil, "uses_toolchain")
	assert.ErrorIs(t, err, boom)

	cmds := f.lab.Commands()
	assert.Equal(t, []string{
		"export PATH=/usr/bin",
		"export CROSS_COMPILE=old-",
		"unset ARCH",
	}, cmds[len(cmds)-3:])
}

func TestToolchainEnv_LogsOnlyExports(t *testing.T) {
	f := newFixture(t, taurusValues("env"))
	scriptFreshEnv(f.lab)
	f.runner.Env.Lab = machine.Logged(f.lab, f.log)

	_, err := f.run(nil, "toolchain_env")
	require.NoError(t, err)

	var logged []string
	for _, ev := range f.log.Events() {
		if ev.Is("cmd") {
			logged = append(logged, ev.String("command"))
		}
	}
	assert.Equal(t, []string{
		"export PATH=/opt/tc/bin:$PATH",
		"export CROSS_COMPILE=arm-linux-gnueabihf-",
		"export ARCH=arm",
	}, logged)

	// The shell itself still saw the bookkeeping.
	assert.Contains(t, f.lab.Commands(), "printenv PATH")
	assert.Contains(t, f.lab.Commands(), "unset ARCH")
}

func TestToolchainEnv_UnknownToolchain(t *testing.T) {
	f := newFixture(t, taurusValues("env"))
	_, err := f.run(testcase.Params{"toolchain": "nope"}, "toolchain_env")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `toolchain "nope" is not configured`)
}

func TestToolchainGet(t *testing.T) {
	values := taurusValues("env")
	delete(values["board"].(map[string]any), "toolchain")
	f := newFixture(t, values)

	_, err := f.run(nil, "toolchain_get")
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitConfigError, cliErr.Code)
}

func TestTftp(t *testing.T) {
	tests := []struct {
		name   string
		params testcase.Params
		want   string
	}{
		{
			name:   "from build dir",
			params: testcase.Params{"name": "u-boot.bin"},
			want:   "cp /work/u-boot-at91_taurus/u-boot.bin /tftpboot/at91_taurus/tbot/u-boot.bin",
		},
		{
			name:   "renamed",
			params: testcase.Params{"name": "u-boot.bin", "dest_name": "u-boot-test.bin"},
			want:   "cp /work/u-boot-at91_taurus/u-boot.bin /tftpboot/at91_taurus/tbot/u-boot-test.bin",
		},
		{
			name:   "external file",
			params: testcase.Params{"name": "/srv/env.txt", "dest_name": "env.txt", "from_builddir": false},
			want:   "cp /srv/env.txt /tftpboot/at91_taurus/tbot/env.txt",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, taurusValues("noenv"))
			_, err := f.run(tt.params, "cp_to_tftpdir")
			require.NoError(t, err)
			assert.Equal(t, []string{"mkdir -p /tftpboot/at91_taurus/tbot", tt.want}, f.lab.Commands())
		})
	}
}

func TestCpToTftpdir_NothingToCopy(t *testing.T) {
	f := newFixture(t, taurusValues("noenv"))
	_, err := f.run(nil, "cp_to_tftpdir")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trying to copy nothing")
	assert.Empty(t, f.lab.Commands())
}

// ubootConsole answers "version" and exit status queries like a U-Boot
// console with the prompt "=> ".
func ubootConsole(conn net.Conn, version string) {
	go func() {
		defer conn.Close()
		r := bufio.NewReader(conn)
		if _, err := io.WriteString(conn, "\r\n=> "); err != nil {
			return
		}
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			reply := line + "\r\n"
			switch {
			case line == "version":
				reply += version + "\r\n\r\narm-linux-gnueabihf-gcc 7.3\r\n"
			case strings.HasPrefix(line, "echo ") && strings.HasSuffix(line, "$?"):
				reply += strings.TrimSuffix(strings.TrimPrefix(line, "echo "), "$?") + "0\r\n"
			}
			if _, err := io.WriteString(conn, reply+"=> "); err != nil {
				return
			}
		}
	}()
}

func TestCheckUBootVersion(t *testing.T) {
	const version = "U-Boot 2018.01-00001-gdeadbee (Jan 01 2018 - 00:00:00 +0000)"

	tests := []struct {
		name    string
		strings string
		wantErr bool
	}{
		{"match", "U-Boot SPL\n" + version + "\n", false},
		{"mismatch", "U-Boot 2017.09 (Sep 01 2017)\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, taurusValues("noenv"))
			ch, remote := machinetest.NewPipeChannel()
			ubootConsole(remote, version)
			f.lab.WithChannel(ch)
			f.lab.On("strings /work/u-boot-at91_taurus/u-boot.bin | grep U-Boot", tt.strings, 0)

			f.runner.Env.OpenBoard = func(ctx context.Context) (*board.Board, error) {
				return board.New(board.Options{
					Board: config.BoardConfig{
						Name:    "at91_taurus",
						Connect: "picocom /dev/ttyUSB0",
						Prompt:  "=> ",
					},
					LabHost: f.lab,
					Log:     f.log,
					Lockdir: t.TempDir(),
				})
			}

			_, err := f.run(nil, "check_uboot_version")
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "does not seem to match")
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, []string{"picocom /dev/ttyUSB0"}, f.lab.Channels())
		})
	}
}

func TestSelftest_Local(t *testing.T) {
	ctx := context.Background()

	t.Run("noenv", func(t *testing.T) {
		values := taurusValues("noenv")
		delete(values["board"].(map[string]any), "toolchain")
		f := newFixture(t, values)
		f.runner.Env.Lab = machine.NewLocal("labhost")

		sum, err := f.runner.Run(ctx, nil, "selftest")
		require.NoError(t, err)
		assert.True(t, sum.Passed)

		statuses := map[string]model.TestcaseStatus{}
		for _, rec := range sum.Records {
			statuses[rec.Name] = rec.Status
		}
		assert.Equal(t, model.StatusPass, statuses["selftest_labhost"])
		assert.Equal(t, model.StatusPass, statuses["selftest_env"])
		assert.Equal(t, model.StatusSkip, statuses["selftest_buildhost"])
	})

	t.Run("env with toolchain", func(t *testing.T) {
		values := taurusValues("env")
		values["toolchains"].(map[string]any)["generic-armv7a-hf"].(map[string]any)["path"] = t.TempDir()
		f := newFixture(t, values)

		shell, err := machine.NewLocalEnvShell(ctx, "labhost", t.TempDir())
		require.NoError(t, err)
		defer shell.Close()
		f.runner.Env.Lab = shell

		sum, err := f.runner.Run(ctx, nil, "selftest")
		require.NoError(t, err)
		for _, rec := range sum.Records {
			assert.Equal(t, model.StatusPass, rec.Status, rec.Name)
		}

		out, err := machine.Exec0(ctx, shell, `echo "[${CROSS_COMPILE}]"`)
		require.NoError(t, err)
		assert.Equal(t, "[]\n", out, "toolchain_env must restore the environment")
	})
}
