package machine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/tbot/internal/eventlog"
	"github.com/shinji-kodama/tbot/internal/model"
)

func TestLocal_Exec(t *testing.T) {
	m := NewLocal("labhost")
	ctx := context.Background()

	res, err := m.Exec(ctx, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Output)
	assert.Equal(t, "echo hello", res.Command)
	assert.True(t, res.Succeeded())

	// A failing command is a result, not an error.
	res, err = m.Exec(ctx, "echo oops >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Output, "stderr is captured too")
}

// TestLocal_NoEnv verifies that the noenv shell keeps no state: a cd in
// one command does not affect the next.
func TestLocal_NoEnv(t *testing.T) {
	dir := t.TempDir()
	m := NewLocal("labhost")
	m.Dir = dir
	ctx := context.Background()

	_, err := Exec0(ctx, m, "mkdir sub && cd sub && export FOO=bar")
	require.NoError(t, err)

	out, err := Exec0(ctx, m, `pwd; echo "foo=${FOO}"`)
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir + "\nfoo=\n", resolved + "\nfoo=\n"}, out)
}

func TestLocal_Env(t *testing.T) {
	m := NewLocal("labhost")
	m.Env = []string{"TBOT_TEST_VAR=42"}

	out, err := Exec0(context.Background(), m, "echo $TBOT_TEST_VAR")
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)
}

func TestLocal_ContextCancel(t *testing.T) {
	m := NewLocal("labhost")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.Exec(ctx, "sleep 5")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExec0(t *testing.T) {
	m := NewLocal("labhost")
	ctx := context.Background()

	out, err := Exec0(ctx, m, "printf ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	out, err = Exec0(ctx, m, "echo broken; false")
	require.Error(t, err)
	assert.Equal(t, "broken\n", out, "output is returned alongside the failure")
	assert.True(t, IsCommandFailed(err))

	var cf *model.CommandFailedError
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, "labhost", cf.Machine)
	assert.Equal(t, 1, cf.ExitCode)
}

func TestExecArgs_Quotes(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "file with spaces; and $dollar")
	m := NewLocal("labhost")
	ctx := context.Background()

	_, err := Exec0Args(ctx, m, "touch", name)
	require.NoError(t, err)

	_, statErr := os.Stat(name)
	assert.NoError(t, statErr, "argument must reach touch as a single word")

	res, err := ExecArgs(ctx, m, "test", "-f", name)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "make -j4 all", Quote("make", "-j4", "all"))
	assert.Equal(t, "echo 'a b'", Quote("echo", "a b"))
	assert.Equal(t, "echo ''", Quote("echo", ""))
}

func TestLogged(t *testing.T) {
	log, err := eventlog.New(eventlog.Options{Record: true})
	require.NoError(t, err)

	m := Logged(NewLocal("labhost"), log)
	assert.Equal(t, "labhost", m.Name())

	_, err = m.Exec(context.Background(), "echo logged; exit 2")
	require.NoError(t, err)

	events := log.Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].Is("cmd", "labhost"))
	assert.Equal(t, "echo logged; exit 2", events[0].String("command"))
	assert.Equal(t, 2, events[0].Data["exitcode"])
	assert.Equal(t, "logged\n", events[0].String("output"))

	// The local machine opens channels, and the decorator must not hide that.
	_, ok := AsChannelOpener(m)
	assert.True(t, ok)

	// A nil log leaves the machine untouched.
	plain := NewLocal("x")
	assert.Same(t, plain, Logged(plain, nil))

	quiet := Unlogged(Logged(Logged(plain, log), log))
	assert.Same(t, plain, quiet)
	_, err = quiet.Exec(context.Background(), "true")
	require.NoError(t, err)
	assert.Len(t, log.Events(), 1)
	assert.Same(t, plain, Unlogged(plain))
}

func TestAsChannelOpener_EnvShell(t *testing.T) {
	shell, err := NewLocalEnvShell(context.Background(), "labhost", "")
	require.NoError(t, err)
	defer shell.Close()

	// A bare env shell only runs commands; the local one also opens
	// console channels.
	_, ok := AsChannelOpener(shell.EnvShell)
	assert.False(t, ok)

	opener, ok := AsChannelOpener(Logged(shell, nil))
	require.True(t, ok)
	ch, err := opener.NewChannel(context.Background(), "cat")
	require.NoError(t, err)
	assert.True(t, ch.IsOpen())
	require.NoError(t, ch.Close())
	assert.False(t, ch.IsOpen())
}

func TestCleanupsRunOnce(t *testing.T) {
	var c cleanups
	var calls []int
	c.RegisterCleanup(func(Channel) { calls = append(calls, 1) })
	c.RegisterCleanup(func(Channel) { calls = append(calls, 2) })

	c.run(nil)
	c.run(nil)
	assert.Equal(t, []int{1, 2}, calls)
}
