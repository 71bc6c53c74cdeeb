package board

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ubootCmds = map[string]fakeCmd{
	"version":            {out: "U-Boot 2018.01 (Jan 01 2018 - 00:00:00)\n\narm-linux-gcc 7.3\n"},
	"printenv bootdelay": {out: "bootdelay=3\n"},
	"false":              {code: 1},
}

func bootedShell(t *testing.T, autoboot bool) *ConsoleShell {
	t.Helper()

	a, b := net.Pipe()
	fakeUBoot(b, autoboot, ubootCmds)
	s := NewConsoleShell("board", a, ConsoleOptions{
		Prompt:         "=> ",
		AutobootPrompt: "Hit any key to stop autoboot",
		BootTimeout:    5 * time.Second,
	})
	t.Cleanup(func() {
		_ = s.Close()
		_ = a.Close()
	})
	require.NoError(t, s.Boot(context.Background()))
	return s
}

func TestConsoleShell_Boot(t *testing.T) {
	tests := []struct {
		name     string
		autoboot bool
	}{
		{"interrupts autoboot", true},
		{"prompt without autoboot", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := bootedShell(t, tt.autoboot)

			out, err := s.Exec(context.Background(), "printenv bootdelay")
			require.NoError(t, err)
			assert.Equal(t, "bootdelay=3\n", out.Output)
		})
	}
}

func TestConsoleShell_Exec(t *testing.T) {
	s := bootedShell(t, true)
	ctx := context.Background()

	res, err := s.Exec(ctx, "version")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "U-Boot 2018.01 (Jan 01 2018 - 00:00:00)\n\narm-linux-gcc 7.3\n", res.Output)

	res, err = s.Exec(ctx, "false")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "", res.Output)

	res, err = s.Exec(ctx, "bogus")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Output, "Unknown command 'bogus'")
}

func TestConsoleShell_BootTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := NewConsoleShell("board", a, ConsoleOptions{BootTimeout: 50 * time.Millisecond})
	defer s.Close()

	err := s.Boot(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestConsoleShell_ClosedConsole(t *testing.T) {
	a, b := net.Pipe()
	s := NewConsoleShell("board", a, ConsoleOptions{BootTimeout: time.Second})
	defer s.Close()

	_ = b.Close()
	err := s.Boot(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConsoleClosed))
}

func TestStripEcho(t *testing.T) {
	tests := []struct {
		name, raw, command, want string
	}{
		{"echo removed", "version\nU-Boot\n", "version", "U-Boot\n"},
		{"leading newline", "\nversion\nU-Boot\n", "version", "U-Boot\n"},
		{"no echo", "U-Boot\n", "version", "U-Boot\n"},
		{"only echo", "true\n", "true", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripEcho(tt.raw, tt.command))
		})
	}
}

func TestParseStatus(t *testing.T) {
	marker := "__tbot_0123abcd__"

	code, ok := parseStatus("echo "+marker+"$?\n"+marker+"42\n", marker)
	require.True(t, ok)
	assert.Equal(t, 42, code)

	_, ok = parseStatus("echo "+marker+"$?\n", marker)
	assert.False(t, ok, "the echoed command line carries no status")

	_, ok = parseStatus("__tbot_ffff__0\n", marker)
	assert.False(t, ok, "a stale marker is ignored")
}
