package eventlog

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/tbot/internal/model"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2018, 7, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func TestLogger_RecordsTypedEvents(t *testing.T) {
	l, err := New(Options{Record: true, Now: fixedClock()})
	require.NoError(t, err)

	l.TestcaseBegin("build_uboot")
	l.Doc("## Build U-Boot ##")
	ev := l.ShellCommand("labhost", "make -j4 all")
	ev.Finished(model.CommandResult{Command: "make -j4 all", ExitCode: 0, Output: "done\n"})
	l.BoardOn("taurus")
	l.BoardOff("taurus")
	l.TestcaseEnd("build_uboot", model.StatusPass, 2*time.Second, nil)

	events := l.Events()
	require.Len(t, events, 6)

	assert.True(t, events[0].Is("testcase", "begin"))
	assert.Equal(t, "build_uboot", events[0].String("name"))
	assert.Equal(t, 0, events[0].Data["depth"])

	assert.True(t, events[1].Is("doc"))
	assert.Equal(t, "## Build U-Boot ##", events[1].String("text"))

	assert.True(t, events[2].Is("cmd", "labhost"))
	assert.Equal(t, "make -j4 all", events[2].String("command"))
	assert.Equal(t, 0, events[2].Data["exitcode"])

	assert.Equal(t, []string{"board", "on", "taurus"}, events[3].Type)
	assert.Equal(t, []string{"board", "off", "taurus"}, events[4].Type)

	assert.True(t, events[5].Is("testcase", "end"))
	assert.Equal(t, "pass", events[5].String("status"))
	assert.Equal(t, 2.0, events[5].Data["duration"])
	assert.Equal(t, 0, events[5].Data["depth"])

	for _, e := range events {
		assert.Equal(t, fixedClock()(), e.Time)
	}
}

func TestLogger_NestedDepth(t *testing.T) {
	l, err := New(Options{Record: true})
	require.NoError(t, err)

	l.TestcaseBegin("outer")
	l.TestcaseBegin("inner")
	l.TestcaseEnd("inner", model.StatusFail, time.Millisecond, errors.New("boom"))
	l.TestcaseEnd("outer", model.StatusFail, time.Millisecond, errors.New("boom"))

	events := l.Events()
	require.Len(t, events, 4)
	assert.Equal(t, 0, events[0].Data["depth"])
	assert.Equal(t, 1, events[1].Data["depth"])
	assert.Equal(t, 1, events[2].Data["depth"])
	assert.Equal(t, "boom", events[2].String("error"))
	assert.Equal(t, 0, events[3].Data["depth"])
}

func TestLogger_ConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Console: &buf})
	require.NoError(t, err)

	l.TestcaseBegin("selftest")
	ev := l.ShellCommand("labhost", "uname -a")
	ev.Finished(model.CommandResult{Output: "Linux pollux\n"})
	l.TestcaseEnd("selftest", model.StatusPass, time.Second, nil)

	out := buf.String()
	assert.Contains(t, out, "selftest")
	assert.Contains(t, out, "[labhost] uname -a")
	assert.NotContains(t, out, "Linux pollux", "command output is verbose-only")
	assert.Contains(t, out, "Done")
}

func TestLogger_VerboseShowsOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Console: &buf, Verbose: true})
	require.NoError(t, err)

	ev := l.ShellCommand("labhost", "uname -a")
	ev.Finished(model.CommandResult{Output: "Linux pollux\n"})
	assert.Contains(t, buf.String(), "## Linux pollux")
}

func TestLogger_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	l, err := New(Options{File: path, Now: fixedClock()})
	require.NoError(t, err)

	l.TestcaseBegin("setup_tftpdir")
	l.ShellCommand("labhost", "mkdir -p /tftpboot/taurus/tbot").Finished(model.CommandResult{})
	l.TestcaseEnd("setup_tftpdir", model.StatusPass, time.Second, nil)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "Close is idempotent")

	events, err := Load(path)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[1].Is("cmd"))
	assert.Equal(t, "mkdir -p /tftpboot/taurus/tbot", events[1].String("command"))
	// JSON numbers come back as float64.
	assert.Equal(t, float64(0), events[1].Data["exitcode"])
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"type\":[\"msg\"]}\nnot json\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "bad.jsonl:2")
}

func TestEvent_Is(t *testing.T) {
	ev := Event{Type: []string{"board", "on", "taurus"}}
	assert.True(t, ev.Is())
	assert.True(t, ev.Is("board"))
	assert.True(t, ev.Is("board", "on"))
	assert.False(t, ev.Is("board", "off"))
	assert.False(t, ev.Is("board", "on", "taurus", "extra"))
}
