package machine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"

	"github.com/shinji-kodama/tbot/internal/model"
)

// Local runs commands on the machine tbot itself runs on, one
// `sh -c` process per command (noenv mode).
type Local struct {
	name string

	// Dir is the working directory of every command. Empty means the
	// current directory of the tbot process.
	Dir string

	// Env is appended to the process environment of every command.
	Env []string
}

// NewLocal creates a noenv shell on the local machine.
func NewLocal(name string) *Local {
	return &Local{name: name}
}

// Name returns the machine name.
func (l *Local) Name() string {
	return l.name
}

// Exec runs command with `sh -c` and captures combined output.
func (l *Local) Exec(ctx context.Context, command string) (model.CommandResult, error) {
	start := time.Now()

	// #nosec G204 -- running arbitrary commands is the purpose of a shell
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = l.Dir
	cmd.WaitDelay = time.Second
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}

	out, err := cmd.CombinedOutput()
	res := model.CommandResult{
		Command:  command,
		Output:   trimOutput(string(out)),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		if ctx.Err() != nil {
			return res, fmt.Errorf("command %q on %s: %w", command, l.name, ctx.Err())
		}
		return res, fmt.Errorf("failed to run %q on %s: %w", command, l.name, err)
	}
	return res, nil
}

// Close is a no-op; Local holds no resources between commands.
func (l *Local) Close() error {
	return nil
}

// NewChannel starts command under a pseudo terminal, which is what serial
// console programs such as picocom expect.
func (l *Local) NewChannel(ctx context.Context, command string) (Channel, error) {
	return startPtyChannel(ctx, l.name, l.Dir, l.Env, command)
}

func startPtyChannel(ctx context.Context, name, dir string, env []string, command string) (Channel, error) {
	// #nosec G204 -- the console command comes from the board config
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start %q on %s: %w", command, name, err)
	}

	ch := &ptyChannel{file: f, cmd: cmd, exited: make(chan struct{})}
	ch.open.Store(true)
	go func() {
		_ = cmd.Wait()
		ch.open.Store(false)
		close(ch.exited)
	}()

	if ctx.Err() != nil {
		_ = ch.Close()
		return nil, ctx.Err()
	}
	return ch, nil
}

// ptyChannel is a Channel backed by a local process on a pty.
type ptyChannel struct {
	cleanups
	file      *os.File
	cmd       *exec.Cmd
	open      atomic.Bool
	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (c *ptyChannel) Read(p []byte) (int, error)  { return c.file.Read(p) }
func (c *ptyChannel) Write(p []byte) (int, error) { return c.file.Write(p) }

func (c *ptyChannel) IsOpen() bool {
	return c.open.Load()
}

// Close kills the console process, closes the pty and runs the
// registered cleanups.
func (c *ptyChannel) Close() error {
	c.closeOnce.Do(func() {
		if c.open.Load() && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		select {
		case <-c.exited:
		case <-time.After(closeTimeout):
		}
		c.closeErr = c.file.Close()
		c.run(c)
	})
	return c.closeErr
}

// LocalEnvShell is a persistent local `sh` (env mode). Console channels
// are separate processes on a pty, as with Local.
type LocalEnvShell struct {
	*EnvShell
	dir string
}

// NewChannel starts command under a pseudo terminal in the shell's
// starting directory.
func (l *LocalEnvShell) NewChannel(ctx context.Context, command string) (Channel, error) {
	return startPtyChannel(ctx, l.Name(), l.dir, nil, command)
}

// NewLocalEnvShell starts a persistent local `sh` (env mode).
func NewLocalEnvShell(ctx context.Context, name, dir string) (*LocalEnvShell, error) {
	// #nosec G204 -- fixed binary
	cmd := exec.Command("sh")
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin of local shell: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout of local shell: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start local shell: %w", err)
	}
	sh, err := NewEnvShell(ctx, name, stdin, stdout, cmd.Wait)
	if err != nil {
		return nil, err
	}
	return &LocalEnvShell{EnvShell: sh, dir: dir}, nil
}
