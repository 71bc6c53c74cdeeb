// host.go implements a build host that runs commands inside a Docker
// container through the exec API.
//
// In noenv mode every command is a separate `sh -c` exec instance whose
// exit status is read back with ContainerExecInspect. In env mode a single
// `sh` exec instance is attached with stdin open and driven by
// machine.EnvShell, exactly like a persistent shell on the lab host.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/shinji-kodama/tbot/internal/machine"
	"github.com/shinji-kodama/tbot/internal/model"
)

// execPollInterval is how often ContainerExecInspect is polled while the
// daemon has not yet recorded the exit status of a finished exec.
const execPollInterval = 20 * time.Millisecond

// HostOptions configures a Docker build host.
type HostOptions struct {
	// Name is the machine name used in logs, usually "buildhost".
	Name string

	// Container is the name or ID of the build container.
	Container string

	// Workdir is the working directory of commands inside the container.
	// Empty means the container's default.
	Workdir string

	// User runs commands as this user instead of the container default.
	User string

	// Mode selects per-command execs (noenv) or one persistent shell (env).
	Mode model.ShellMode
}

// Host is a machine.Machine backed by a running container.
type Host struct {
	api  API
	opts HostOptions
	id   string

	// shell is the persistent exec in env mode, nil in noenv mode.
	shell *machine.EnvShell
}

// NewHost makes sure the build container is running and, in env mode,
// starts the persistent shell.
func NewHost(ctx context.Context, api API, opts HostOptions) (*Host, error) {
	if opts.Container == "" {
		return nil, model.NewCLIError(model.ExitConfigError, "docker build host requires build.container")
	}
	if opts.Name == "" {
		opts.Name = "buildhost"
	}

	st, err := EnsureRunning(ctx, api, opts.Container)
	if err != nil {
		return nil, err
	}

	h := &Host{api: api, opts: opts, id: st.ID}
	if opts.Mode == model.ShellEnv {
		shell, err := h.openShell(ctx)
		if err != nil {
			return nil, err
		}
		h.shell = shell
	}
	return h, nil
}

// Name returns the machine name.
func (h *Host) Name() string {
	return h.opts.Name
}

// String renders the host for logs.
func (h *Host) String() string {
	return fmt.Sprintf("<DockerHost %s>", h.opts.Container)
}

// Exec runs command inside the container.
func (h *Host) Exec(ctx context.Context, command string) (model.CommandResult, error) {
	if h.shell != nil {
		return h.shell.Exec(ctx, command)
	}
	return h.execOnce(ctx, command)
}

// execOnce runs command as a fresh `sh -c` exec instance (noenv mode).
func (h *Host) execOnce(ctx context.Context, command string) (model.CommandResult, error) {
	start := time.Now()
	res := model.CommandResult{Command: command, ExitCode: -1}

	execID, err := h.createExec(ctx, []string{"sh", "-c", command}, false)
	if err != nil {
		return res, err
	}
	resp, err := h.api.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{})
	if err != nil {
		return res, fmt.Errorf("failed to attach to exec on %s: %w", h.opts.Name, err)
	}
	defer resp.Close()

	// stdout and stderr are multiplexed on one stream; StdCopy writes both
	// from a single goroutine, so one buffer keeps their relative order.
	var out bytes.Buffer
	copyErr := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&out, &out, resp.Reader)
		copyErr <- err
	}()

	select {
	case err = <-copyErr:
	case <-ctx.Done():
		resp.Close()
		<-copyErr
		return res, fmt.Errorf("command %q on %s: %w", command, h.opts.Name, ctx.Err())
	}
	if err != nil {
		return res, fmt.Errorf("failed to read output of %q on %s: %w", command, h.opts.Name, err)
	}

	code, err := h.waitExit(ctx, execID)
	if err != nil {
		return res, err
	}
	res.ExitCode = code
	res.Output = out.String()
	res.Duration = time.Since(start)
	return res, nil
}

// waitExit polls the exec instance until the daemon reports it finished.
func (h *Host) waitExit(ctx context.Context, execID string) (int, error) {
	for {
		info, err := h.api.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("failed to inspect exec on %s: %w", h.opts.Name, err)
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-time.After(execPollInterval):
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
}

func (h *Host) createExec(ctx context.Context, cmd []string, stdin bool) (string, error) {
	resp, err := h.api.ContainerExecCreate(ctx, h.id, container.ExecOptions{
		User:         h.opts.User,
		WorkingDir:   h.opts.Workdir,
		AttachStdin:  stdin,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec in %s: %w", h.opts.Container, err)
	}
	return resp.ID, nil
}

// openShell starts `sh` with stdin attached and wraps it in an EnvShell.
func (h *Host) openShell(ctx context.Context) (*machine.EnvShell, error) {
	execID, err := h.createExec(ctx, []string{"sh"}, true)
	if err != nil {
		return nil, err
	}
	resp, err := h.api.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to shell on %s: %w", h.opts.Name, err)
	}

	stdout := demux(resp.Reader)
	return machine.NewEnvShell(ctx, h.opts.Name, hijackedStdin{resp}, stdout, func() error {
		resp.Close()
		return nil
	})
}

// demux turns a multiplexed exec stream into a plain byte stream carrying
// stdout and stderr. The returned reader ends when src does.
func demux(src io.Reader) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, src)
		if errors.Is(err, io.EOF) {
			err = nil
		}
		pw.CloseWithError(err)
	}()
	return pr
}

// hijackedStdin writes to an attached exec and half-closes the connection
// on Close, which delivers EOF to the shell.
type hijackedStdin struct {
	resp types.HijackedResponse
}

func (s hijackedStdin) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s hijackedStdin) Close() error {
	return s.resp.CloseWrite()
}

// Close ends the persistent shell, if any. The container keeps running.
func (h *Host) Close() error {
	if h.shell != nil {
		return h.shell.Close()
	}
	return nil
}
