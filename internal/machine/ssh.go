package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/shinji-kodama/tbot/internal/model"
)

// SSHOptions describes how to reach a lab host.
type SSHOptions struct {
	// Name is the machine name used in logs.
	Name string

	Hostname string
	Port     int
	User     string

	// Password enables password authentication.
	Password string

	// Keyfile is a private key for public key authentication.
	// Defaults to ~/.ssh/id_rsa when no password is given.
	Keyfile string

	// KnownHosts is the file used to verify the server's host key.
	// Defaults to ~/.ssh/known_hosts.
	KnownHosts string

	// InsecureHostKey disables host key verification.
	InsecureHostKey bool

	// Mode selects one session per command (noenv) or one persistent
	// shell session (env).
	Mode model.ShellMode

	// Timeout bounds the TCP dial and SSH handshake.
	Timeout time.Duration
}

// Address returns host:port, defaulting the port to 22.
func (o SSHOptions) Address() string {
	port := o.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(o.Hostname, strconv.Itoa(port))
}

// SSHLabHost is a lab host reached over SSH.
type SSHLabHost struct {
	name   string
	opts   SSHOptions
	client *ssh.Client

	// shell is the persistent session in env mode, nil in noenv mode.
	shell *EnvShell
}

// DialSSH connects and authenticates to the lab host. In env mode it
// also starts the persistent shell.
func DialSSH(ctx context.Context, opts SSHOptions) (*SSHLabHost, error) {
	cfg, err := clientConfig(opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	addr := opts.Address()

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	// The handshake itself is not context aware; bound it by deadline.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	h := &SSHLabHost{
		name:   opts.Name,
		opts:   opts,
		client: ssh.NewClient(sshConn, chans, reqs),
	}

	if opts.Mode == model.ShellEnv {
		shell, err := h.openShell(ctx)
		if err != nil {
			_ = h.client.Close()
			return nil, err
		}
		h.shell = shell
	}
	return h, nil
}

// clientConfig builds the ssh.ClientConfig for opts.
func clientConfig(opts SSHOptions) (*ssh.ClientConfig, error) {
	username := opts.User
	if username == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("no lab user configured and current user unknown: %w", err)
		}
		username = u.Username
	}

	auth, err := authMethods(opts)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() // #nosec G106 -- opt-in via insecure_hostkey
	if !opts.InsecureHostKey {
		path, err := expandHome(defaultString(opts.KnownHosts, "~/.ssh/known_hosts"))
		if err != nil {
			return nil, err
		}
		hostKeyCallback, err = knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", path, err)
		}
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.Timeout,
	}, nil
}

// authMethods returns password auth when a password is configured and
// public key auth from the key file otherwise (or additionally, when an
// explicit key file is given).
func authMethods(opts SSHOptions) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if opts.Keyfile != "" || opts.Password == "" {
		path, err := expandHome(defaultString(opts.Keyfile, "~/.ssh/id_rsa"))
		if err != nil {
			return nil, err
		}
		pem, err := os.ReadFile(path)
		if err != nil {
			if opts.Password == "" {
				return nil, fmt.Errorf("failed to read private key: %w", err)
			}
		} else {
			signer, err := ssh.ParsePrivateKey(pem)
			if err != nil {
				return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}
	return methods, nil
}

// Name returns the machine name.
func (h *SSHLabHost) Name() string {
	return h.name
}

// String renders user@host:port like the lab host repr in logs.
func (h *SSHLabHost) String() string {
	return fmt.Sprintf("<SSHLabHost %s@%s>", h.opts.User, h.opts.Address())
}

// Exec runs command on the lab host.
func (h *SSHLabHost) Exec(ctx context.Context, command string) (model.CommandResult, error) {
	if h.shell != nil {
		return h.shell.Exec(ctx, command)
	}
	return h.execSession(ctx, command)
}

// execSession runs command in a fresh session (noenv mode).
func (h *SSHLabHost) execSession(ctx context.Context, command string) (model.CommandResult, error) {
	start := time.Now()
	res := model.CommandResult{Command: command, ExitCode: -1}

	session, err := h.client.NewSession()
	if err != nil {
		return res, fmt.Errorf("failed to open session on %s: %w", h.name, err)
	}
	defer session.Close()

	var out lockedBuffer
	session.Stdout = &out
	session.Stderr = &out

	errc := make(chan error, 1)
	go func() { errc <- session.Run(command) }()

	select {
	case err = <-errc:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return res, fmt.Errorf("command %q on %s: %w", command, h.name, ctx.Err())
	}

	res.Output = trimOutput(out.String())
	res.Duration = time.Since(start)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("failed to run %q on %s: %w", command, h.name, err)
	}
	res.ExitCode = 0
	return res, nil
}

// openShell starts `sh` in a dedicated session without a pty, so there is
// no echo and no prompt to filter.
func (h *SSHLabHost) openShell(ctx context.Context) (*EnvShell, error) {
	session, err := h.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open shell session on %s: %w", h.name, err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	if err := session.Start("sh"); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to start shell on %s: %w", h.name, err)
	}
	return NewEnvShell(ctx, h.name, stdin, stdout, func() error {
		err := session.Wait()
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	})
}

// NewChannel runs command in a new session with a pty attached.
func (h *SSHLabHost) NewChannel(ctx context.Context, command string) (Channel, error) {
	session, err := h.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel on %s: %w", h.name, err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := session.RequestPty("xterm", 50, 200, modes); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to request pty on %s: %w", h.name, err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to start %q on %s: %w", command, h.name, err)
	}

	ch := &sshChannel{session: session, stdin: stdin, stdout: stdout}
	ch.open.Store(true)
	go func() {
		_ = session.Wait()
		ch.open.Store(false)
	}()
	if ctx.Err() != nil {
		_ = ch.Close()
		return nil, ctx.Err()
	}
	return ch, nil
}

// Close ends the persistent shell (if any) and the SSH connection.
func (h *SSHLabHost) Close() error {
	var errs []error
	if h.shell != nil {
		errs = append(errs, h.shell.Close())
	}
	errs = append(errs, h.client.Close())
	return errors.Join(errs...)
}

type sshChannel struct {
	cleanups
	session   *ssh.Session
	stdin     io.WriteCloser
	stdout    io.Reader
	open      atomic.Bool
	closeOnce sync.Once
}

func (c *sshChannel) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *sshChannel) Write(p []byte) (int, error) { return c.stdin.Write(p) }
func (c *sshChannel) IsOpen() bool                { return c.open.Load() }

func (c *sshChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.session.Signal(ssh.SIGHUP)
		err = c.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
		c.open.Store(false)
		c.run(c)
	})
	return err
}

// lockedBuffer lets the SSH library write stdout and stderr from two
// goroutines into one buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
