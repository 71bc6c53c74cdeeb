package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shinji-kodama/tbot/internal/model"
)

// ErrShellClosed is returned by EnvShell.Exec after the shell has exited
// or was closed.
var ErrShellClosed = errors.New("shell closed")

// closeTimeout bounds how long Close waits for the shell to exit on its own.
const closeTimeout = 5 * time.Second

// EnvShell drives one long-lived POSIX shell over a pipe pair, so the
// working directory and exported variables persist between commands.
//
// After every command EnvShell prints a random marker followed by $?.
// Output is everything read before the marker. The shell's stderr is
// redirected into stdout when the shell is started.
type EnvShell struct {
	name  string
	stdin io.WriteCloser

	// chunks carries everything the reader goroutine pulls off stdout;
	// it is closed, after readErr is set, when stdout ends.
	chunks  chan []byte
	readErr error

	mu     sync.Mutex
	buf    bytes.Buffer
	broken error
	wait   func() error
}

// NewEnvShell wraps an already running shell. stdin and stdout are the
// shell's standard streams; wait is called on Close to reap the process
// or session and may be nil.
func NewEnvShell(ctx context.Context, name string, stdin io.WriteCloser, stdout io.Reader, wait func() error) (*EnvShell, error) {
	s := &EnvShell{
		name:   name,
		stdin:  stdin,
		chunks: make(chan []byte, 16),
		wait:   wait,
	}
	go s.readLoop(stdout)

	// Merge stderr into stdout and make sure the shell is responsive
	// before handing it out.
	res, err := s.Exec(ctx, "exec 2>&1")
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialise shell on %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialise shell on %s: exit code %d", name, res.ExitCode)
	}
	return s, nil
}

func (s *EnvShell) readLoop(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.chunks <- chunk
		}
		if err != nil {
			s.readErr = err
			close(s.chunks)
			return
		}
	}
}

// Name returns the machine name given to NewEnvShell.
func (s *EnvShell) Name() string {
	return s.name
}

// Exec runs command in the persistent shell. Commands are serialised.
//
// If ctx is cancelled while the command is running the shell is left in
// an unknown state; it is marked broken and every later Exec fails.
func (s *EnvShell) Exec(ctx context.Context, command string) (model.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := model.CommandResult{Command: command, ExitCode: -1}
	if s.broken != nil {
		return res, s.broken
	}

	start := time.Now()
	marker := "__tbot_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
	script := command + "\nprintf '\\n%s %d\\n' " + marker + " \"$?\"\n"
	if _, err := io.WriteString(s.stdin, script); err != nil {
		s.broken = fmt.Errorf("%w: write to %s: %v", ErrShellClosed, s.name, err)
		return res, s.broken
	}

	needle := []byte("\n" + marker + " ")
	for {
		if output, code, ok, err := s.takeResult(needle); ok || err != nil {
			if err != nil {
				s.broken = err
				return res, err
			}
			res.ExitCode = code
			res.Output = trimOutput(output)
			res.Duration = time.Since(start)
			return res, nil
		}

		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				s.broken = fmt.Errorf("%w: %s exited while running %q: %v", ErrShellClosed, s.name, command, s.readErr)
				return res, s.broken
			}
			s.buf.Write(chunk)
		case <-ctx.Done():
			s.broken = fmt.Errorf("shell on %s is out of sync after %q was cancelled: %w", s.name, command, ctx.Err())
			return res, s.broken
		}
	}
}

// takeResult looks for a complete "\n<marker> <code>\n" trailer in the
// buffer and, when present, consumes it together with the output before it.
func (s *EnvShell) takeResult(needle []byte) (string, int, bool, error) {
	data := s.buf.Bytes()
	idx := bytes.Index(data, needle)
	if idx < 0 {
		return "", 0, false, nil
	}
	rest := data[idx+len(needle):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return "", 0, false, nil
	}
	codeText := strings.TrimSpace(string(rest[:nl]))
	code, err := strconv.Atoi(codeText)
	if err != nil {
		return "", 0, false, fmt.Errorf("shell on %s returned malformed exit status %q", s.name, codeText)
	}
	output := string(data[:idx])
	s.buf.Next(idx + len(needle) + nl + 1)
	return output, code, true, nil
}

// Close asks the shell to exit and reaps it. It is safe to call twice.
func (s *EnvShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if errors.Is(s.broken, errEnvShellClosedByUser) {
		return nil
	}
	s.broken = errEnvShellClosedByUser

	_, _ = io.WriteString(s.stdin, "exit\n")
	closeErr := s.stdin.Close()

	// Drain stdout until the shell is gone so the reader goroutine is
	// never left blocked on a full channel.
	timeout := time.After(closeTimeout)
drain:
	for {
		select {
		case _, ok := <-s.chunks:
			if !ok {
				break drain
			}
		case <-timeout:
			break drain
		}
	}

	if s.wait != nil {
		if err := s.wait(); err != nil {
			return err
		}
	}
	return closeErr
}

var errEnvShellClosedByUser = fmt.Errorf("%w by caller", ErrShellClosed)
