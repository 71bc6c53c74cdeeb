package board

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shinji-kodama/tbot/internal/model"
)

// ErrConsoleClosed is returned once the console channel has ended.
var ErrConsoleClosed = errors.New("console closed")

// ConsoleOptions describes the U-Boot console.
type ConsoleOptions struct {
	// Prompt is the shell prompt, e.g. "=> ".
	Prompt string

	// AutobootPrompt is printed by U-Boot before it autoboots. It is
	// interrupted by sending a newline.
	AutobootPrompt string

	// BootTimeout bounds Boot when ctx has no earlier deadline.
	BootTimeout time.Duration
}

// consoleReader pumps a console channel into chunks. One reader serves
// the channel for its whole lifetime, across power cycles and the console
// shells created for each of them.
type consoleReader struct {
	chunks chan []byte
	done   chan struct{}
	once   sync.Once

	// err is set before chunks is closed.
	err error
}

func newConsoleReader(r io.Reader) *consoleReader {
	c := &consoleReader{
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go c.loop(r)
	return c
}

func (c *consoleReader) loop(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.chunks <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.err = err
			close(c.chunks)
			return
		}
	}
}

// drain discards everything received so far.
func (c *consoleReader) drain() {
	for {
		select {
		case _, ok := <-c.chunks:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// stop ends the reader; a Read in progress returns once the channel is
// closed.
func (c *consoleReader) stop() {
	c.once.Do(func() { close(c.done) })
}

// ConsoleShell is a U-Boot shell on a serial console. It implements
// machine.Machine.
type ConsoleShell struct {
	name string
	w    io.Writer
	opts ConsoleOptions

	in *consoleReader
	// ownsReader is set when the shell started the reader itself.
	ownsReader bool

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewConsoleShell starts reading rw. Call Boot before the first Exec.
func NewConsoleShell(name string, rw io.ReadWriter, opts ConsoleOptions) *ConsoleShell {
	s := newConsoleShell(name, rw, newConsoleReader(rw), opts)
	s.ownsReader = true
	return s
}

func newConsoleShell(name string, w io.Writer, in *consoleReader, opts ConsoleOptions) *ConsoleShell {
	if opts.Prompt == "" {
		opts.Prompt = "=> "
	}
	return &ConsoleShell{name: name, w: w, opts: opts, in: in}
}

// Name returns the machine name.
func (s *ConsoleShell) Name() string {
	return s.name
}

// Boot waits for U-Boot: it interrupts autoboot when the autoboot prompt
// shows up and returns once the shell prompt is seen.
func (s *ConsoleShell) Boot(ctx context.Context) error {
	if s.opts.BootTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.BootTimeout)
		defer cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	needles := []string{s.opts.Prompt}
	if s.opts.AutobootPrompt != "" {
		needles = append(needles, s.opts.AutobootPrompt)
	}
	_, which, err := s.readUntil(ctx, needles...)
	if err != nil {
		return err
	}
	if which == 1 {
		if _, err := io.WriteString(s.w, "\n"); err != nil {
			return fmt.Errorf("failed to interrupt autoboot: %w", err)
		}
		if _, _, err := s.readUntil(ctx, s.opts.Prompt); err != nil {
			return err
		}
	}
	// Anything already buffered belongs to boot noise.
	s.buf.Reset()
	return nil
}

var exitStatusRe = regexp.MustCompile(`(__tbot_[0-9a-f]+__)(\d+)`)

// Exec runs command in the U-Boot shell. The echoed command line is
// removed from the output and the exit status is queried with "echo $?".
func (s *ConsoleShell) Exec(ctx context.Context, command string) (model.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res := model.CommandResult{Command: command, ExitCode: -1}

	raw, err := s.roundTrip(ctx, command)
	if err != nil {
		return res, err
	}
	res.Output = stripEcho(raw, command)

	marker := "__tbot_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
	status, err := s.roundTrip(ctx, "echo "+marker+"$?")
	if err != nil {
		return res, err
	}
	code, ok := parseStatus(status, marker)
	if !ok {
		return res, fmt.Errorf("could not read exit status of %q on %s: %q", command, s.name, status)
	}
	res.ExitCode = code
	res.Duration = time.Since(start)
	return res, nil
}

// roundTrip sends one line and returns everything printed before the
// next prompt, with carriage returns removed.
func (s *ConsoleShell) roundTrip(ctx context.Context, line string) (string, error) {
	if _, err := io.WriteString(s.w, line+"\n"); err != nil {
		return "", fmt.Errorf("%w: write to %s: %v", ErrConsoleClosed, s.name, err)
	}
	out, _, err := s.readUntil(ctx, s.opts.Prompt)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(out, "\r", ""), nil
}

// readUntil consumes input up to and including the first of needles and
// returns the text before it together with the index of the needle found.
func (s *ConsoleShell) readUntil(ctx context.Context, needles ...string) (string, int, error) {
	for {
		data := s.buf.Bytes()
		best, which := -1, -1
		for i, n := range needles {
			if idx := bytes.Index(data, []byte(n)); idx >= 0 && (best < 0 || idx < best) {
				best, which = idx, i
			}
		}
		if best >= 0 {
			out := string(data[:best])
			s.buf.Next(best + len(needles[which]))
			return out, which, nil
		}

		select {
		case chunk, ok := <-s.in.chunks:
			if !ok {
				return "", -1, fmt.Errorf("%w: %s: %v", ErrConsoleClosed, s.name, s.in.err)
			}
			s.buf.Write(chunk)
		case <-ctx.Done():
			return "", -1, fmt.Errorf("waiting for %q on %s: %w", needles[0], s.name, ctx.Err())
		}
	}
}

// stripEcho drops the echoed command line from raw output.
func stripEcho(raw, command string) string {
	raw = strings.TrimPrefix(raw, "\n")
	if rest, ok := strings.CutPrefix(raw, command); ok {
		raw = strings.TrimPrefix(rest, "\n")
	}
	return raw
}

func parseStatus(out, marker string) (int, bool) {
	for _, m := range exitStatusRe.FindAllStringSubmatch(out, -1) {
		if m[1] != marker {
			continue
		}
		code, err := strconv.Atoi(m[2])
		return code, err == nil
	}
	return 0, false
}

// Close stops reading the console if the shell started the reader. The
// channel itself belongs to the Board and stays open.
func (s *ConsoleShell) Close() error {
	if s.ownsReader {
		s.in.stop()
	}
	return nil
}
