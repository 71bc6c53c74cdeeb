package board

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shinji-kodama/tbot/internal/machine"
	"github.com/shinji-kodama/tbot/internal/model"
)

// fakeLabHost records commands and hands out a fake console channel.
type fakeLabHost struct {
	mu       sync.Mutex
	commands []string
	codes    map[string]int

	// channel is returned by NewChannel; connected records the command.
	channel   *fakeChannel
	connected string

	// onExec, if set, sees every command after it is recorded.
	onExec func(command string)
}

func (h *fakeLabHost) Name() string { return "labhost" }

func (h *fakeLabHost) Exec(_ context.Context, command string) (model.CommandResult, error) {
	h.mu.Lock()
	h.commands = append(h.commands, command)
	code := h.codes[command]
	hook := h.onExec
	h.mu.Unlock()
	if hook != nil {
		hook(command)
	}
	return model.CommandResult{Command: command, ExitCode: code}, nil
}

func (h *fakeLabHost) Close() error { return nil }

func (h *fakeLabHost) NewChannel(_ context.Context, command string) (machine.Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = command
	return h.channel, nil
}

func (h *fakeLabHost) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// execOnly is a machine that cannot open channels.
type execOnly struct{}

func (execOnly) Name() string { return "labhost" }
func (execOnly) Close() error { return nil }
func (execOnly) Exec(_ context.Context, command string) (model.CommandResult, error) {
	return model.CommandResult{Command: command}, nil
}

// fakeChannel is one end of a net.Pipe; the other end plays the board.
type fakeChannel struct {
	net.Conn
	open     atomic.Bool
	once     sync.Once
	mu       sync.Mutex
	cleanups []func(machine.Channel)
}

// newFakeChannel returns the channel and the board side of the pipe.
func newFakeChannel() (*fakeChannel, net.Conn) {
	a, b := net.Pipe()
	ch := &fakeChannel{Conn: a}
	ch.open.Store(true)
	return ch, b
}

func (c *fakeChannel) IsOpen() bool { return c.open.Load() }

func (c *fakeChannel) RegisterCleanup(fn func(machine.Channel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, fn)
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() {
		c.open.Store(false)
		_ = c.Conn.Close()
		c.mu.Lock()
		fns := c.cleanups
		c.mu.Unlock()
		for _, fn := range fns {
			fn(c)
		}
	})
	return nil
}

// fakeCmd is the canned reply of the fake U-Boot to one command line.
type fakeCmd struct {
	out  string
	code int
}

// fakeUBoot plays a U-Boot console on conn: optional autoboot countdown,
// then a "=> " prompt that echoes input and answers "echo ...$?".
func fakeUBoot(conn net.Conn, autoboot bool, cmds map[string]fakeCmd) {
	go func() {
		defer conn.Close()
		r := bufio.NewReader(conn)
		if autoboot {
			_, _ = io.WriteString(conn, "\r\nU-Boot 2018.01\r\nHit any key to stop autoboot:  3 ")
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
		if _, err := io.WriteString(conn, "\r\n=> "); err != nil {
			return
		}

		last := 0
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if _, err := io.WriteString(conn, ubootReply(line, &last, cmds)); err != nil {
				return
			}
		}
	}()
}

// ubootReply echoes line and answers it the way fakeUBoot does, ending
// with a fresh prompt. last holds the exit code of the previous command.
func ubootReply(line string, last *int, cmds map[string]fakeCmd) string {
	line = strings.TrimRight(line, "\r\n")
	reply := line + "\r\n"
	if rest, ok := strings.CutPrefix(line, "echo "); ok && strings.HasSuffix(rest, "$?") {
		reply += strings.TrimSuffix(rest, "$?") + strconv.Itoa(*last) + "\r\n"
	} else if c, ok := cmds[line]; ok {
		reply += strings.ReplaceAll(c.out, "\n", "\r\n")
		*last = c.code
	} else {
		reply += "Unknown command '" + line + "' - try 'help'\r\n"
		*last = 1
	}
	return reply + "=> "
}

// fakeRebootingUBoot is fakeUBoot for a board that is power cycled: every
// value sent on boots starts a new autoboot countdown with that version
// in the banner. Lines typed while no countdown runs are commands.
func fakeRebootingUBoot(conn net.Conn, boots <-chan string, cmds map[string]fakeCmd) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	go func() {
		defer conn.Close()
		counting := false
		last := 0
		for {
			var out string
			select {
			case version := <-boots:
				out = "\r\nU-Boot " + version + "\r\nHit any key to stop autoboot:  3 "
				counting = true
			case line, ok := <-lines:
				if !ok {
					return
				}
				if counting {
					counting = false
					out = "\r\n=> "
				} else {
					out = ubootReply(line, &last, cmds)
				}
			}
			if _, err := io.WriteString(conn, out); err != nil {
				return
			}
		}
	}()
}
