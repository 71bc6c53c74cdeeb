package machinetest

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/shinji-kodama/tbot/internal/machine"
)

// PipeChannel is a machine.Channel over one end of a net.Pipe. The other
// end, returned by NewPipeChannel, plays the remote side.
type PipeChannel struct {
	net.Conn
	open     atomic.Bool
	once     sync.Once
	mu       sync.Mutex
	cleanups []func(machine.Channel)
}

// NewPipeChannel returns an open channel and its remote end.
func NewPipeChannel() (*PipeChannel, net.Conn) {
	local, remote := net.Pipe()
	ch := &PipeChannel{Conn: local}
	ch.open.Store(true)
	return ch, remote
}

// IsOpen reports whether Close has not been called yet.
func (c *PipeChannel) IsOpen() bool {
	return c.open.Load()
}

// RegisterCleanup adds fn to the functions run on Close.
func (c *PipeChannel) RegisterCleanup(fn func(machine.Channel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, fn)
}

// Close closes the pipe and runs the cleanups once.
func (c *PipeChannel) Close() error {
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

// WithChannel makes NewChannel hand out ch.
func (r *Recorder) WithChannel(ch machine.Channel) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel = ch
	return r
}

// NewChannel records command and returns the channel set by WithChannel.
func (r *Recorder) NewChannel(_ context.Context, command string) (machine.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel == nil {
		return nil, errors.New("machinetest: no channel configured")
	}
	r.channels = append(r.channels, command)
	return r.channel, nil
}

// Channels returns the commands channels were opened with.
func (r *Recorder) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.channels...)
}
