package board

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/shinji-kodama/tbot/internal/config"
	"github.com/shinji-kodama/tbot/internal/eventlog"
	"github.com/shinji-kodama/tbot/internal/machine"
	"github.com/shinji-kodama/tbot/internal/model"
)

// lockRetryDelay is the polling interval while another tbot holds the
// board lock.
const lockRetryDelay = 500 * time.Millisecond

// cleanupTimeout bounds the cleanup command run after the console closed.
const cleanupTimeout = 30 * time.Second

// Options configures a Board.
type Options struct {
	Board config.BoardConfig
	Lab   config.LabConfig

	// Values is the merged configuration, exposed to command templates.
	Values map[string]any

	// LabHost runs the power and check commands. When the board has a
	// connect command it must also open channels (machine.ChannelOpener).
	LabHost machine.Machine

	// Log receives POWERON/POWEROFF events. May be nil.
	Log *eventlog.Logger

	// Lockdir holds <board>.lock. Defaults to lab.lockdir, then to
	// $TMPDIR/tbot-locks.
	Lockdir string
}

// commands are the rendered board commands.
type commands struct {
	poweron, poweroff, connect, consoleCheck, cleanup string
}

// Board is the board under test.
type Board struct {
	cfg     config.BoardConfig
	labHost machine.Machine
	log     *eventlog.Logger
	cmds    commands
	lock    *flock.Flock

	mu      sync.Mutex
	refs    int
	opened  bool
	channel machine.Channel
	// reader outlives the console shells: there is one per channel.
	reader *consoleReader
	shell  *ConsoleShell
}

// New renders the board commands and prepares the lock. It does not touch
// the board; see Open and PowerOn.
func New(opts Options) (*Board, error) {
	if err := model.ValidateName("board", opts.Board.Name); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid board", err)
	}
	if opts.LabHost == nil {
		return nil, model.NewCLIError(model.ExitBoardError, "board "+opts.Board.Name+" has no lab host")
	}

	data := TemplateData{Name: opts.Board.Name, Board: opts.Board, Lab: opts.Lab, Config: opts.Values}
	var cmds commands
	for _, f := range []struct {
		name string
		text string
		dst  *string
	}{
		{"poweron", opts.Board.PowerOn, &cmds.poweron},
		{"poweroff", opts.Board.PowerOff, &cmds.poweroff},
		{"connect", opts.Board.Connect, &cmds.connect},
		{"console_check", opts.Board.ConsoleCheck, &cmds.consoleCheck},
		{"cleanup", opts.Board.Cleanup, &cmds.cleanup},
	} {
		out, err := Render("board."+f.name, f.text, data)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError, "board "+opts.Board.Name, err)
		}
		*f.dst = out
	}

	lockdir := opts.Lockdir
	if lockdir == "" {
		lockdir = opts.Lab.Lockdir
	}
	if lockdir == "" {
		lockdir = filepath.Join(os.TempDir(), "tbot-locks")
	}

	return &Board{
		cfg:     opts.Board,
		labHost: opts.LabHost,
		log:     opts.Log,
		cmds:    cmds,
		lock:    flock.New(filepath.Join(lockdir, opts.Board.Name+".lock")),
	}, nil
}

// Name returns the board name.
func (b *Board) Name() string {
	return b.cfg.Name
}

// Channel returns the console channel, nil before Open or when the board
// has no connect command.
func (b *Board) Channel() machine.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channel
}

// IsOn reports whether the board is currently powered.
func (b *Board) IsOn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs > 0
}

// Open connects to the board console. It waits connect_wait and fails
// when the connect command already exited by then. Calling Open again is
// a no-op.
func (b *Board) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openLocked(ctx)
}

func (b *Board) openLocked(ctx context.Context) error {
	if b.opened {
		return nil
	}

	if b.cmds.connect != "" {
		opener, ok := machine.AsChannelOpener(b.labHost)
		if !ok {
			return model.NewCLIError(model.ExitBoardError,
				fmt.Sprintf("board %s: lab host %s cannot open a console channel", b.cfg.Name, b.labHost.Name()))
		}
		ch, err := opener.NewChannel(ctx, b.cmds.connect)
		if err != nil {
			return model.WrapCLIError(model.ExitBoardError, "could not connect to board "+b.cfg.Name, err)
		}
		b.channel = ch
	}

	if b.cfg.ConnectWait > 0 {
		select {
		case <-time.After(b.cfg.ConnectWait):
		case <-ctx.Done():
			b.closeChannelLocked()
			return ctx.Err()
		}
	}

	if b.channel != nil {
		if !b.channel.IsOpen() {
			b.closeChannelLocked()
			return model.NewCLIError(model.ExitBoardError, "could not connect to board "+b.cfg.Name)
		}
		if b.cmds.cleanup != "" {
			b.channel.RegisterCleanup(func(machine.Channel) { b.runCleanup() })
		}
		b.reader = newConsoleReader(b.channel)
	}
	b.opened = true
	return nil
}

// runCleanup runs the cleanup command after the console channel closed.
// Its failure is only logged: the run is already over at that point.
func (b *Board) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := machine.Exec0(ctx, b.labHost, b.cmds.cleanup); err != nil && b.log != nil {
		b.log.Warn("board cleanup failed", "board", b.cfg.Name, "err", err)
	}
}

// PowerOn switches the board on. Only the outermost call locks the board,
// runs console_check and the poweron command; nested calls just count.
func (b *Board) PowerOn(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refs++
	if b.refs > 1 {
		return nil
	}
	if err := b.powerOnLocked(ctx); err != nil {
		b.refs = 0
		return err
	}
	return nil
}

func (b *Board) powerOnLocked(ctx context.Context) error {
	if err := b.acquireLock(ctx); err != nil {
		return err
	}
	if err := b.openLocked(ctx); err != nil {
		b.releaseLock()
		return err
	}

	if b.cmds.consoleCheck != "" {
		if _, err := machine.Exec0(ctx, b.labHost, b.cmds.consoleCheck); err != nil {
			b.releaseLock()
			return model.WrapCLIError(model.ExitBoardError,
				fmt.Sprintf("board %s: console is occupied", b.cfg.Name), err)
		}
	}

	if b.log != nil {
		b.log.BoardOn(b.cfg.Name)
	}
	if b.cmds.poweron != "" {
		if _, err := machine.Exec0(ctx, b.labHost, b.cmds.poweron); err != nil {
			b.releaseLock()
			return model.WrapCLIError(model.ExitBoardError,
				fmt.Sprintf("board %s: power on failed", b.cfg.Name), err)
		}
	}
	return nil
}

// PowerOff undoes one PowerOn. The last call runs the poweroff command and
// releases the board lock.
func (b *Board) PowerOff(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs == 0 {
		return nil
	}
	b.refs--
	if b.refs > 0 {
		return nil
	}
	return b.powerOffLocked(ctx)
}

func (b *Board) powerOffLocked(ctx context.Context) error {
	defer b.releaseLock()

	// The console shell does not survive a power cycle. The reader does,
	// minus whatever the old boot left unread.
	b.shell = nil
	if b.reader != nil {
		defer b.reader.drain()
	}

	if b.log != nil {
		b.log.BoardOff(b.cfg.Name)
	}
	if b.cmds.poweroff == "" {
		return nil
	}
	if _, err := machine.Exec0(ctx, b.labHost, b.cmds.poweroff); err != nil {
		return model.WrapCLIError(model.ExitBoardError,
			fmt.Sprintf("board %s: power off failed", b.cfg.Name), err)
	}
	return nil
}

// With powers the board on around fn. The board is powered off even when
// fn fails; fn's error wins over a power off error.
func (b *Board) With(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := b.PowerOn(ctx); err != nil {
		return err
	}
	defer func() {
		// Power off must run even if ctx was cancelled.
		offErr := b.PowerOff(context.WithoutCancel(ctx))
		if err == nil {
			err = offErr
		}
	}()
	return fn(ctx)
}

// Shell returns the U-Boot shell on the board console, booting into it on
// first use after power on. The board must be on.
func (b *Board) Shell(ctx context.Context) (*ConsoleShell, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs == 0 {
		return nil, model.NewCLIError(model.ExitBoardError, "board "+b.cfg.Name+" is not powered on")
	}
	if b.shell != nil {
		return b.shell, nil
	}
	if b.channel == nil {
		return nil, model.NewCLIError(model.ExitBoardError, "board "+b.cfg.Name+" has no console (board.connect is not set)")
	}

	sh := newConsoleShell("board", b.channel, b.reader, ConsoleOptions{
		Prompt:         b.cfg.Prompt,
		AutobootPrompt: b.cfg.AutobootPrompt,
		BootTimeout:    b.cfg.BootTimeout,
	})
	if err := sh.Boot(ctx); err != nil {
		return nil, model.WrapCLIError(model.ExitBoardError, "board "+b.cfg.Name+": failed to reach U-Boot", err)
	}
	b.shell = sh
	return sh, nil
}

// Close powers the board off if it is still on and closes the console
// channel, which triggers the cleanup command.
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if b.refs > 0 {
		b.refs = 0
		errs = append(errs, b.powerOffLocked(context.Background()))
	}
	b.closeChannelLocked()
	return errors.Join(errs...)
}

func (b *Board) closeChannelLocked() {
	b.shell = nil
	if b.reader != nil {
		b.reader.stop()
		b.reader = nil
	}
	if b.channel != nil {
		_ = b.channel.Close()
		b.channel = nil
	}
	b.opened = false
}

// acquireLock takes the board lock, waiting while another tbot run holds
// it. Waiting is bounded by ctx.
func (b *Board) acquireLock(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(b.lock.Path()), 0o755); err != nil {
		return model.WrapCLIError(model.ExitBoardError, "failed to create lock directory", err)
	}

	locked, err := b.lock.TryLock()
	if err == nil && !locked {
		if b.log != nil {
			b.log.Info("waiting for board lock", "board", b.cfg.Name, "lock", b.lock.Path())
		}
		locked, err = b.lock.TryLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return model.WrapCLIError(model.ExitBoardError, "failed to lock board "+b.cfg.Name, err)
	}
	if !locked {
		return model.NewCLIError(model.ExitBoardError, "board "+b.cfg.Name+" is locked by another run")
	}
	return nil
}

func (b *Board) releaseLock() {
	if err := b.lock.Unlock(); err != nil && b.log != nil {
		b.log.Warn("failed to unlock board", "board", b.cfg.Name, "err", err)
	}
}
