package config

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/shinji-kodama/tbot/internal/model"
)

// LabConfig is the typed view of the "lab" section.
type LabConfig struct {
	// Name is the lab identifier given on the command line.
	Name string `mapstructure:"name"`

	// Hostname of the lab host. Empty means the lab host is the local
	// machine and commands run through os/exec.
	Hostname string `mapstructure:"hostname"`

	// Port of the lab host SSH server. Defaults to 22.
	Port int `mapstructure:"port"`

	// User to log in as. Defaults to the current user.
	User string `mapstructure:"user"`

	// Password enables password authentication when set.
	Password string `mapstructure:"password"`

	// Keyfile is the private key used for public key authentication.
	// Defaults to ~/.ssh/id_rsa.
	Keyfile string `mapstructure:"keyfile"`

	// KnownHosts is the known_hosts file used to verify the host key.
	// Defaults to ~/.ssh/known_hosts.
	KnownHosts string `mapstructure:"known_hosts"`

	// InsecureHostKey skips host key verification.
	InsecureHostKey bool `mapstructure:"insecure_hostkey"`

	// Shell selects noenv or env mode for the lab host shell.
	Shell model.ShellMode `mapstructure:"shell"`

	// Workdir is where checkouts and build trees are created.
	Workdir string `mapstructure:"workdir"`

	// Lockdir holds the per-board lock files.
	Lockdir string `mapstructure:"lockdir"`

	// ConnectTimeout bounds the SSH dial.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// BuildConfig is the typed view of the "build" section. It selects the
// machine that compiles software for the board.
type BuildConfig struct {
	// Host is "lab" (build on the lab host, the default) or "docker".
	Host string `mapstructure:"host"`

	// Container is the name or ID of the build container when Host is docker.
	Container string `mapstructure:"container"`

	// Jobs is the make parallelism.
	Jobs int `mapstructure:"jobs"`
}

// BoardConfig is the typed view of the "board" section.
//
// The command fields are text/template strings rendered with the board
// and lab configuration (see board.Render).
type BoardConfig struct {
	// Name of the board, e.g. "at91_taurus".
	Name string `mapstructure:"name"`

	// Toolchain is the key into the "toolchains" section.
	Toolchain string `mapstructure:"toolchain"`

	// Defconfig is the U-Boot defconfig target.
	Defconfig string `mapstructure:"defconfig"`

	// PowerOn is the lab host command that switches the board on.
	PowerOn string `mapstructure:"poweron"`

	// PowerOff is the lab host command that switches the board off.
	PowerOff string `mapstructure:"poweroff"`

	// Connect is the command that attaches to the serial console,
	// e.g. "picocom -b 115200 /dev/tty-{{ .Name }}".
	Connect string `mapstructure:"connect"`

	// ConsoleCheck runs before power on; a non-zero exit means the
	// console is occupied.
	ConsoleCheck string `mapstructure:"console_check"`

	// Cleanup runs on the lab host after the console channel closed.
	Cleanup string `mapstructure:"cleanup"`

	// ConnectWait is how long to wait after connecting before powering on.
	ConnectWait time.Duration `mapstructure:"connect_wait"`

	// Prompt is the U-Boot shell prompt.
	Prompt string `mapstructure:"prompt"`

	// AutobootPrompt is the text U-Boot prints before autobooting.
	AutobootPrompt string `mapstructure:"autoboot_prompt"`

	// BootTimeout bounds waiting for the U-Boot prompt.
	BootTimeout time.Duration `mapstructure:"boot_timeout"`

	// Labs lists the labs this board is available in. Empty means any.
	Labs []string `mapstructure:"labs"`
}

// Lab decodes the "lab" section and applies defaults.
func (c *Config) Lab() (LabConfig, error) {
	lab := LabConfig{
		Port:           22,
		Shell:          model.ShellNoEnv,
		Workdir:        c.Workdir(),
		ConnectTimeout: 10 * time.Second,
	}
	if err := decodeSection(c.Sub("lab"), &lab); err != nil {
		return LabConfig{}, fmt.Errorf("lab config: %w", err)
	}
	if _, err := model.ParseShellMode(string(lab.Shell)); err != nil {
		return LabConfig{}, fmt.Errorf("lab config: %w", err)
	}
	if lab.Shell == "" {
		lab.Shell = model.ShellNoEnv
	}
	return lab, nil
}

// Build decodes the "build" section and applies defaults.
func (c *Config) Build() (BuildConfig, error) {
	b := BuildConfig{Host: "lab", Jobs: 4}
	if err := decodeSection(c.Sub("build"), &b); err != nil {
		return BuildConfig{}, fmt.Errorf("build config: %w", err)
	}
	switch b.Host {
	case "lab", "docker":
	default:
		return BuildConfig{}, fmt.Errorf("build config: invalid host %q (valid: lab, docker)", b.Host)
	}
	if b.Host == "docker" && b.Container == "" {
		return BuildConfig{}, fmt.Errorf("build config: build.container is required when build.host is docker")
	}
	if b.Jobs < 1 {
		return BuildConfig{}, fmt.Errorf("build config: jobs must be at least 1, got %d", b.Jobs)
	}
	return b, nil
}

// Board decodes the "board" section and applies defaults.
func (c *Config) Board() (BoardConfig, error) {
	b := BoardConfig{
		Prompt:         "=> ",
		AutobootPrompt: "Hit any key to stop autoboot",
		BootTimeout:    30 * time.Second,
	}
	if err := decodeSection(c.Sub("board"), &b); err != nil {
		return BoardConfig{}, fmt.Errorf("board config: %w", err)
	}
	return b, nil
}

// Validate enforces cross-section constraints. Currently a board may
// restrict the labs it is reachable from.
func (c *Config) Validate() error {
	board, err := c.Board()
	if err != nil {
		return err
	}
	if _, err := c.Lab(); err != nil {
		return err
	}
	if _, err := c.Build(); err != nil {
		return err
	}
	lab := c.StringOr("lab.name", "")
	if len(board.Labs) > 0 && !slices.Contains(board.Labs, lab) {
		return fmt.Errorf("board %s: only available in lab(s) %v, not in %q", board.Name, board.Labs, lab)
	}
	return nil
}

func decodeSection(section map[string]any, out any) error {
	if section == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       secondsToDurationHook,
	})
	if err != nil {
		return err
	}
	return dec.Decode(section)
}

// secondsToDurationHook lets configs write connect_wait: 1.5 (seconds)
// as well as connect_wait: "1500ms".
func secondsToDurationHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	if from.Kind() == reflect.Int64 && from == to {
		return data, nil
	}
	return toDuration(data)
}
