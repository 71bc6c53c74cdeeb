package cli

import (
	"context"

	"github.com/shinji-kodama/tbot/internal/board"
	"github.com/shinji-kodama/tbot/internal/config"
	"github.com/shinji-kodama/tbot/internal/docker"
	"github.com/shinji-kodama/tbot/internal/eventlog"
	"github.com/shinji-kodama/tbot/internal/machine"
	"github.com/shinji-kodama/tbot/internal/model"
	"github.com/shinji-kodama/tbot/internal/testcase"
)

// openEnv connects the lab host and the build host described by cfg. The
// returned func closes them; the board is closed by the runner.
func openEnv(ctx context.Context, cfg *config.Config, log *eventlog.Logger) (testcase.Env, func(), error) {
	lab, err := cfg.Lab()
	if err != nil {
		return testcase.Env{}, nil, model.WrapCLIError(model.ExitConfigError, "invalid lab config", err)
	}
	build, err := cfg.Build()
	if err != nil {
		return testcase.Env{}, nil, model.WrapCLIError(model.ExitConfigError, "invalid build config", err)
	}

	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	labHost, err := openLabHost(ctx, lab)
	if err != nil {
		return testcase.Env{}, nil, err
	}
	closers = append(closers, labHost.Close)
	VerboseLog("Lab host %s ready (%s mode)", labHost.Name(), lab.Shell)

	env := testcase.Env{Lab: machine.Logged(labHost, log)}

	if build.Host == "docker" {
		cli, err := docker.NewClient()
		if err != nil {
			closeAll()
			return testcase.Env{}, nil, err
		}
		closers = append(closers, cli.Close)
		if err := cli.Ping(ctx); err != nil {
			closeAll()
			return testcase.Env{}, nil, err
		}
		host, err := docker.NewHost(ctx, cli.API(), docker.HostOptions{
			Container: build.Container,
			Mode:      lab.Shell,
		})
		if err != nil {
			closeAll()
			return testcase.Env{}, nil, err
		}
		closers = append(closers, host.Close)
		VerboseLog("Build host is container %s", build.Container)
		env.Build = machine.Logged(host, log)
	}

	values := cfg.Values()
	env.OpenBoard = func(ctx context.Context) (*board.Board, error) {
		bc, err := cfg.Board()
		if err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError, "invalid board config", err)
		}
		b, err := board.New(board.Options{
			Board:   bc,
			Lab:     lab,
			Values:  values,
			LabHost: env.Lab,
			Log:     log,
		})
		if err != nil {
			return nil, err
		}
		if err := b.Open(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		return b, nil
	}

	return env, closeAll, nil
}

// openLabHost dials the lab host over SSH, or starts a local shell when
// no hostname is configured.
func openLabHost(ctx context.Context, lab config.LabConfig) (machine.Machine, error) {
	name := lab.Name
	if name == "" {
		name = "labhost"
	}

	if lab.Hostname != "" {
		VerboseLog("Connecting to %s@%s:%d", lab.User, lab.Hostname, lab.Port)
		h, err := machine.DialSSH(ctx, machine.SSHOptions{
			Name:            name,
			Hostname:        lab.Hostname,
			Port:            lab.Port,
			User:            lab.User,
			Password:        lab.Password,
			Keyfile:         lab.Keyfile,
			KnownHosts:      lab.KnownHosts,
			InsecureHostKey: lab.InsecureHostKey,
			Mode:            lab.Shell,
			Timeout:         lab.ConnectTimeout,
		})
		if err != nil {
			return nil, model.WrapCLIError(model.ExitLabHostError, "failed to connect to lab host "+name, err)
		}
		return h, nil
	}

	if lab.Shell == model.ShellEnv {
		sh, err := machine.NewLocalEnvShell(ctx, name, "")
		if err != nil {
			return nil, model.WrapCLIError(model.ExitLabHostError, "failed to start local shell", err)
		}
		return sh, nil
	}
	return machine.NewLocal(name), nil
}
