// container.go implements the container lifecycle part of a Docker build
// host: looking up the configured container and starting it when it is
// stopped. tbot never creates or removes containers; the build container
// is provisioned outside of tbot and referenced by name in the lab config.
package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	"github.com/shinji-kodama/tbot/internal/model"
)

// API is the subset of the Docker Engine SDK client used by this package.
// *client.Client satisfies it; tests substitute a testify mock.
type API interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// ContainerState is the part of a container's inspect result that a build
// host cares about.
type ContainerState struct {
	ID      string
	Name    string
	Running bool
	Status  string
}

// InspectContainer looks up a container by name or ID.
//
// Returns a model.CLIError with ExitLabHostError if the container does not
// exist or the daemon cannot be queried.
func InspectContainer(ctx context.Context, api API, name string) (ContainerState, error) {
	info, err := api.ContainerInspect(ctx, name)
	if err != nil {
		return ContainerState{}, model.WrapCLIError(
			model.ExitLabHostError,
			fmt.Sprintf("failed to inspect build container %q", name),
			err,
		)
	}
	return stateFromInspect(info), nil
}

// stateFromInspect converts the Docker API inspect result to
// ContainerState. Docker returns container names with a leading "/",
// which is stripped.
func stateFromInspect(info container.InspectResponse) ContainerState {
	st := ContainerState{}
	if info.ContainerJSONBase != nil {
		st.ID = info.ID
		st.Name = strings.TrimPrefix(info.Name, "/")
		if info.State != nil {
			st.Running = info.State.Running
			st.Status = string(info.State.Status)
		}
	}
	return st
}

// EnsureRunning starts the named container if it is not running yet and
// returns its state.
func EnsureRunning(ctx context.Context, api API, name string) (ContainerState, error) {
	st, err := InspectContainer(ctx, api, name)
	if err != nil {
		return st, err
	}
	if st.Running {
		return st, nil
	}

	if err := api.ContainerStart(ctx, st.ID, container.StartOptions{}); err != nil {
		return st, model.WrapCLIError(
			model.ExitLabHostError,
			fmt.Sprintf("failed to start build container %q", name),
			err,
		)
	}
	st.Running = true
	st.Status = "running"
	return st, nil
}
