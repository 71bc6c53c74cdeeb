// Package docker provides a containerised build host for tbot.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Looking up the configured build container and starting it when it
//     is stopped
//   - Running shell commands inside the container through the exec API,
//     either one exec per command (noenv) or one persistent shell (env)
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
