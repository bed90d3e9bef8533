// Package runtime hides the sibling-container mechanics behind a small capability
// interface (spawn, wait, kill, stream-logs), per the re-architecture note that the
// worker should stay testable against an in-process fake rather than a real
// containerd socket.
package runtime

import (
	"context"
	"io"
)

// Spec describes one sibling-container invocation: the plugin's image, its rendered
// argv, and the scratch directory bind-mounted as the container's working directory.
type Spec struct {
	ContainerID string
	Image       string
	Argv        []string
	ScratchDir  string
}

// Handle identifies a spawned container for subsequent Wait/Kill/StreamLogs calls.
type Handle string

// ExitResult is the terminal outcome of a spawned container.
type ExitResult struct {
	ExitCode   int
	StderrTail string
}

// Runtime is the capability interface a worker uses to run plugin containers. It is
// satisfied by ContainerdRuntime (a real sibling-container backend) and FakeRuntime
// (an in-process stand-in for tests).
type Runtime interface {
	// Spawn pulls the image if necessary and starts the container, returning a
	// handle to it. The container runs with ScratchDir mounted as its working
	// directory and Argv as its entrypoint arguments.
	Spawn(ctx context.Context, spec Spec) (Handle, error)

	// Wait blocks until the container referenced by handle exits.
	Wait(ctx context.Context, handle Handle) (ExitResult, error)

	// Kill terminates a running container, e.g. on task reassignment.
	Kill(ctx context.Context, handle Handle) error

	// StreamLogs returns a reader over the container's captured log output
	// (ContainerdRuntime: stdout only; FakeRuntime: always empty).
	StreamLogs(ctx context.Context, handle Handle) (io.ReadCloser, error)
}
