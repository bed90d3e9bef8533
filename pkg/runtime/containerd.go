package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// Namespace is the containerd namespace CrowdCompute plugin containers run in.
	Namespace = "crowdcompute"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	stderrTailBytes = 4096
)

// ContainerdRuntime spawns plugin sibling containers via a containerd socket.
// Adapted from the teacher's service-container lifecycle manager: pull, create a
// container from an OCI spec, start it as a task, wait/kill/delete it the same way,
// but pointed at a one-shot plugin invocation (argv + scratch-dir bind mount) instead
// of a long-lived service container with secret/volume mounts.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime connects to the containerd socket at socketPath (defaulting to
// DefaultSocketPath).
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &ContainerdRuntime{client: client, namespace: Namespace}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Spawn pulls spec.Image if needed, binds spec.ScratchDir as the container's working
// directory at /work, and starts spec.Argv as the entrypoint.
func (r *ContainerdRuntime) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	if err != nil {
		return "", fmt.Errorf("pull image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(spec.Argv...),
		oci.WithProcessCwd("/work"),
		oci.WithMounts([]specs.Mount{{
			Source:      spec.ScratchDir,
			Destination: "/work",
			Type:        "bind",
			Options:     []string{"rbind"},
		}}),
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ContainerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ContainerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	stdoutPath := filepath.Join(spec.ScratchDir, ".stdout.log")
	stderrPath := filepath.Join(spec.ScratchDir, ".stderr.log")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return "", fmt.Errorf("create stdout log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return "", fmt.Errorf("create stderr log: %w", err)
	}
	defer stderr.Close()

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("start task: %w", err)
	}

	return Handle(spec.ContainerID), nil
}

// Wait blocks until the container's task exits, returning its exit code and a tail
// of its captured stderr.
func (r *ContainerdRuntime) Wait(ctx context.Context, handle Handle) (ExitResult, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, string(handle))
	if err != nil {
		return ExitResult{}, fmt.Errorf("load container %s: %w", handle, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return ExitResult{}, fmt.Errorf("load task %s: %w", handle, err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return ExitResult{}, fmt.Errorf("wait on task %s: %w", handle, err)
	}
	status := <-statusC

	tail := readStderrTail(r.scratchDirOf(ctx, string(handle)))
	result := ExitResult{ExitCode: int(status.ExitCode()), StderrTail: tail}

	if _, err := task.Delete(ctx); err != nil {
		return result, fmt.Errorf("delete task %s: %w", handle, err)
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return result, fmt.Errorf("delete container %s: %w", handle, err)
	}
	return result, nil
}

// Kill sends SIGTERM, escalating to SIGKILL after a short grace period, and deletes
// the container. Used when the coordinator reassigns a task out from under a worker.
func (r *ContainerdRuntime) Kill(ctx context.Context, handle Handle) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, string(handle))
	if err != nil {
		return nil // already gone
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // not running
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("kill task %s: %w", handle, err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait on killed task %s: %w", handle, err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill task %s: %w", handle, err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("delete task %s: %w", handle, err)
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container %s: %w", handle, err)
	}
	return nil
}

// StreamLogs returns a reader over the container's captured stdout log file. Stderr
// is not included; its tail is returned by Wait in ExitResult.StderrTail.
func (r *ContainerdRuntime) StreamLogs(ctx context.Context, handle Handle) (io.ReadCloser, error) {
	dir := r.scratchDirOf(ctx, string(handle))
	return os.Open(filepath.Join(dir, ".stdout.log"))
}

// scratchDirOf recovers a container's bind-mounted scratch directory. The worker
// tracks this itself in practice; this helper exists so Wait/StreamLogs can locate
// the stderr tail without the caller re-passing the scratch path.
func (r *ContainerdRuntime) scratchDirOf(ctx context.Context, containerID string) string {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return ""
	}
	spec, err := container.Spec(ctx)
	if err != nil || spec == nil {
		return ""
	}
	for _, m := range spec.Mounts {
		if m.Destination == "/work" {
			return m.Source
		}
	}
	return ""
}

func readStderrTail(scratchDir string) string {
	if scratchDir == "" {
		return ""
	}
	f, err := os.Open(filepath.Join(scratchDir, ".stderr.log"))
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := int64(0)
	if info.Size() > stderrTailBytes {
		offset = info.Size() - stderrTailBytes
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return ""
	}
	data, _ := io.ReadAll(bufio.NewReader(f))
	return string(data)
}
