package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// FakeResult is the canned outcome FakeRuntime returns for containers spawned from a
// given image.
type FakeResult struct {
	ExitCode   int
	StderrTail string
	Err        error // if set, Spawn fails outright instead of producing a handle
}

// FakeRuntime is an in-process stand-in for ContainerdRuntime, keyed by image name,
// so pkg/worker can be exercised without a containerd socket.
type FakeRuntime struct {
	mu          sync.Mutex
	results     map[string]FakeResult
	calls       []string
	handleImage map[Handle]string
	killed      map[Handle]bool
	next        int

	// OnSpawn, if set, runs synchronously inside Spawn and stands in for the
	// plugin payload itself: it receives the rendered Spec (including ScratchDir)
	// and may write the declared output files there. It returns nothing and cannot
	// change Spawn's result; use the results map for failure injection instead.
	OnSpawn func(spec Spec)
}

// NewFakeRuntime creates a FakeRuntime. results maps an image name to the outcome
// Spawn/Wait should produce for containers started from that image; an image with no
// entry succeeds with exit code 0.
func NewFakeRuntime(results map[string]FakeResult) *FakeRuntime {
	return &FakeRuntime{
		results:     results,
		handleImage: make(map[Handle]string),
		killed:      make(map[Handle]bool),
	}
}

func (f *FakeRuntime) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if res, ok := f.results[spec.Image]; ok && res.Err != nil {
		return "", res.Err
	}
	f.next++
	handle := Handle(fmt.Sprintf("fake-%d", f.next))
	f.handleImage[handle] = spec.Image
	f.calls = append(f.calls, fmt.Sprintf("%s:%v", spec.Image, spec.Argv))

	if f.OnSpawn != nil {
		f.OnSpawn(spec)
	}
	return handle, nil
}

func (f *FakeRuntime) Wait(ctx context.Context, handle Handle) (ExitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.killed[handle] {
		return ExitResult{ExitCode: -1, StderrTail: "killed"}, nil
	}
	image := f.handleImage[handle]
	res := f.results[image]
	return ExitResult{ExitCode: res.ExitCode, StderrTail: res.StderrTail}, nil
}

func (f *FakeRuntime) Kill(ctx context.Context, handle Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[handle] = true
	return nil
}

func (f *FakeRuntime) StreamLogs(ctx context.Context, handle Handle) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

// Calls returns the "image:argv" strings recorded for every Spawn call, in order.
func (f *FakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
