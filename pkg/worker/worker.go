// Package worker implements the worker agent's main loop: poll the coordinator for
// a task, resolve its plugin kind, download declared inputs into a scratch
// directory, spawn a sibling container through the runtime capability interface,
// heartbeat while it runs, upload declared outputs, and report the outcome.
// Adapted from the teacher's heartbeatLoop/containerExecutorLoop/executeContainer
// split (concurrent heartbeat goroutine alongside a container-wait, deferred
// cleanup, monitor-until-terminal-state), repointed from "sync assigned service
// containers" to "claim exactly one task, run it to completion, report, repeat."
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/crowdcompute/pkg/apiclient"
	"github.com/cuemby/crowdcompute/pkg/apierr"
	"github.com/cuemby/crowdcompute/pkg/log"
	"github.com/cuemby/crowdcompute/pkg/metrics"
	"github.com/cuemby/crowdcompute/pkg/plugin"
	"github.com/cuemby/crowdcompute/pkg/registry"
	"github.com/cuemby/crowdcompute/pkg/runtime"
	"github.com/cuemby/crowdcompute/pkg/types"
	"github.com/rs/zerolog"
)

// Config bounds a Worker's polling, leasing, and scratch-space behavior.
type Config struct {
	WorkerID         string
	BasePollInterval time.Duration
	MaxPollInterval  time.Duration
	LeaseTTL         time.Duration
	ScratchRoot      string
}

// DefaultConfig mirrors the intervals named in the worker agent's CLI surface.
func DefaultConfig() Config {
	return Config{
		BasePollInterval: 500 * time.Millisecond,
		MaxPollInterval:  10 * time.Second,
		LeaseTTL:         30 * time.Second,
		ScratchRoot:      os.TempDir(),
	}
}

// Worker polls the coordinator for one task at a time and runs it to completion.
type Worker struct {
	cfg     Config
	client  *apiclient.Client
	runtime runtime.Runtime
	plugins *plugin.Registry
	logger  zerolog.Logger
}

// New creates a Worker. plugins defaults to plugin.BuiltinDescriptors() if nil.
func New(cfg Config, client *apiclient.Client, rt runtime.Runtime, plugins *plugin.Registry) *Worker {
	if plugins == nil {
		plugins = plugin.NewRegistry(plugin.BuiltinDescriptors()...)
	}
	if cfg.BasePollInterval <= 0 {
		cfg.BasePollInterval = 500 * time.Millisecond
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = 10 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	return &Worker{
		cfg:     cfg,
		client:  client,
		runtime: rt,
		plugins: plugins,
		logger:  log.WithWorkerID(cfg.WorkerID),
	}
}

// Run polls the coordinator until ctx is cancelled, executing at most one task at a
// time. A single task's failure never stops the loop; Run only returns when ctx is
// done, mirroring the teacher's stopCh-gated goroutine loops.
func (w *Worker) Run(ctx context.Context) {
	backoff := w.cfg.BasePollInterval
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker shutting down")
			return
		default:
		}

		task, err := w.client.ClaimTask(ctx, w.cfg.WorkerID)
		if err != nil {
			w.logger.Warn().Err(err).Msg("claim failed")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, w.cfg.MaxPollInterval)
			continue
		}
		if task == nil {
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, w.cfg.MaxPollInterval)
			continue
		}

		backoff = w.cfg.BasePollInterval
		metrics.TasksClaimedByWorkerTotal.Inc()
		w.runTask(ctx, task)
	}
}

// nextBackoff grows the interval by a random factor in [1, 2), capped at max, per the
// worker's "[BASE, 2*BASE] growing to MAX_POLL_INTERVAL" jitter policy.
func nextBackoff(cur, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * (1 + rand.Float64()))
	if next > max {
		next = max
	}
	if next < cur {
		next = cur
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// runTask executes one claimed task end to end, converting every failure mode into a
// failure report rather than letting the agent crash.
func (w *Worker) runTask(ctx context.Context, task *apiclient.ClaimedTask) {
	logger := w.logger.With().Str("task_id", task.TaskID).Str("plugin_kind", task.PluginKind).Logger()
	logger.Info().Msg("task claimed")

	descriptor, ok := w.plugins.Lookup(task.PluginKind)
	if !ok {
		logger.Error().Msg("unknown plugin kind")
		w.reportFailure(ctx, task.TaskID, "PluginUnknown", fmt.Sprintf("no plugin descriptor for kind %q", task.PluginKind))
		return
	}

	scratchDir, err := os.MkdirTemp(w.cfg.ScratchRoot, "crowdcompute-"+task.TaskID+"-")
	if err != nil {
		logger.Error().Err(err).Msg("failed to create scratch directory")
		w.reportFailure(ctx, task.TaskID, "InputUnavailable", "failed to allocate scratch directory")
		return
	}
	defer os.RemoveAll(scratchDir)

	inputPaths, err := w.downloadInputs(ctx, task, descriptor, scratchDir)
	if err != nil {
		logger.Warn().Err(err).Msg("input download failed")
		w.reportFailure(ctx, task.TaskID, "InputUnavailable", err.Error())
		return
	}

	outputPaths := localOutputPaths(descriptor, scratchDir)
	argv, err := plugin.Render(descriptor, task.Params, inputPaths, outputPaths)
	if err != nil {
		logger.Error().Err(err).Msg("argv render failed")
		w.reportFailure(ctx, task.TaskID, "PluginUnknown", err.Error())
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	hbDone := make(chan struct{})
	reassigned := make(chan struct{})
	go w.heartbeatLoop(runCtx, task.TaskID, hbDone, reassigned)

	timer := metrics.NewTimer()
	handle, err := w.runtime.Spawn(runCtx, runtime.Spec{
		ContainerID: task.TaskID,
		Image:       descriptor.Image,
		Argv:        argv,
		ScratchDir:  scratchDir,
	})
	if err != nil {
		close(hbDone)
		logger.Error().Err(err).Msg("spawn failed")
		w.reportFailure(ctx, task.TaskID, "PluginExit", err.Error())
		return
	}

	type waitOutcome struct {
		res runtime.ExitResult
		err error
	}
	waitCh := make(chan waitOutcome, 1)
	go func() {
		res, err := w.runtime.Wait(runCtx, handle)
		waitCh <- waitOutcome{res, err}
	}()

	var outcome waitOutcome
	select {
	case outcome = <-waitCh:
	case <-reassigned:
		logger.Info().Msg("task reassigned; killing sibling container")
		_ = w.runtime.Kill(ctx, handle)
		close(hbDone)
		return
	}
	close(hbDone)
	timer.ObserveDurationVec(metrics.PluginExecutionDuration, task.PluginKind)

	if outcome.err != nil {
		logger.Error().Err(outcome.err).Msg("wait failed")
		w.reportFailure(ctx, task.TaskID, "PluginExit", outcome.err.Error())
		return
	}
	if outcome.res.ExitCode != 0 {
		logger.Warn().Int("exit_code", outcome.res.ExitCode).Msg("plugin exited non-zero")
		w.reportFailure(ctx, task.TaskID, "PluginExit", fmt.Sprintf("exit code %d: %s", outcome.res.ExitCode, outcome.res.StderrTail))
		return
	}

	uploaded, err := w.uploadOutputs(ctx, task, descriptor, scratchDir)
	if err != nil {
		logger.Warn().Err(err).Msg("output missing or upload failed")
		w.reportFailure(ctx, task.TaskID, types.ErrKindOutputMissing, err.Error())
		return
	}

	if err := w.client.ReportSuccess(ctx, w.cfg.WorkerID, task.TaskID, uploaded); err != nil {
		logger.Error().Err(err).Msg("report success failed")
		return
	}
	logger.Info().Strs("outputs", uploaded).Msg("task succeeded")
}

func (w *Worker) reportFailure(ctx context.Context, taskID, kind, detail string) {
	if err := w.client.ReportFailure(ctx, w.cfg.WorkerID, taskID, kind, detail); err != nil {
		w.logger.Error().Err(err).Str("task_id", taskID).Msg("report failure failed")
	}
}

// heartbeatLoop extends the task's lease at LeaseTTL/3 until hbDone is closed. If the
// coordinator reports the task reassigned, it closes reassigned once and stops.
func (w *Worker) heartbeatLoop(ctx context.Context, taskID string, hbDone, reassigned chan struct{}) {
	interval := w.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status, err := w.client.Heartbeat(ctx, w.cfg.WorkerID, taskID)
			if err != nil {
				w.logger.Warn().Err(err).Str("task_id", taskID).Msg("heartbeat failed")
				continue
			}
			if status == registry.HeartbeatReassigned {
				close(reassigned)
				return
			}
		case <-hbDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// downloadInputs fetches each declared input artifact into scratchDir under the
// local filename the plugin descriptor expects, returning a map from that local
// token name to its full path for argv rendering. When the descriptor's expected
// input count doesn't match the task's declared inputs (the reduce plugin, whose
// input count is variable), artifacts are downloaded under their own names instead.
func (w *Worker) downloadInputs(ctx context.Context, task *apiclient.ClaimedTask, d plugin.Descriptor, scratchDir string) (map[string]string, error) {
	positional := len(d.ExpectedInputs) == len(task.Inputs) && len(d.ExpectedInputs) > 0
	paths := make(map[string]string, len(task.Inputs))

	for i, name := range task.Inputs {
		localName := name
		if positional {
			localName = d.ExpectedInputs[i]
		}
		data, err := w.client.DownloadArtifact(ctx, task.JobID, name)
		if err != nil {
			return nil, fmt.Errorf("download input %q: %w", name, err)
		}
		path := filepath.Join(scratchDir, localName)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("write input %q to scratch: %w", name, err)
		}
		paths[localName] = path
	}
	return paths, nil
}

// localOutputPaths maps each of the plugin's expected local output filenames to its
// scratch-directory path, for argv rendering.
func localOutputPaths(d plugin.Descriptor, scratchDir string) map[string]string {
	paths := make(map[string]string, len(d.ExpectedOutputs))
	for _, name := range d.ExpectedOutputs {
		paths[name] = filepath.Join(scratchDir, name)
	}
	return paths
}

// uploadOutputs reads each local output file the descriptor expects and uploads it
// under the declared artifact name the task's ExpectedOutputs specify (positional
// pairing with the descriptor's own ExpectedOutputs), returning the uploaded names.
// A missing local file is reported as apierr.ErrOutputMissing.
func (w *Worker) uploadOutputs(ctx context.Context, task *apiclient.ClaimedTask, d plugin.Descriptor, scratchDir string) ([]string, error) {
	positional := len(d.ExpectedOutputs) == len(task.ExpectedOutputs) && len(d.ExpectedOutputs) > 0
	uploaded := make([]string, 0, len(d.ExpectedOutputs))

	for i, localName := range d.ExpectedOutputs {
		artifactName := localName
		if positional {
			artifactName = task.ExpectedOutputs[i]
		}
		data, err := os.ReadFile(filepath.Join(scratchDir, localName))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", localName, apierr.ErrOutputMissing)
		}
		if err := w.client.UploadArtifact(ctx, task.JobID, artifactName, data); err != nil {
			return nil, fmt.Errorf("upload output %q: %w", artifactName, err)
		}
		uploaded = append(uploaded, artifactName)
	}
	return uploaded, nil
}
