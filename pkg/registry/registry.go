// Package registry implements the coordinator's authoritative job/task state
// machine: two flat, id-keyed tables (arena-plus-index, breaking the job<->task
// reference cycle) guarded by a single critical section, plus the dispatch
// operations (claim/heartbeat/report) and lease sweeper that sit directly on top of
// it. The Registry is a single owned struct passed into the API handlers and the
// dispatcher; there is no process-global state.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/crowdcompute/pkg/apierr"
	"github.com/cuemby/crowdcompute/pkg/events"
	"github.com/cuemby/crowdcompute/pkg/log"
	"github.com/cuemby/crowdcompute/pkg/metrics"
	"github.com/cuemby/crowdcompute/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskSpec is the initial definition of a task to create as part of a job submission.
// The Registry generates the task's id; the caller (the coordinator API, which alone
// knows about sharding and the artifact store) supplies everything else.
type TaskSpec struct {
	Kind            types.TaskKind
	ShardIndex      int
	HasShardIndex   bool
	PluginKind      string
	Inputs          []string
	ExpectedOutputs []string
	Params          map[string]string
}

// Config bounds the Registry's timing behavior.
type Config struct {
	LeaseTTL   time.Duration
	WorkerTTL  time.Duration
	SameWorkerCooldown time.Duration
}

// DefaultConfig mirrors the defaults named in the worker/coordinator CLI surface.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:           30 * time.Second,
		WorkerTTL:          2 * time.Minute,
		SameWorkerCooldown: 5 * time.Second,
	}
}

// Registry is the in-memory, single-critical-section job/task state machine.
type Registry struct {
	cfg    Config
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*types.Job
	tasks   map[string]*types.Task
	workers map[string]*types.Worker
}

// New creates a Registry. broker may be nil, in which case lifecycle events are
// dropped rather than published.
func New(cfg Config, broker *events.Broker) *Registry {
	return &Registry{
		cfg:     cfg,
		broker:  broker,
		logger:  log.WithComponent("registry"),
		jobs:    make(map[string]*types.Job),
		tasks:   make(map[string]*types.Task),
		workers: make(map[string]*types.Worker),
	}
}

func (r *Registry) publish(kind events.Kind, jobID, taskID, msg string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Kind: kind, JobID: jobID, TaskID: taskID, Message: msg})
}

// CreateJob creates a job and its initial task set. For shape=single there is
// exactly one TaskSpec of kind single; for shape=map_reduce the specs are the N map
// tasks (the reduce task is created later, when the last map task succeeds).
func (r *Registry) CreateJob(jobID string, shape types.JobShape, mapPlugin, reducePlugin string, shards int, params map[string]string, specs []TaskSpec) (*types.Job, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("registry: job must have at least one task: %w", apierr.ErrBadRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	job := &types.Job{
		ID:           jobID,
		SubmittedAt:  now,
		Shape:        shape,
		MapPlugin:    mapPlugin,
		ReducePlugin: reducePlugin,
		Shards:       shards,
		Params:       params,
		State:        types.JobPending,
	}

	for _, spec := range specs {
		task := r.newTaskLocked(jobID, spec, now)
		job.TaskIDs = append(job.TaskIDs, task.ID)
	}

	r.jobs[jobID] = job
	r.publish(events.JobCreated, jobID, "", string(shape))
	metrics.JobsTotal.WithLabelValues(string(job.State)).Inc()
	r.logger.Info().Str("job_id", jobID).Str("shape", string(shape)).Int("tasks", len(job.TaskIDs)).Msg("job created")
	return cloneJob(job), nil
}

func (r *Registry) newTaskLocked(jobID string, spec TaskSpec, now time.Time) *types.Task {
	task := &types.Task{
		ID:              uuid.NewString(),
		JobID:           jobID,
		Kind:            spec.Kind,
		ShardIndex:      spec.ShardIndex,
		HasShardIndex:   spec.HasShardIndex,
		PluginKind:      spec.PluginKind,
		Inputs:          spec.Inputs,
		ExpectedOutputs: spec.ExpectedOutputs,
		Params:          spec.Params,
		State:           types.TaskPending,
		PendingSince:    now,
	}
	r.tasks[task.ID] = task
	metrics.TasksTotal.WithLabelValues(string(task.State)).Inc()
	r.publish(events.TaskCreated, jobID, task.ID, string(task.Kind))
	return task
}

// GetJob returns a snapshot of the job and its task summaries.
func (r *Registry) GetJob(jobID string) (*types.Job, []types.TaskSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, nil, fmt.Errorf("job %s: %w", jobID, apierr.ErrNotFound)
	}

	summaries := make([]types.TaskSummary, 0, len(job.TaskIDs))
	for _, id := range job.TaskIDs {
		t := r.tasks[id]
		summaries = append(summaries, types.TaskSummary{
			TaskID:     t.ID,
			Kind:       t.Kind,
			State:      t.State,
			RetryCount: t.RetryCount,
			LastError:  t.LastError,
		})
	}
	return cloneJob(job), summaries, nil
}

// TaskJobID returns the job a task belongs to, so a caller (the API layer, to check
// the artifact store before accepting a success report) can resolve it without
// reaching into the Registry's internal tables.
func (r *Registry) TaskJobID(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return "", false
	}
	return task.JobID, true
}

// CancelJob marks a job Cancelled. In-flight holders learn of the cancellation on
// their next Heartbeat call, which returns reassigned.
func (r *Registry) CancelJob(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, apierr.ErrNotFound)
	}
	if isTerminalJobState(job.State) {
		return nil
	}
	prevState := job.State
	job.State = types.JobCancelled
	job.CancelRequested = true
	metrics.JobsTotal.WithLabelValues(string(prevState)).Dec()
	metrics.JobsTotal.WithLabelValues(string(types.JobCancelled)).Inc()
	r.publish(events.JobCancelled, jobID, "", "")
	r.logger.Info().Str("job_id", jobID).Msg("job cancelled")
	return nil
}

// Claim selects the oldest Pending task (FIFO by pending_since, tie-break by task id)
// not in a same-worker cooldown window, transitions it to Assigned, and leases it to
// workerID.
func (r *Registry) Claim(workerID string) (*types.Task, bool) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TaskClaimDuration)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.touchWorkerLocked(workerID, now)

	var candidates []*types.Task
	for _, t := range r.tasks {
		if t.State != types.TaskPending {
			continue
		}
		if job := r.jobs[t.JobID]; job == nil || job.CancelRequested {
			continue
		}
		if t.CooldownWorkerID == workerID && now.Before(t.CooldownUntil) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].PendingSince.Equal(candidates[j].PendingSince) {
			return candidates[i].PendingSince.Before(candidates[j].PendingSince)
		}
		return candidates[i].ID < candidates[j].ID
	})

	task := candidates[0]
	task.State = types.TaskAssigned
	task.Lease = &types.Lease{WorkerID: workerID, IssuedAt: now, ExpiresAt: now.Add(r.cfg.LeaseTTL)}
	metrics.TasksTotal.WithLabelValues(string(types.TaskPending)).Dec()
	metrics.TasksTotal.WithLabelValues(string(types.TaskAssigned)).Inc()
	r.publish(events.TaskAssigned, task.JobID, task.ID, workerID)

	if job := r.jobs[task.JobID]; job != nil && job.State == types.JobPending {
		job.State = types.JobRunning
		metrics.JobsTotal.WithLabelValues(string(types.JobPending)).Dec()
		metrics.JobsTotal.WithLabelValues(string(types.JobRunning)).Inc()
		r.publish(events.JobRunning, job.ID, "", "")
	}

	w := r.workers[workerID]
	w.HeldTaskID = task.ID
	return cloneTask(task), true
}

// HeartbeatStatus is the result of a Heartbeat call.
type HeartbeatStatus string

const (
	HeartbeatOK         HeartbeatStatus = "ok"
	HeartbeatReassigned HeartbeatStatus = "reassigned"
)

// Heartbeat extends workerID's lease on taskID by LeaseTTL. The first heartbeat
// after Assigned moves the task to Running. If the task is no longer held by
// workerID (reassigned, cancelled job, or unknown task) it returns HeartbeatReassigned
// without altering state.
func (r *Registry) Heartbeat(workerID, taskID string) (HeartbeatStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.touchWorkerLocked(workerID, now)

	task, ok := r.tasks[taskID]
	if !ok {
		return HeartbeatReassigned, nil
	}
	if task.Lease == nil || task.Lease.WorkerID != workerID {
		return HeartbeatReassigned, nil
	}
	if task.State != types.TaskAssigned && task.State != types.TaskRunning {
		return HeartbeatReassigned, nil
	}
	if job := r.jobs[task.JobID]; job == nil || job.CancelRequested {
		return HeartbeatReassigned, nil
	}

	task.Lease.ExpiresAt = now.Add(r.cfg.LeaseTTL)
	if task.State == types.TaskAssigned {
		task.State = types.TaskRunning
		metrics.TasksTotal.WithLabelValues(string(types.TaskAssigned)).Dec()
		metrics.TasksTotal.WithLabelValues(string(types.TaskRunning)).Inc()
		r.publish(events.TaskRunning, task.JobID, task.ID, workerID)
	}
	return HeartbeatOK, nil
}

// Report commits a worker's terminal outcome for a task it held. On success the
// caller must already have verified (against the artifact store) that each output
// name in outputNames was finalized; Report itself performs no I/O. On failure,
// errKind/errDetail are recorded and the Registry decides retry vs terminal.
func (r *Registry) Report(workerID, taskID string, outcome types.ReportOutcome, outputNames []string, errKind, errDetail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, apierr.ErrNotFound)
	}
	if task.Lease == nil || task.Lease.WorkerID != workerID {
		return fmt.Errorf("task %s not held by worker %s: %w", taskID, workerID, apierr.ErrLeaseExpired)
	}
	if task.State != types.TaskAssigned && task.State != types.TaskRunning {
		return fmt.Errorf("task %s not in progress: %w", taskID, apierr.ErrLeaseExpired)
	}

	prevState := task.State
	switch outcome {
	case types.OutcomeSuccess:
		if !namesSubset(outputNames, task.ExpectedOutputs) {
			return fmt.Errorf("reported outputs do not match expected_outputs: %w", apierr.ErrBadRequest)
		}
		task.State = types.TaskSucceeded
		task.Lease = nil
		task.ReportedOutputs = outputNames
		metrics.TasksTotal.WithLabelValues(string(prevState)).Dec()
		metrics.TasksTotal.WithLabelValues(string(types.TaskSucceeded)).Inc()
		r.publish(events.TaskSucceeded, task.JobID, task.ID, "")
		r.onTaskSucceededLocked(task)
	case types.OutcomeFailure:
		task.LastError = &types.LastError{Kind: errKind, Detail: errDetail, RecordedAt: time.Now()}
		task.CooldownWorkerID = workerID
		task.CooldownUntil = time.Now().Add(r.cfg.SameWorkerCooldown)
		r.failOrRetryLocked(task, prevState)
	default:
		return fmt.Errorf("unknown outcome %q: %w", outcome, apierr.ErrBadRequest)
	}
	return nil
}

func namesSubset(names, expected []string) bool {
	allowed := make(map[string]bool, len(expected))
	for _, e := range expected {
		allowed[e] = true
	}
	for _, n := range names {
		if !allowed[n] {
			return false
		}
	}
	return true
}

// failOrRetryLocked moves task to Pending (incrementing retry count) if retries
// remain, otherwise to terminal Failed, cascading to job Failed. OutputMissing gets
// its own, lower retry ceiling (types.OutputMissingMaxRetries) rather than the
// generic types.MaxRetries. Caller holds r.mu.
func (r *Registry) failOrRetryLocked(task *types.Task, prevState types.TaskState) {
	task.RetryCount++
	metrics.TasksTotal.WithLabelValues(string(prevState)).Dec()

	maxRetries := types.MaxRetries
	if task.LastError != nil && task.LastError.Kind == types.ErrKindOutputMissing {
		maxRetries = types.OutputMissingMaxRetries
	}

	if task.RetryCount >= maxRetries {
		task.State = types.TaskFailed
		task.Lease = nil
		metrics.TasksTotal.WithLabelValues(string(types.TaskFailed)).Inc()
		r.publish(events.TaskFailed, task.JobID, task.ID, task.LastError.Kind)
		r.failJobLocked(task.JobID, task.LastError)
		return
	}

	task.State = types.TaskPending
	task.Lease = nil
	task.PendingSince = time.Now()
	metrics.TasksTotal.WithLabelValues(string(types.TaskPending)).Inc()
	r.publish(events.TaskRetried, task.JobID, task.ID, fmt.Sprintf("retry %d", task.RetryCount))
}

func (r *Registry) failJobLocked(jobID string, lastErr *types.LastError) {
	job := r.jobs[jobID]
	if job == nil || isTerminalJobState(job.State) {
		return
	}
	prevState := job.State
	job.State = types.JobFailed
	job.LastError = lastErr
	metrics.JobsTotal.WithLabelValues(string(prevState)).Dec()
	metrics.JobsTotal.WithLabelValues(string(types.JobFailed)).Inc()
	r.publish(events.JobFailed, jobID, "", lastErr.Kind)
	r.logger.Warn().Str("job_id", jobID).Str("error_kind", lastErr.Kind).Msg("job failed")
}

// onTaskSucceededLocked handles the cascades triggered by a task reaching Succeeded:
// reduce-task creation once all map tasks are done, or job success for the terminal
// task of a job. Caller holds r.mu.
func (r *Registry) onTaskSucceededLocked(task *types.Task) {
	job := r.jobs[task.JobID]
	if job == nil {
		return
	}

	switch task.Kind {
	case types.TaskKindSingle:
		r.succeedJobLocked(job, task.ReportedOutputs)
	case types.TaskKindReduce:
		r.succeedJobLocked(job, task.ReportedOutputs)
	case types.TaskKindMap:
		r.maybeCreateReduceTaskLocked(job)
	}
}

func (r *Registry) succeedJobLocked(job *types.Job, outputs []string) {
	if isTerminalJobState(job.State) {
		return
	}
	prevState := job.State
	job.State = types.JobSucceeded
	if len(outputs) > 0 {
		job.FinalOutput = outputs[0]
	}
	metrics.JobsTotal.WithLabelValues(string(prevState)).Dec()
	metrics.JobsTotal.WithLabelValues(string(types.JobSucceeded)).Inc()
	r.publish(events.JobSucceeded, job.ID, "", job.FinalOutput)
	r.logger.Info().Str("job_id", job.ID).Str("final_output", job.FinalOutput).Msg("job succeeded")
}

// maybeCreateReduceTaskLocked creates the single reduce task for a map_reduce job
// once every map task has reached Succeeded. Inputs are ordered by shard index.
func (r *Registry) maybeCreateReduceTaskLocked(job *types.Job) {
	if job.Shape != types.JobShapeMapReduce {
		return
	}

	type mapOutput struct {
		index int
		name  string
	}
	var mapTasks []*types.Task
	for _, id := range job.TaskIDs {
		t := r.tasks[id]
		if t.Kind == types.TaskKindMap {
			mapTasks = append(mapTasks, t)
		}
	}
	for _, t := range mapTasks {
		if t.State != types.TaskSucceeded {
			return // not all map tasks done yet
		}
	}
	for _, id := range job.TaskIDs {
		if r.tasks[id].Kind == types.TaskKindReduce {
			return // already created
		}
	}

	outputs := make([]mapOutput, 0, len(mapTasks))
	for _, t := range mapTasks {
		if len(t.ReportedOutputs) == 0 {
			continue
		}
		outputs = append(outputs, mapOutput{index: t.ShardIndex, name: t.ReportedOutputs[0]})
	}
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].index < outputs[j].index })

	inputs := make([]string, len(outputs))
	for i, o := range outputs {
		inputs[i] = o.name
	}

	spec := TaskSpec{
		Kind:            types.TaskKindReduce,
		PluginKind:      job.ReducePlugin,
		Inputs:          inputs,
		ExpectedOutputs: []string{"final.txt"},
		Params:          job.Params,
	}
	reduceTask := r.newTaskLocked(job.ID, spec, time.Now())
	job.TaskIDs = append(job.TaskIDs, reduceTask.ID)
	r.logger.Info().Str("job_id", job.ID).Str("task_id", reduceTask.ID).Msg("reduce task created")
}

func (r *Registry) touchWorkerLocked(workerID string, now time.Time) {
	w, ok := r.workers[workerID]
	if !ok {
		w = &types.Worker{ID: workerID}
		r.workers[workerID] = w
	}
	w.LastHeartbeat = now
}

// Sweep finds tasks whose lease has expired and that are not Succeeded, returning
// them to Pending with an incremented retry count, and forgets workers silent for
// longer than WorkerTTL. Intended to be called periodically by the dispatcher.
func (r *Registry) Sweep() (reclaimed, forgotten int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, task := range r.tasks {
		if task.State != types.TaskAssigned && task.State != types.TaskRunning {
			continue
		}
		if task.Lease == nil || !task.Lease.Expired(now) {
			continue
		}
		prevState := task.State
		task.LastError = &types.LastError{Kind: "LeaseExpired", Detail: "worker heartbeat silent past lease TTL", RecordedAt: now}
		task.CooldownWorkerID = task.Lease.WorkerID
		task.CooldownUntil = now.Add(r.cfg.SameWorkerCooldown)
		r.failOrRetryLocked(task, prevState)
		reclaimed++
	}

	for id, w := range r.workers {
		if now.Sub(w.LastHeartbeat) > r.cfg.WorkerTTL {
			delete(r.workers, id)
			forgotten++
		}
	}

	if reclaimed > 0 {
		metrics.TasksReclaimedTotal.Add(float64(reclaimed))
	}
	if forgotten > 0 {
		metrics.WorkersForgottenTotal.Add(float64(forgotten))
	}
	return reclaimed, forgotten
}

func isTerminalJobState(s types.JobState) bool {
	return s == types.JobSucceeded || s == types.JobFailed || s == types.JobCancelled
}

func cloneJob(j *types.Job) *types.Job {
	cp := *j
	cp.TaskIDs = append([]string(nil), j.TaskIDs...)
	if j.Params != nil {
		cp.Params = make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			cp.Params[k] = v
		}
	}
	return &cp
}

func cloneTask(t *types.Task) *types.Task {
	cp := *t
	cp.Inputs = append([]string(nil), t.Inputs...)
	cp.ExpectedOutputs = append([]string(nil), t.ExpectedOutputs...)
	if t.Lease != nil {
		lease := *t.Lease
		cp.Lease = &lease
	}
	return &cp
}
