// Package types defines the domain model shared by the coordinator and worker agent:
// jobs, tasks, artifacts, and workers, plus the typed-string enums that drive the
// job/task state machine.
package types

import "time"

// JobShape is the shape of a job's task graph.
type JobShape string

const (
	JobShapeSingle    JobShape = "single"
	JobShapeMapReduce JobShape = "map_reduce"
)

// JobState is a job's lifecycle state.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// TaskKind identifies a task's role within its job.
type TaskKind string

const (
	TaskKindSingle TaskKind = "single"
	TaskKindMap    TaskKind = "map"
	TaskKindReduce TaskKind = "reduce"
)

// TaskState is a task's position in the dispatch state machine.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskAssigned  TaskState = "assigned"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// ArtifactRole describes why an artifact exists.
type ArtifactRole string

const (
	ArtifactInput       ArtifactRole = "input"
	ArtifactShard       ArtifactRole = "shard"
	ArtifactTaskOutput  ArtifactRole = "task_output"
	ArtifactFinalOutput ArtifactRole = "final_output"
)

// ReportOutcome is the result a worker reports for a task it held.
type ReportOutcome string

const (
	OutcomeSuccess ReportOutcome = "success"
	OutcomeFailure ReportOutcome = "failure"
)

// MaxRetries is the retry count (failed attempts, lease expiries included) at which a
// task becomes terminally Failed; every earlier failure re-queues it.
const MaxRetries = 3

// ErrKindOutputMissing is the LastError.Kind reported when a plugin exits cleanly
// but one of its declared outputs was never written. It gets a lower retry ceiling
// than MaxRetries: a plugin that silently drops an output is far more likely to keep
// doing so than to recover from a transient fault, so OutputMissingMaxRetries caps it
// at a single retry: the first OutputMissing failure re-queues the task and the
// second fails it outright.
const (
	ErrKindOutputMissing    = "OutputMissing"
	OutputMissingMaxRetries = 2
)

// Lease is a worker's time-bounded claim on a task.
type Lease struct {
	WorkerID  string    `json:"worker_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has passed its expiry at time now.
func (l *Lease) Expired(now time.Time) bool {
	return l == nil || now.After(l.ExpiresAt)
}

// LastError records the most recent failure reported against a task.
type LastError struct {
	Kind         string    `json:"kind"`
	Detail       string    `json:"detail"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Job is a client submission decomposed into one or more tasks.
type Job struct {
	ID              string            `json:"job_id"`
	SubmittedAt     time.Time         `json:"submitted_at"`
	Shape           JobShape          `json:"shape"`
	MapPlugin       string            `json:"map_plugin"`
	ReducePlugin    string            `json:"reduce_plugin,omitempty"`
	Shards          int               `json:"shards,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
	State           JobState          `json:"state"`
	TaskIDs         []string          `json:"task_ids"`
	FinalOutput     string            `json:"final_output_name,omitempty"`
	LastError       *LastError        `json:"last_error,omitempty"`
	CancelRequested bool              `json:"-"`
}

// Task is a unit of work within a job, assignable to at most one worker at a time.
type Task struct {
	ID               string            `json:"task_id"`
	JobID            string            `json:"job_id"`
	Kind             TaskKind          `json:"kind"`
	ShardIndex       int               `json:"shard_index"`
	HasShardIndex    bool              `json:"has_shard_index"`
	PluginKind       string            `json:"plugin_kind"`
	Inputs           []string          `json:"inputs"`
	ExpectedOutputs  []string          `json:"expected_outputs"`
	ReportedOutputs  []string          `json:"reported_outputs,omitempty"`
	Params           map[string]string `json:"params,omitempty"`
	State            TaskState         `json:"state"`
	Lease            *Lease            `json:"lease,omitempty"`
	RetryCount       int               `json:"retry_count"`
	LastError        *LastError        `json:"last_error,omitempty"`
	PendingSince     time.Time         `json:"pending_since"`
	CooldownWorkerID string            `json:"-"`
	CooldownUntil    time.Time         `json:"-"`
}

// Worker is an implicit registration created by a worker's first poll and forgotten
// once its heartbeat has been silent for longer than WorkerTTL.
type Worker struct {
	ID            string    `json:"worker_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	HeldTaskID    string    `json:"held_task_id,omitempty"`
}

// TaskSummary is the client-visible projection of a task returned by GetJob.
type TaskSummary struct {
	TaskID     string     `json:"task_id"`
	Kind       TaskKind   `json:"kind"`
	State      TaskState  `json:"state"`
	RetryCount int        `json:"retry_count"`
	LastError  *LastError `json:"last_error,omitempty"`
}
