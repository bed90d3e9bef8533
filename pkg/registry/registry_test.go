package registry

import (
	"testing"
	"time"

	"github.com/cuemby/crowdcompute/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	cfg := Config{LeaseTTL: 50 * time.Millisecond, WorkerTTL: time.Second, SameWorkerCooldown: 10 * time.Millisecond}
	return New(cfg, nil)
}

func singleSpec() TaskSpec {
	return TaskSpec{
		Kind:            types.TaskKindSingle,
		PluginKind:      "hashcat",
		Inputs:          []string{"wordlist.txt"},
		ExpectedOutputs: []string{"result.txt"},
	}
}

func TestCreateJobAndClaim(t *testing.T) {
	r := newTestRegistry()
	job, err := r.CreateJob("", types.JobShapeSingle, "hashcat", "", 0, nil, []TaskSpec{singleSpec()})
	require.NoError(t, err)
	require.Len(t, job.TaskIDs, 1)

	task, ok := r.Claim("worker-1")
	require.True(t, ok)
	assert.Equal(t, types.TaskAssigned, task.State)
	assert.Equal(t, "worker-1", task.Lease.WorkerID)

	_, ok = r.Claim("worker-2")
	assert.False(t, ok, "only one task exists and it is already assigned")
}

func TestHeartbeatMovesToRunningAndRejectsOtherWorker(t *testing.T) {
	r := newTestRegistry()
	job, _ := r.CreateJob("", types.JobShapeSingle, "hashcat", "", 0, nil, []TaskSpec{singleSpec()})
	task, _ := r.Claim("worker-1")

	status, err := r.Heartbeat("worker-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, HeartbeatOK, status)

	status, err = r.Heartbeat("worker-2", task.ID)
	require.NoError(t, err)
	assert.Equal(t, HeartbeatReassigned, status)

	gotJob, summaries, err := r.GetJob(job.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, types.TaskRunning, summaries[0].State)
	assert.Equal(t, types.JobRunning, gotJob.State)
}

func TestReportSuccessSucceedsSingleJob(t *testing.T) {
	r := newTestRegistry()
	job, _ := r.CreateJob("", types.JobShapeSingle, "hashcat", "", 0, nil, []TaskSpec{singleSpec()})
	task, _ := r.Claim("worker-1")

	require.NoError(t, r.Report("worker-1", task.ID, types.OutcomeSuccess, []string{"result.txt"}, "", ""))

	gotJob, summaries, err := r.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, gotJob.State)
	assert.Equal(t, "result.txt", gotJob.FinalOutput)
	assert.Equal(t, types.TaskSucceeded, summaries[0].State)
}

func TestReportRejectsUndeclaredOutputName(t *testing.T) {
	r := newTestRegistry()
	r.CreateJob("", types.JobShapeSingle, "hashcat", "", 0, nil, []TaskSpec{singleSpec()})
	task, _ := r.Claim("worker-1")

	err := r.Report("worker-1", task.ID, types.OutcomeSuccess, []string{"not_declared.txt"}, "", "")
	require.Error(t, err)
}

func TestReportFailureRetriesThenTerminates(t *testing.T) {
	r := newTestRegistry()
	job, _ := r.CreateJob("", types.JobShapeSingle, "hashcat", "", 0, nil, []TaskSpec{singleSpec()})

	var taskID string
	for i := 0; i < types.MaxRetries; i++ {
		task, ok := r.Claim("worker-1")
		require.True(t, ok, "attempt %d", i)
		taskID = task.ID
		require.NoError(t, r.Report("worker-1", task.ID, types.OutcomeFailure, nil, "PluginUnknown", "no descriptor"))

		// allow the same-worker cooldown to elapse so the next Claim can see the task
		time.Sleep(15 * time.Millisecond)
	}

	gotJob, summaries, err := r.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, gotJob.State)
	require.Len(t, summaries, 1)
	assert.Equal(t, types.TaskFailed, summaries[0].State)
	assert.Equal(t, types.MaxRetries, summaries[0].RetryCount)
	assert.Equal(t, taskID, summaries[0].TaskID)
}

func TestOutputMissingFailsAfterOneRetryNotThree(t *testing.T) {
	r := newTestRegistry()
	job, _ := r.CreateJob("", types.JobShapeSingle, "hashcat", "", 0, nil, []TaskSpec{singleSpec()})

	for i := 0; i < types.OutputMissingMaxRetries; i++ {
		task, ok := r.Claim("worker-1")
		require.True(t, ok, "attempt %d", i)
		require.NoError(t, r.Report("worker-1", task.ID, types.OutcomeFailure, nil, types.ErrKindOutputMissing, "result.txt never uploaded"))
		time.Sleep(15 * time.Millisecond)
	}

	gotJob, summaries, err := r.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, gotJob.State)
	require.Len(t, summaries, 1)
	assert.Equal(t, types.TaskFailed, summaries[0].State)
	assert.Equal(t, types.OutputMissingMaxRetries, summaries[0].RetryCount,
		"OutputMissing must fail before the generic MaxRetries ceiling")
}

func TestLeaseExpirySweepRequeuesWithIncrementedRetry(t *testing.T) {
	r := newTestRegistry()
	r.CreateJob("", types.JobShapeSingle, "hashcat", "", 0, nil, []TaskSpec{singleSpec()})
	task, ok := r.Claim("worker-1")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond) // lease TTL is 50ms

	reclaimed, _ := r.Sweep()
	assert.Equal(t, 1, reclaimed)

	time.Sleep(15 * time.Millisecond) // clear same-worker cooldown
	again, ok := r.Claim("worker-2")
	require.True(t, ok)
	assert.Equal(t, task.ID, again.ID)
	assert.Equal(t, 1, again.RetryCount)
}

func TestMapReduceCreatesReduceTaskOnceAllMapsSucceed(t *testing.T) {
	r := newTestRegistry()
	specs := []TaskSpec{
		{Kind: types.TaskKindMap, ShardIndex: 0, HasShardIndex: true, PluginKind: "sort_map", Inputs: []string{"shard-0"}, ExpectedOutputs: []string{"sorted-0.txt"}},
		{Kind: types.TaskKindMap, ShardIndex: 1, HasShardIndex: true, PluginKind: "sort_map", Inputs: []string{"shard-1"}, ExpectedOutputs: []string{"sorted-1.txt"}},
	}
	job, err := r.CreateJob("", types.JobShapeMapReduce, "sort_map", "sort_reduce", 2, nil, specs)
	require.NoError(t, err)
	require.Len(t, job.TaskIDs, 2)

	t1, _ := r.Claim("worker-1")
	require.NoError(t, r.Report("worker-1", t1.ID, types.OutcomeSuccess, []string{t1.ExpectedOutputs[0]}, "", ""))

	_, summaries, _ := r.GetJob(job.ID)
	require.Len(t, summaries, 2, "reduce task must not appear before all maps succeed")

	t2, _ := r.Claim("worker-1")
	require.NoError(t, r.Report("worker-1", t2.ID, types.OutcomeSuccess, []string{t2.ExpectedOutputs[0]}, "", ""))

	gotJob, summaries, err := r.GetJob(job.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	reduce := summaries[2]
	assert.Equal(t, types.TaskKindReduce, reduce.Kind)
	assert.Equal(t, types.TaskPending, reduce.State)
	assert.Equal(t, types.JobRunning, gotJob.State)

	reduceTask, ok := r.Claim("worker-2")
	require.True(t, ok)
	assert.Equal(t, []string{"sorted-0.txt", "sorted-1.txt"}, reduceTask.Inputs, "reduce inputs ordered by shard index")

	require.NoError(t, r.Report("worker-2", reduceTask.ID, types.OutcomeSuccess, []string{"final.txt"}, "", ""))
	gotJob, _, err = r.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, gotJob.State)
	assert.Equal(t, "final.txt", gotJob.FinalOutput)
}

func TestCancelJobBlocksFurtherClaimsAndReassignsHolder(t *testing.T) {
	r := newTestRegistry()
	job, _ := r.CreateJob("", types.JobShapeSingle, "hashcat", "", 0, nil, []TaskSpec{singleSpec()})
	task, ok := r.Claim("worker-1")
	require.True(t, ok)

	require.NoError(t, r.CancelJob(job.ID))

	status, err := r.Heartbeat("worker-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, HeartbeatReassigned, status)

	gotJob, _, err := r.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, gotJob.State)
}
