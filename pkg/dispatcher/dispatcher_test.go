package dispatcher

import (
	"testing"
	"time"

	"github.com/cuemby/crowdcompute/pkg/registry"
	"github.com/cuemby/crowdcompute/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperReclaimsExpiredLeaseInBackground(t *testing.T) {
	cfg := registry.Config{LeaseTTL: 30 * time.Millisecond, WorkerTTL: time.Second, SameWorkerCooldown: time.Millisecond}
	reg := registry.New(cfg, nil)
	_, err := reg.CreateJob("", types.JobShapeSingle, "hashcat", "", 0, nil, []registry.TaskSpec{{
		Kind: types.TaskKindSingle, PluginKind: "hashcat",
		Inputs: []string{"wordlist.txt"}, ExpectedOutputs: []string{"result.txt"},
	}})
	require.NoError(t, err)

	d := New(reg, cfg.LeaseTTL)
	task, ok := d.Claim("worker-1")
	require.True(t, ok)

	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool {
		task2, ok := d.Claim("worker-2")
		return ok && task2.ID == task.ID
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatAndReportDelegateToRegistry(t *testing.T) {
	reg := registry.New(registry.DefaultConfig(), nil)
	_, err := reg.CreateJob("", types.JobShapeSingle, "hashcat", "", 0, nil, []registry.TaskSpec{{
		Kind: types.TaskKindSingle, PluginKind: "hashcat",
		Inputs: []string{"wordlist.txt"}, ExpectedOutputs: []string{"result.txt"},
	}})
	require.NoError(t, err)

	d := New(reg, registry.DefaultConfig().LeaseTTL)
	task, ok := d.Claim("worker-1")
	require.True(t, ok)

	status, err := d.Heartbeat("worker-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.HeartbeatOK, status)

	require.NoError(t, d.Report("worker-1", task.ID, types.OutcomeSuccess, []string{"result.txt"}, "", ""))
}
