package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeRuntimeSpawnWaitReturnsConfiguredResult(t *testing.T) {
	fr := NewFakeRuntime(map[string]FakeResult{
		"crowd-hashcat-cpu:latest": {ExitCode: 0, StderrTail: ""},
		"crowd-sort-cpu:latest":    {ExitCode: 1, StderrTail: "sort-map: bad shard"},
	})

	h, err := fr.Spawn(context.Background(), Spec{ContainerID: "c1", Image: "crowd-sort-cpu:latest", Argv: []string{"sort-map"}})
	require.NoError(t, err)

	res, err := fr.Wait(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "sort-map: bad shard", res.StderrTail)
}

func TestFakeRuntimeUnknownImageSucceedsByDefault(t *testing.T) {
	fr := NewFakeRuntime(nil)
	h, err := fr.Spawn(context.Background(), Spec{ContainerID: "c1", Image: "anything:latest"})
	require.NoError(t, err)

	res, err := fr.Wait(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestFakeRuntimeSpawnErrorPropagates(t *testing.T) {
	fr := NewFakeRuntime(map[string]FakeResult{
		"broken:latest": {Err: errors.New("image not found")},
	})
	_, err := fr.Spawn(context.Background(), Spec{ContainerID: "c1", Image: "broken:latest"})
	assert.Error(t, err)
}

func TestFakeRuntimeKillMarksHandleKilled(t *testing.T) {
	fr := NewFakeRuntime(map[string]FakeResult{"img": {ExitCode: 0}})
	h, err := fr.Spawn(context.Background(), Spec{ContainerID: "c1", Image: "img"})
	require.NoError(t, err)

	require.NoError(t, fr.Kill(context.Background(), h))

	res, err := fr.Wait(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestFakeRuntimeCallsRecordsArgvInOrder(t *testing.T) {
	fr := NewFakeRuntime(nil)
	_, _ = fr.Spawn(context.Background(), Spec{ContainerID: "c1", Image: "img-a", Argv: []string{"a"}})
	_, _ = fr.Spawn(context.Background(), Spec{ContainerID: "c2", Image: "img-b", Argv: []string{"b"}})

	calls := fr.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "img-a")
	assert.Contains(t, calls[1], "img-b")
}
