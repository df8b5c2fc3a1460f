package sequencer

import (
	"testing"
	"time"

	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/stretchr/testify/require"
)

func testPolicy() PlacementPolicy {
	return PlacementPolicy{
		NodeSet:             []types.ShardID{{Node: 1, Shard: 0}, {Node: 2, Shard: 0}},
		ReplicationProperty: types.ReplicationProperty{types.ScopeNode: 2},
		WriteNodeID:         1,
	}
}

func TestActivateCreatesAndActivatesSequencer(t *testing.T) {
	store := &fakeEpochStore{code: status.OK, md: &types.EpochMetaData{Epoch: 1}}
	as := NewAllSequencers(store, testPolicy(), time.Second)

	code := as.Activate(types.LogID(7), nil, nil, false)
	require.Equal(t, status.OK, code)

	seq, ok := as.FindSequencer(types.LogID(7))
	require.True(t, ok)
	require.Equal(t, StateActive, seq.Snapshot().State)
	require.Len(t, store.reqs, 1)
	require.Equal(t, testPolicy().NodeSet, store.reqs[0].NodeSet)
}

func TestReactivateIfUnregisteredReturnsNotFound(t *testing.T) {
	store := &fakeEpochStore{code: status.OK}
	as := NewAllSequencers(store, testPolicy(), time.Second)

	code := as.ReactivateIf(types.LogID(9), nil, false)
	require.Equal(t, status.NOTFOUND, code)
	require.Empty(t, store.reqs)
}

func TestReactivateIfDoesNotProvision(t *testing.T) {
	store := &fakeEpochStore{code: status.OK, md: &types.EpochMetaData{Epoch: 1}}
	as := NewAllSequencers(store, testPolicy(), time.Second)
	as.Activate(types.LogID(3), nil, nil, false)

	code := as.ReactivateIf(types.LogID(3), nil, false)
	require.Equal(t, status.OK, code)
	require.Len(t, store.reqs, 2)
	require.False(t, store.reqs[1].ProvisionIfEmpty, "reactivation must never provision a fresh epoch")
	require.True(t, store.reqs[0].ProvisionIfEmpty)
}

func TestIsolationFailsActivationFast(t *testing.T) {
	store := &fakeEpochStore{code: status.OK, md: &types.EpochMetaData{Epoch: 1}}
	as := NewAllSequencers(store, testPolicy(), time.Second)
	as.DisableAllSequencersDueToIsolation()

	require.Equal(t, status.AGAIN, as.Activate(types.LogID(1), nil, nil, false))
	require.Empty(t, store.reqs)

	as.ClearIsolation()
	require.Equal(t, status.OK, as.Activate(types.LogID(1), nil, nil, false))
}

func TestActivateAllWaitsForEveryLogToLeaveUnavailable(t *testing.T) {
	store := &fakeEpochStore{code: status.OK, md: &types.EpochMetaData{Epoch: 1}}
	as := NewAllSequencers(store, testPolicy(), time.Second)

	logs := []types.LogID{1, 2, 3}
	err := as.ActivateAll(logs, time.Second)
	require.NoError(t, err)

	for _, l := range logs {
		seq, ok := as.FindSequencer(l)
		require.True(t, ok)
		require.Equal(t, StateActive, seq.Snapshot().State)
	}
}

func TestActivateAllTimesOutWhenStuckUnavailable(t *testing.T) {
	store := &fakeEpochStore{code: status.AGAIN}
	as := NewAllSequencers(store, testPolicy(), time.Second)

	err := as.ActivateAll([]types.LogID{1}, 250*time.Millisecond)
	require.Error(t, err)
}
