package eventlog

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, f *FSM, index uint64, d Delta) {
	t.Helper()
	data, err := json.Marshal(d)
	require.NoError(t, err)
	res := f.Apply(&raft.Log{Index: index, Data: data})
	if err, ok := res.(error); ok {
		require.NoError(t, err)
	}
}

func TestNeedsRebuildThenAckRemovesFromSet(t *testing.T) {
	f := New()
	shard := types.ShardID{Node: 1, Shard: 0}

	apply(t, f, 1, Delta{Type: ShardNeedsRebuild, ShardID: shard, RestartVersion: 1})
	set := f.Current()
	require.Contains(t, set, shard)
	require.True(t, set[shard].Authoritative)

	apply(t, f, 2, Delta{Type: ShardAckRebuilt, ShardID: shard, RestartVersion: 1})
	require.NotContains(t, f.Current(), shard)
}

func TestIsRebuiltIgnoresStaleRestartVersion(t *testing.T) {
	f := New()
	shard := types.ShardID{Node: 2, Shard: 1}

	apply(t, f, 1, Delta{Type: ShardNeedsRebuild, ShardID: shard, RestartVersion: 5})
	apply(t, f, 2, Delta{Type: ShardIsRebuilt, ShardID: shard, RestartVersion: 3})
	require.Empty(t, f.Current()[shard].DonorsComplete, "stale restart version must not mark a donor complete")

	apply(t, f, 3, Delta{Type: ShardIsRebuilt, ShardID: shard, RestartVersion: 5})
	require.True(t, f.Current()[shard].DonorsComplete[shard.Node])
}

func TestSubscribeReceivesUpdatesInOrder(t *testing.T) {
	f := New()
	sub := f.Subscribe()
	defer f.Unsubscribe(sub)

	shard := types.ShardID{Node: 3, Shard: 0}
	apply(t, f, 1, Delta{Type: ShardNeedsRebuild, ShardID: shard, RestartVersion: 1})
	apply(t, f, 2, Delta{Type: ShardAckRebuilt, ShardID: shard, RestartVersion: 1})

	first := <-sub
	require.Equal(t, uint64(1), first.Version)
	require.Equal(t, ShardNeedsRebuild, first.Delta.Type)

	second := <-sub
	require.Equal(t, uint64(2), second.Version)
	require.Equal(t, ShardAckRebuilt, second.Delta.Type)
}

func TestUnrecoverableClearsAuthoritative(t *testing.T) {
	f := New()
	shard := types.ShardID{Node: 4, Shard: 0}

	apply(t, f, 1, Delta{Type: ShardNeedsRebuild, ShardID: shard, RestartVersion: 1})
	apply(t, f, 2, Delta{Type: ShardUnrecoverable, ShardID: shard})
	require.False(t, f.Current()[shard].Authoritative)
}

func TestShardIDMapKeyRoundTripsThroughJSON(t *testing.T) {
	set := RebuildingSet{
		{Node: 9, Shard: 2}: {Version: 1, RestartVersion: 1, Authoritative: true, DonorsComplete: map[types.NodeIndex]bool{9: true}},
	}
	data, err := json.Marshal(set)
	require.NoError(t, err)

	var out RebuildingSet
	require.NoError(t, json.Unmarshal(data, &out))
	require.Contains(t, out, types.ShardID{Node: 9, Shard: 2})
}
