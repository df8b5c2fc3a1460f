package rebuilding

import (
	"testing"

	"github.com/logdevice/logdevice/pkg/eventlog"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestRecordNeedsRebuildChecksCopysetIntersection(t *testing.T) {
	dirty := types.ShardID{Node: 1, Shard: 0}
	clean := types.ShardID{Node: 2, Shard: 0}
	planner := NewRebuildingPlanner(eventlog.RebuildingSet{
		dirty: &eventlog.ShardRebuildState{RestartVersion: 1},
	})

	require.True(t, planner.RecordNeedsRebuild(types.Record{Copyset: []types.ShardID{dirty, clean}}))
	require.False(t, planner.RecordNeedsRebuild(types.Record{Copyset: []types.ShardID{clean}}))
}

func TestIntersectsDirtyRangeFullyDirtyShardMatchesEverything(t *testing.T) {
	dirty := types.ShardID{Node: 1, Shard: 0}
	planner := NewRebuildingPlanner(eventlog.RebuildingSet{
		dirty: &eventlog.ShardRebuildState{},
	})
	require.True(t, planner.IntersectsDirtyRange(types.Record{Copyset: []types.ShardID{dirty}, Timestamp: 123456}))
}

func TestIntersectsDirtyRangeRespectsRecordedRanges(t *testing.T) {
	dirty := types.ShardID{Node: 1, Shard: 0}
	planner := NewRebuildingPlanner(eventlog.RebuildingSet{
		dirty: &eventlog.ShardRebuildState{DirtyRanges: []eventlog.TimeRange{{Start: 100, End: 200}}},
	})

	require.True(t, planner.IntersectsDirtyRange(types.Record{Copyset: []types.ShardID{dirty}, Timestamp: 150}))
	require.False(t, planner.IntersectsDirtyRange(types.Record{Copyset: []types.ShardID{dirty}, Timestamp: 500}))
}

func TestNonDirtyCopysetExcludesDirtyShards(t *testing.T) {
	dirty := types.ShardID{Node: 1, Shard: 0}
	clean := types.ShardID{Node: 2, Shard: 0}
	planner := NewRebuildingPlanner(eventlog.RebuildingSet{dirty: &eventlog.ShardRebuildState{}})

	got := planner.NonDirtyCopyset(types.Record{Copyset: []types.ShardID{dirty, clean}})
	require.Equal(t, []types.ShardID{clean}, got)
}

func TestAuthoritativeFalseWhenDirtySetTooLarge(t *testing.T) {
	a := types.ShardID{Node: 1, Shard: 0}
	b := types.ShardID{Node: 2, Shard: 0}
	planner := NewRebuildingPlanner(eventlog.RebuildingSet{
		a: &eventlog.ShardRebuildState{},
		b: &eventlog.ShardRebuildState{},
	})

	nodeset := []types.ShardID{a, b}
	require.False(t, planner.Authoritative(nodeset, 1), "both nodeset members are dirty, none remain")
}

func TestAuthoritativeTrueWithEnoughCleanCapacity(t *testing.T) {
	a := types.ShardID{Node: 1, Shard: 0}
	b := types.ShardID{Node: 2, Shard: 0}
	c := types.ShardID{Node: 3, Shard: 0}
	planner := NewRebuildingPlanner(eventlog.RebuildingSet{a: &eventlog.ShardRebuildState{}})

	require.True(t, planner.Authoritative([]types.ShardID{a, b, c}, 2))
}
