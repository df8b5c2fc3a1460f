package rebuilding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/logdevice/logdevice/pkg/config"
	"github.com/logdevice/logdevice/pkg/eventlog"
	"github.com/logdevice/logdevice/pkg/logsdb"
	"github.com/logdevice/logdevice/pkg/storagepool"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/stretchr/testify/require"
)

func openTestLogsdb(t *testing.T) *logsdb.Store {
	t.Helper()
	cfg := config.Default()
	s, err := logsdb.Open(t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeReplicator struct {
	mu   sync.Mutex
	sent []types.Record
	err  error
}

func (f *fakeReplicator) Replicate(ctx context.Context, rec types.Record, copyset []types.ShardID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, rec)
	return nil
}

func (f *fakeReplicator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestShardRebuildingReplicatesDirtyRecordsOnly(t *testing.T) {
	store := openTestLogsdb(t)
	dirty := types.ShardID{Node: 1, Shard: 0}
	clean := types.ShardID{Node: 2, Shard: 0}

	require.NoError(t, store.Put(types.Record{LogID: 1, LSN: types.MakeLSN(1, 1), Timestamp: 100, Copyset: []types.ShardID{dirty, clean}}))
	require.NoError(t, store.Put(types.Record{LogID: 1, LSN: types.MakeLSN(1, 2), Timestamp: 200, Copyset: []types.ShardID{clean}}))
	require.NoError(t, store.Put(types.Record{LogID: 2, LSN: types.MakeLSN(1, 1), Timestamp: 300, Copyset: []types.ShardID{dirty}}))

	planner := NewRebuildingPlanner(eventlog.RebuildingSet{dirty: &eventlog.ShardRebuildState{}})
	replicator := &fakeReplicator{}
	pool := storagepool.New(0, storagepool.Config{NThreads: [storagepool.NumClasses]int{storagepool.ClassSlow: 1}, QueuePerClass: 10, WriteQueuePerClass: 10})
	defer func() { pool.ShutDown(false); pool.Join() }()

	done := make(chan error, 1)
	sr := NewShardRebuilding(planner, 1, 10, 5, replicator, nil, nil, func(err error) { done <- err })
	require.NoError(t, sr.Start(pool, store))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shard rebuilding never completed")
	}

	require.Equal(t, 2, replicator.count(), "only the two records whose copyset includes the dirty shard should be re-replicated")
}

func TestShardRebuildingSkipsAlreadyRebuiltRecords(t *testing.T) {
	store := openTestLogsdb(t)
	dirty := types.ShardID{Node: 1, Shard: 0}

	require.NoError(t, store.Put(types.Record{LogID: 1, LSN: types.MakeLSN(1, 1), Timestamp: 100, Copyset: []types.ShardID{dirty}, Flags: types.StoreRebuilding}))

	planner := NewRebuildingPlanner(eventlog.RebuildingSet{dirty: &eventlog.ShardRebuildState{}})
	replicator := &fakeReplicator{}
	pool := storagepool.New(0, storagepool.Config{NThreads: [storagepool.NumClasses]int{storagepool.ClassSlow: 1}, QueuePerClass: 10, WriteQueuePerClass: 10})
	defer func() { pool.ShutDown(false); pool.Join() }()

	done := make(chan error, 1)
	sr := NewShardRebuilding(planner, 1, 10, 5, replicator, nil, nil, func(err error) { done <- err })
	require.NoError(t, sr.Start(pool, store))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shard rebuilding never completed")
	}
	require.Equal(t, 0, replicator.count())
}

func TestShardRebuildingPausesAtWindowAndResumes(t *testing.T) {
	store := openTestLogsdb(t)
	dirty := types.ShardID{Node: 1, Shard: 0}

	require.NoError(t, store.Put(types.Record{LogID: 1, LSN: types.MakeLSN(1, 1), Timestamp: 100, Copyset: []types.ShardID{dirty}}))
	require.NoError(t, store.Put(types.Record{LogID: 1, LSN: types.MakeLSN(1, 2), Timestamp: 999999, Copyset: []types.ShardID{dirty}}))

	planner := NewRebuildingPlanner(eventlog.RebuildingSet{dirty: &eventlog.ShardRebuildState{}})
	replicator := &fakeReplicator{}
	pool := storagepool.New(0, storagepool.Config{NThreads: [storagepool.NumClasses]int{storagepool.ClassSlow: 1}, QueuePerClass: 10, WriteQueuePerClass: 10})
	defer func() { pool.ShutDown(false); pool.Join() }()

	var gateMu sync.Mutex
	gateOpen := false
	gate := func(ts int64) bool {
		gateMu.Lock()
		defer gateMu.Unlock()
		return gateOpen || ts < 999999
	}

	done := make(chan error, 1)
	sr := NewShardRebuilding(planner, 1, 10, 5, replicator, gate, nil, func(err error) { done <- err })
	require.NoError(t, sr.Start(pool, store))

	require.Eventually(t, func() bool { return replicator.count() == 1 }, time.Second, 10*time.Millisecond)
	require.False(t, sr.Done())

	gateMu.Lock()
	gateOpen = true
	gateMu.Unlock()
	sr.Resume(pool)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shard rebuilding never completed after resume")
	}
	require.Equal(t, 2, replicator.count())
}
