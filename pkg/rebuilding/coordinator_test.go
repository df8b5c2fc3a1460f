package rebuilding

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/logdevice/logdevice/pkg/eventlog"
	"github.com/logdevice/logdevice/pkg/storagepool"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestEventLogStore(t *testing.T) *EventLogStore {
	t.Helper()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID("n1")
	raftCfg.HeartbeatTimeout = 50 * time.Millisecond
	raftCfg.ElectionTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 25 * time.Millisecond
	raftCfg.CommitTimeout = 5 * time.Millisecond

	_, transport := raft.NewInmemTransport("n1")
	f := eventlog.New()
	r, err := raft.NewRaft(raftCfg, f, raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), transport)
	require.NoError(t, err)

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	})
	require.NoError(t, future.Error())

	require.Eventually(t, func() bool { return r.State() == raft.Leader }, 2*time.Second, 10*time.Millisecond)

	return NewStandaloneEventLogStore("n1", r, f)
}

func TestCoordinatorDrivesShardFromNeedsRebuildToIsRebuilt(t *testing.T) {
	el := newTestEventLogStore(t)
	defer el.Shutdown()

	store := openTestLogsdb(t)
	self := types.ShardID{Node: 1, Shard: 0}
	dirty := types.ShardID{Node: 2, Shard: 0}
	clean := types.ShardID{Node: 3, Shard: 0}

	require.NoError(t, store.Put(types.Record{LogID: 1, LSN: types.MakeLSN(1, 1), Timestamp: 100, Copyset: []types.ShardID{dirty, clean}}))

	pool := storagepool.New(0, storagepool.Config{NThreads: [storagepool.NumClasses]int{storagepool.ClassSlow: 1}, QueuePerClass: 10, WriteQueuePerClass: 10})
	defer func() { pool.ShutDown(false); pool.Join() }()

	replicator := &fakeReplicator{}
	cfg := DefaultConfig()
	cfg.GracePeriod = 20 * time.Millisecond
	coord := NewCoordinator(self, []types.ShardID{self, dirty, clean}, el, store, pool, replicator, cfg)
	coord.Start()
	defer coord.Stop()

	_, err := el.Propose(eventlog.Delta{Type: eventlog.ShardNeedsRebuild, ShardID: dirty, RestartVersion: 1}, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		set := el.FSM().Current()
		st, ok := set[dirty]
		return ok && len(st.DonorsComplete) > 0
	}, 3*time.Second, 20*time.Millisecond, "SHARD_IS_REBUILT should mark the shard's entry complete; only SHARD_ACK_REBUILT removes it")
	require.Equal(t, 1, replicator.count())
}

func TestCoordinatorCollapsesBurstsIntoOneRestart(t *testing.T) {
	el := newTestEventLogStore(t)
	defer el.Shutdown()
	store := openTestLogsdb(t)
	self := types.ShardID{Node: 1, Shard: 0}
	dirty := types.ShardID{Node: 2, Shard: 0}

	pool := storagepool.New(0, storagepool.Config{NThreads: [storagepool.NumClasses]int{storagepool.ClassSlow: 1}, QueuePerClass: 10, WriteQueuePerClass: 10})
	defer func() { pool.ShutDown(false); pool.Join() }()

	cfg := DefaultConfig()
	cfg.GracePeriod = 100 * time.Millisecond
	coord := NewCoordinator(self, []types.ShardID{self, dirty}, el, store, pool, &fakeReplicator{}, cfg)
	coord.Start()
	defer coord.Stop()

	for i := 0; i < 5; i++ {
		_, err := el.Propose(eventlog.Delta{Type: eventlog.ShardNeedsRebuild, ShardID: dirty, RestartVersion: uint64(i + 1)}, time.Second)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(250 * time.Millisecond)

	coord.mu.Lock()
	st := coord.shards[dirty]
	coord.mu.Unlock()
	require.NotNil(t, st)
	require.Equal(t, uint64(1), st.restartVersion, "five bursty deltas inside one grace period must collapse into a single restart")
}

func TestCoordinatorAbortRemovesShardState(t *testing.T) {
	el := newTestEventLogStore(t)
	defer el.Shutdown()
	store := openTestLogsdb(t)
	self := types.ShardID{Node: 1, Shard: 0}
	dirty := types.ShardID{Node: 2, Shard: 0}

	pool := storagepool.New(0, storagepool.Config{NThreads: [storagepool.NumClasses]int{storagepool.ClassSlow: 1}, QueuePerClass: 10, WriteQueuePerClass: 10})
	defer func() { pool.ShutDown(false); pool.Join() }()

	cfg := DefaultConfig()
	cfg.GracePeriod = 10 * time.Millisecond
	coord := NewCoordinator(self, []types.ShardID{self, dirty}, el, store, pool, &fakeReplicator{}, cfg)
	coord.Start()
	defer coord.Stop()

	_, err := el.Propose(eventlog.Delta{Type: eventlog.ShardNeedsRebuild, ShardID: dirty, RestartVersion: 1}, time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return coord.shards[dirty] != nil
	}, time.Second, 10*time.Millisecond)

	_, err = el.Propose(eventlog.Delta{Type: eventlog.ShardAbortRebuild, ShardID: dirty}, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		_, ok := coord.shards[dirty]
		return !ok
	}, time.Second, 10*time.Millisecond)
}

