package epochstore

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/stretchr/testify/require"
)

// newTestStore bootstraps a single-node epoch store over an in-memory Raft
// transport so tests run without touching disk or real sockets.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID("n1")
	raftCfg.HeartbeatTimeout = 50 * time.Millisecond
	raftCfg.ElectionTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 25 * time.Millisecond
	raftCfg.CommitTimeout = 5 * time.Millisecond

	_, transport := raft.NewInmemTransport("n1")
	f := newFSM()
	r, err := raft.NewRaft(raftCfg, f, raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), transport)
	require.NoError(t, err)

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	})
	require.NoError(t, future.Error())

	require.Eventually(t, func() bool {
		return r.State() == raft.Leader
	}, 2*time.Second, 10*time.Millisecond, "single node never became leader")

	return newStandalone("n1", r, f)
}

func TestCreateOrUpdateMetaDataProvisionsWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	defer s.Shutdown()

	md, code := s.CreateOrUpdateMetaData(NextEpochRequest{
		LogID:            1,
		ProvisionIfEmpty: true,
		WriteNodeID:      7,
		NodeSet:          []types.ShardID{{Node: 1, Shard: 0}, {Node: 2, Shard: 0}},
	}, time.Second)

	require.Equal(t, status.OK, code)
	require.NotNil(t, md)
	require.Equal(t, types.Epoch(1), md.Epoch)
	require.Equal(t, types.NodeIndex(7), md.LastWriterNode)
}

func TestCreateOrUpdateMetaDataNotFoundWithoutProvision(t *testing.T) {
	s := newTestStore(t)
	defer s.Shutdown()

	md, code := s.CreateOrUpdateMetaData(NextEpochRequest{LogID: 2, ProvisionIfEmpty: false}, time.Second)
	require.Equal(t, status.NOTFOUND, code)
	require.Nil(t, md)
}

func TestCreateOrUpdateMetaDataAdvancesEpoch(t *testing.T) {
	s := newTestStore(t)
	defer s.Shutdown()

	_, code := s.CreateOrUpdateMetaData(NextEpochRequest{LogID: 3, ProvisionIfEmpty: true, WriteNodeID: 1}, time.Second)
	require.Equal(t, status.OK, code)

	acceptable := types.Epoch(1)
	md, code := s.CreateOrUpdateMetaData(NextEpochRequest{
		LogID:           3,
		AcceptableEpoch: &acceptable,
		WriteNodeID:     2,
	}, time.Second)
	require.Equal(t, status.OK, code)
	require.Equal(t, types.Epoch(2), md.Epoch)
	require.Equal(t, types.NodeIndex(2), md.LastWriterNode)
}

func TestCreateOrUpdateMetaDataAbortsOnStaleAcceptableEpoch(t *testing.T) {
	s := newTestStore(t)
	defer s.Shutdown()

	_, code := s.CreateOrUpdateMetaData(NextEpochRequest{LogID: 4, ProvisionIfEmpty: true, WriteNodeID: 1}, time.Second)
	require.Equal(t, status.OK, code)

	stale := types.Epoch(0)
	md, code := s.CreateOrUpdateMetaData(NextEpochRequest{
		LogID:           4,
		AcceptableEpoch: &stale,
		WriteNodeID:     2,
	}, time.Second)
	require.Equal(t, status.ABORTED, code)
	require.Equal(t, types.Epoch(1), md.Epoch)
}

func TestIdentifyReportsLeaderState(t *testing.T) {
	s := newTestStore(t)
	defer s.Shutdown()
	require.Contains(t, s.Identify(), "node=n1")
}
