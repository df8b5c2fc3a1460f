package epochrpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/logdevice/logdevice/pkg/epochstore"
	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type fakeStore struct {
	md   *types.EpochMetaData
	code status.Code
	name string
}

func (f *fakeStore) CreateOrUpdateMetaData(req epochstore.NextEpochRequest, timeout time.Duration) (*types.EpochMetaData, status.Code) {
	return f.md, f.code
}

func (f *fakeStore) Identify() string { return f.name }

func dialBufconn(t *testing.T, store Store) (*Client, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)

	grpcServer := grpc.NewServer()
	RegisterServer(grpcServer, store)
	go grpcServer.Serve(lis)

	conn, err := grpc.NewClient("passthrough:bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	return newClient(conn), func() {
		conn.Close()
		grpcServer.Stop()
	}
}

func TestCreateOrUpdateMetaDataRoundTrip(t *testing.T) {
	want := &types.EpochMetaData{
		Epoch:               3,
		NodeSet:             []types.ShardID{{Node: 1, Shard: 0}, {Node: 2, Shard: 0}},
		ReplicationProperty: types.ReplicationProperty{types.ScopeNode: 2},
		LastWriterNode:      1,
	}
	client, closeFn := dialBufconn(t, &fakeStore{md: want, code: status.OK})
	defer closeFn()

	got, code := client.CreateOrUpdateMetaData(epochstore.NextEpochRequest{LogID: 7, ProvisionIfEmpty: true}, time.Second)
	require.Equal(t, status.OK, code)
	require.Equal(t, want.Epoch, got.Epoch)
	require.Equal(t, want.NodeSet, got.NodeSet)
	require.Equal(t, want.ReplicationProperty, got.ReplicationProperty)
	require.Equal(t, want.LastWriterNode, got.LastWriterNode)
}

func TestCreateOrUpdateMetaDataPropagatesAbortedWithoutMetadata(t *testing.T) {
	client, closeFn := dialBufconn(t, &fakeStore{code: status.ABORTED})
	defer closeFn()

	got, code := client.CreateOrUpdateMetaData(epochstore.NextEpochRequest{LogID: 7}, time.Second)
	require.Equal(t, status.ABORTED, code)
	require.Nil(t, got)
}

func TestIdentifyRoundTrip(t *testing.T) {
	client, closeFn := dialBufconn(t, &fakeStore{name: "epochstore node=n1 leader=n1 state=Leader"})
	defer closeFn()

	got, err := client.Identify(context.Background())
	require.NoError(t, err)
	require.Equal(t, "epochstore node=n1 leader=n1 state=Leader", got)
}
