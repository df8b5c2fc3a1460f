package epochrpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/logdevice/logdevice/pkg/epochstore"
	"github.com/logdevice/logdevice/pkg/log"
	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is a typed gRPC wrapper a Sequencer on a non-leader node drives
// activation through, mirroring the teacher's pkg/client.Client. It
// satisfies sequencer.EpochStore directly, so a *Client can be handed to
// AllSequencers.Activate wherever an in-process *epochstore.Store would
// normally go.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to an epochrpc.Server at addr. Plain TCP, no TLS: epoch
// store RPC is internal cluster traffic (see Server's doc comment).
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, status.Wrap(status.CONNFAILED, "dialing epochrpc %s: %v", addr, err)
	}
	return &Client{conn: conn}, nil
}

// newClient wraps an already-dialed connection, used by tests that dial
// over an in-memory bufconn listener instead of a real TCP address.
func newClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// CreateOrUpdateMetaData implements sequencer.EpochStore over the wire.
// Any RPC-layer failure (dial never completed, deadline exceeded, peer
// not leader) collapses to status.AGAIN: the same transient-retry
// contract a caller already gets from a local *epochstore.Store that
// isn't the leader.
func (c *Client) CreateOrUpdateMetaData(req epochstore.NextEpochRequest, timeout time.Duration) (*types.EpochMetaData, status.Code) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wreq := wireRequest{
		LogID:               uint64(req.LogID),
		ProvisionIfEmpty:    req.ProvisionIfEmpty,
		NodeSet:             fromTypeShardIDs(req.NodeSet),
		ReplicationProperty: fromReplicationProperty(req.ReplicationProperty),
		WriteNodeID:         uint16(req.WriteNodeID),
	}
	if req.AcceptableEpoch != nil {
		e := uint32(*req.AcceptableEpoch)
		wreq.AcceptableEpoch = &e
	}
	wreq.NewFormat = req.NewFormat

	data, err := json.Marshal(wreq)
	if err != nil {
		return nil, status.AGAIN
	}

	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, methodCreateOrUpdateMetaData, wrapperspb.Bytes(data), out); err != nil {
		log.Logger.Debug().Err(err).Msg("epochrpc CreateOrUpdateMetaData call failed")
		return nil, status.AGAIN
	}

	var wresp wireResponse
	if err := json.Unmarshal(out.GetValue(), &wresp); err != nil {
		return nil, status.AGAIN
	}
	var md *types.EpochMetaData
	if wresp.Metadata != nil {
		md = &types.EpochMetaData{
			Epoch:               types.Epoch(wresp.Metadata.Epoch),
			NodeSet:             toTypeShardIDs(wresp.Metadata.NodeSet),
			ReplicationProperty: toReplicationProperty(wresp.Metadata.ReplicationProperty),
			Flags:               types.EpochMetaDataFlags(wresp.Metadata.Flags),
			StorageSetFormat:    wresp.Metadata.StorageSetFormat,
			LastWriterNode:      types.NodeIndex(wresp.Metadata.LastWriterNode),
		}
	}
	return md, status.Code(wresp.Code)
}

// Identify calls through to the remote store's identify() string.
func (c *Client) Identify(ctx context.Context) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, methodIdentify, &emptypb.Empty{}, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}
