package epochrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/logdevice/logdevice/pkg/epochstore"
	"github.com/logdevice/logdevice/pkg/log"
	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Store is what Server forwards RPCs to; *epochstore.Store satisfies it.
type Store interface {
	CreateOrUpdateMetaData(req epochstore.NextEpochRequest, timeout time.Duration) (*types.EpochMetaData, status.Code)
	Identify() string
}

// Server exposes Store over gRPC so a sequencer not co-located with the
// Raft leader can still reach CreateOrUpdateMetaData, mirroring the
// teacher's Server wrapping a *manager.Manager.
type Server struct {
	store  Store
	grpc   *grpc.Server
	logger zerolog.Logger
}

// NewServer builds a Server. Unlike the teacher's mTLS-only listener, the
// epoch store RPC surface is internal cluster traffic only (spec's "TLS/
// credential plumbing beyond optional transport authentication" is a
// stated non-goal), so the default grpc.NewServer has no credentials
// configured here; callers that need TLS can pass grpc.Creds themselves by
// constructing their own *grpc.Server and calling RegisterServer instead.
func NewServer(store Store) *Server {
	s := &Server{
		store:  store,
		logger: log.WithComponent("epochrpc"),
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.loggingInterceptor()))
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// RegisterServer registers the epoch store service onto a caller-supplied
// *grpc.Server, for callers that want to share one
// listener/credential set across multiple services.
func RegisterServer(g *grpc.Server, store Store) {
	g.RegisterService(&serviceDesc, &Server{store: store, logger: log.WithComponent("epochrpc")})
}

// Serve listens on addr and blocks serving RPCs until the server is
// stopped or the listener fails.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("epochrpc listen on %s: %w", addr, err)
	}
	s.logger.Info().Str("addr", addr).Msg("epochrpc server listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs and shuts the server down.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// CreateOrUpdateMetaData forwards the decoded request to Store, returning
// ABORTED's attached metadata (if any) the same way the direct in-process
// caller would see it.
func (s *Server) CreateOrUpdateMetaData(ctx context.Context, envelope *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var wreq wireRequest
	if err := json.Unmarshal(envelope.GetValue(), &wreq); err != nil {
		return nil, status.Wrap(status.BADMSG, "decoding CreateOrUpdateMetaData request: %v", err)
	}

	req := epochstore.NextEpochRequest{
		LogID:            types.LogID(wreq.LogID),
		ProvisionIfEmpty: wreq.ProvisionIfEmpty,
		WriteNodeID:      types.NodeIndex(wreq.WriteNodeID),
	}
	if wreq.AcceptableEpoch != nil {
		e := types.Epoch(*wreq.AcceptableEpoch)
		req.AcceptableEpoch = &e
	}
	if wreq.NewFormat != nil {
		req.NewFormat = wreq.NewFormat
	}
	if wreq.NodeSet != nil {
		req.NodeSet = toTypeShardIDs(wreq.NodeSet)
	}
	if wreq.ReplicationProperty != nil {
		req.ReplicationProperty = toReplicationProperty(wreq.ReplicationProperty)
	}

	md, code := s.store.CreateOrUpdateMetaData(req, 5*time.Second)

	wresp := wireResponse{Code: int(code)}
	if md != nil {
		wresp.Metadata = &wireMetaData{
			Epoch:               uint32(md.Epoch),
			NodeSet:             fromTypeShardIDs(md.NodeSet),
			ReplicationProperty: fromReplicationProperty(md.ReplicationProperty),
			Flags:               uint32(md.Flags),
			StorageSetFormat:    md.StorageSetFormat,
			LastWriterNode:      uint16(md.LastWriterNode),
		}
	}
	data, err := json.Marshal(wresp)
	if err != nil {
		return nil, status.Wrap(status.INTERNAL, "encoding CreateOrUpdateMetaData response: %v", err)
	}
	return wrapperspb.Bytes(data), nil
}

// Identify returns the wrapped store's identify() string (spec §6.2).
func (s *Server) Identify(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(s.store.Identify()), nil
}

func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		s.logger.Debug().
			Str("method", info.FullMethod).
			Dur("elapsed", time.Since(start)).
			AnErr("error", err).
			Msg("epochrpc call")
		return resp, err
	}
}

func toTypeShardIDs(in []wireShardID) []types.ShardID {
	out := make([]types.ShardID, len(in))
	for i, s := range in {
		out[i] = types.ShardID{Node: types.NodeIndex(s.Node), Shard: types.ShardIndex(s.Shard)}
	}
	return out
}

func fromTypeShardIDs(in []types.ShardID) []wireShardID {
	out := make([]wireShardID, len(in))
	for i, s := range in {
		out[i] = wireShardID{Node: uint16(s.Node), Shard: uint8(s.Shard)}
	}
	return out
}

func toReplicationProperty(in map[string]int) types.ReplicationProperty {
	out := make(types.ReplicationProperty, len(in))
	for k, v := range in {
		out[types.NodeLocationScope(k)] = v
	}
	return out
}

func fromReplicationProperty(in types.ReplicationProperty) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}
