// Package epochrpc exposes pkg/epochstore's Raft-backed FSM to sequencers
// that are not co-located with the current Raft leader (spec §4.7),
// grounded on the teacher's pkg/api (gRPC server forwarding to
// Manager.Apply) / pkg/client (typed gRPC client wrapper) split.
//
// The teacher generates its wire types from api/proto via protoc; that
// generated package is not part of this retrieval pack and protoc is not
// available in this environment (the no-toolchain constraint this module
// is built under covers code generation too). Rather than drop
// google.golang.org/grpc and google.golang.org/protobuf, this package
// registers a hand-written grpc.ServiceDesc — the same mechanical shape
// protoc-gen-go-grpc emits — and carries its request/response payloads as
// JSON inside wrapperspb.BytesValue, one of protobuf's well-known types
// that ships compiled into google.golang.org/protobuf with no codegen
// step. The JSON envelope reuses the same encoding pkg/epochstore already
// uses for its Raft log entries (see epochstore.Command), so this package
// adds no new serialization format, only a second transport for it.
package epochrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "logdevice.epochrpc.EpochStore"

// methodCreateOrUpdateMetaData and methodIdentify are the full gRPC method
// paths this service registers, reused by both server dispatch and client
// Invoke calls so they can't drift apart.
const (
	methodCreateOrUpdateMetaData = "/" + serviceName + "/CreateOrUpdateMetaData"
	methodIdentify               = "/" + serviceName + "/Identify"
)

// epochStoreServer is the interface grpc.Server.RegisterService checks the
// registered implementation against — the hand-written equivalent of a
// generated UnimplementedEpochStoreServer embed.
type epochStoreServer interface {
	CreateOrUpdateMetaData(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Identify(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
}

func createOrUpdateMetaDataHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(epochStoreServer).CreateOrUpdateMetaData(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCreateOrUpdateMetaData}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(epochStoreServer).CreateOrUpdateMetaData(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func identifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(epochStoreServer).Identify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodIdentify}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(epochStoreServer).Identify(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*epochStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateOrUpdateMetaData", Handler: createOrUpdateMetaDataHandler},
		{MethodName: "Identify", Handler: identifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/epochrpc/epochrpc.go",
}

// wireRequest/wireResponse are the JSON payloads carried inside the
// BytesValue envelope. Field names are independent of epochstore's own
// types so the wire format doesn't silently change shape if that package's
// internal structs are refactored.
type wireRequest struct {
	LogID               uint64          `json:"log_id"`
	AcceptableEpoch     *uint32         `json:"acceptable_epoch,omitempty"`
	NewFormat           *uint32         `json:"new_format,omitempty"`
	ProvisionIfEmpty    bool            `json:"provision_if_empty"`
	NodeSet             []wireShardID   `json:"node_set,omitempty"`
	ReplicationProperty map[string]int  `json:"replication_property,omitempty"`
	WriteNodeID         uint16          `json:"write_node_id"`
}

type wireShardID struct {
	Node  uint16 `json:"node"`
	Shard uint8  `json:"shard"`
}

type wireResponse struct {
	Code     int              `json:"code"`
	Metadata *wireMetaData    `json:"metadata,omitempty"`
}

type wireMetaData struct {
	Epoch               uint32         `json:"epoch"`
	NodeSet             []wireShardID  `json:"node_set"`
	ReplicationProperty map[string]int `json:"replication_property"`
	Flags               uint32         `json:"flags"`
	StorageSetFormat    int            `json:"storage_set_format"`
	LastWriterNode      uint16         `json:"last_writer_node"`
}
