package main

import (
	"context"

	"github.com/logdevice/logdevice/pkg/logsdb"
	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/transport"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/logdevice/logdevice/pkg/wire"
)

// transportReplicator is pkg/rebuilding.Replicator's real implementation,
// wired here rather than in pkg/rebuilding itself so that package can stay
// free of a pkg/transport dependency (see rebuilding.Replicator's doc
// comment). A copyset entry that lands on this node is written straight
// into the local logsdb.Store; every other entry goes out as a STORE
// message and blocks on its Envelope's completion callback, i.e. until the
// framed message is queued on the peer socket's sendq, not until its STORED reply
// comes back — this package has no request/response correlation table to
// match a STORED reply to the rebuilding attempt that provoked it, so a
// rebuild only has send-confirmed delivery, not write-acknowledged
// delivery, to a remote copyset member.
type transportReplicator struct {
	self   types.NodeIndex
	store  *logsdb.Store
	sender *transport.Sender
}

func (r *transportReplicator) Replicate(ctx context.Context, rec types.Record, copyset []types.ShardID) error {
	msg := &wire.Store{
		LogID:     rec.LogID,
		Epoch:     rec.LSN.Epoch(),
		ESN:       rec.LSN.ESN(),
		Timestamp: rec.Timestamp,
		Copyset:   copyset,
		Flags:     rec.Flags | types.StoreRebuilding,
		Payload:   rec.Payload,
	}
	body, err := wire.Serialize(msg, wire.MaxSupportedProto)
	if err != nil {
		return status.Wrap(status.INTERNAL, "serializing rebuilding STORE: %v", err)
	}

	for _, shard := range copyset {
		if shard.Node == r.self {
			if err := r.store.Put(rec); err != nil {
				return status.Wrap(status.INTERNAL, "local rebuilding write: %v", err)
			}
			continue
		}
		if err := r.sendAndWait(ctx, shard.Node, body); err != nil {
			return err
		}
	}
	return nil
}

func (r *transportReplicator) sendAndWait(ctx context.Context, node types.NodeIndex, body []byte) error {
	done := make(chan status.Code, 1)
	env := transport.NewEnvelope(wire.TypeStore, transport.PriorityNormal, body, func(code status.Code) {
		done <- code
	})
	key := transport.PeerKey{Kind: transport.PeerServerInitiated, Node: node}
	if err := r.sender.Send(key, env); err != nil {
		return status.Wrap(status.INTERNAL, "sending rebuilding STORE to node %d: %v", node, err)
	}

	select {
	case code := <-done:
		if code != status.OK {
			return status.Wrap(code, "rebuilding STORE to node %d not acknowledged", node)
		}
		return nil
	case <-ctx.Done():
		return status.Wrap(status.TIMEDOUT, "rebuilding STORE to node %d: %v", node, ctx.Err())
	}
}
