package main

import (
	"github.com/logdevice/logdevice/pkg/failuredetector"
	"github.com/logdevice/logdevice/pkg/log"
	"github.com/logdevice/logdevice/pkg/logsdb"
	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/transport"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/logdevice/logdevice/pkg/wire"
)

// daemonHandler is the single transport.Handler every inbound Socket
// dispatches to, routing by wire.Type the way the teacher's gRPC
// interceptor chain routes by method name. STORE is the storage node's
// write-path entry point (spec §4.4); GOSSIP is handed straight to the
// failure detector; every other type is logged and dropped, since the
// client append/read RPC surface those other message kinds would ultimately
// serve is out of scope here.
type daemonHandler struct {
	self     types.NodeIndex
	store    *logsdb.Store
	detector *failuredetector.Detector
	sender   *transport.Sender
}

func (h *daemonHandler) handle(peer transport.PeerKey, t wire.Type, m wire.Message) {
	switch t {
	case wire.TypeGossip:
		g, ok := m.(*wire.Gossip)
		if !ok {
			return
		}
		h.detector.HandleGossip(g)
	case wire.TypeStore:
		s, ok := m.(*wire.Store)
		if !ok {
			return
		}
		h.handleStore(peer, s)
	default:
		log.Logger.Debug().Uint8("type", uint8(t)).Msg("unhandled inbound message type")
	}
}

func (h *daemonHandler) handleStore(peer transport.PeerKey, s *wire.Store) {
	rec := types.Record{
		LogID:     s.LogID,
		LSN:       types.MakeLSN(s.Epoch, s.ESN),
		Timestamp: s.Timestamp,
		Payload:   s.Payload,
		Copyset:   s.Copyset,
		Flags:     s.Flags,
	}

	code := status.OK
	if err := h.store.Put(rec); err != nil {
		log.Logger.Error().Err(err).Uint64("log_id", uint64(s.LogID)).Msg("storage write failed")
		code = status.INTERNAL
	}

	var selfShard types.ShardID
	for _, shard := range s.Copyset {
		if shard.Node == h.self {
			selfShard = shard
			break
		}
	}

	reply := &wire.Stored{LogID: s.LogID, Epoch: s.Epoch, ESN: s.ESN, Wave: s.Wave, Status: code, Shard: selfShard}
	body, err := wire.Serialize(reply, wire.MaxSupportedProto)
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to serialize STORED reply")
		return
	}
	env := transport.NewEnvelope(wire.TypeStored, transport.PriorityNormal, body, nil)
	if err := h.sender.Send(peer, env); err != nil {
		log.Logger.Debug().Err(err).Msg("failed to send STORED reply")
	}
}
