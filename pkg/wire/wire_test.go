package wire

import (
	"bytes"
	"testing"

	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m Message, proto ProtoVersion) Message {
	t.Helper()
	body, err := Serialize(m, proto)
	require.NoError(t, err)
	out, err := Deserialize(m.Type(), proto, body)
	require.NoError(t, err)
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	for proto := MinSupportedProto; proto <= MaxSupportedProto; proto++ {
		store := &Store{
			LogID:         42,
			Epoch:         3,
			ESN:           7,
			Timestamp:     1234567,
			LastKnownGood: 6,
			Wave:          1,
			NSync:         2,
			Copyset:       []types.ShardID{{Node: 1, Shard: 0}, {Node: 2, Shard: 1}},
			Flags:         types.StoreRecovery,
			Payload:       []byte("hello logdevice"),
		}
		out := roundTrip(t, store, proto).(*Store)
		require.Equal(t, store.LogID, out.LogID)
		require.Equal(t, store.Epoch, out.Epoch)
		require.Equal(t, store.ESN, out.ESN)
		require.Equal(t, store.Copyset, out.Copyset)
		require.Equal(t, store.Payload, out.Payload)
	}
}

func TestStoreGatedFieldIgnoredBelowProto3(t *testing.T) {
	store := &Store{LogID: 1, Payload: []byte("x"), E2ETracingSpanID: 999}
	out := roundTrip(t, store, 2).(*Store)
	require.Equal(t, uint64(0), out.E2ETracingSpanID, "field introduced at proto 3 must not appear below it")

	out3 := roundTrip(t, store, 3).(*Store)
	require.Equal(t, uint64(999), out3.E2ETracingSpanID)
}

func TestHelloAckRoundTrip(t *testing.T) {
	h := &Hello{ClientMaxProto: 3, ClusterName: "cluster-a"}
	out := roundTrip(t, h, MaxSupportedProto).(*Hello)
	require.Equal(t, h.ClusterName, out.ClusterName)
	require.Equal(t, h.ClientMaxProto, out.ClientMaxProto)

	ack := &Ack{NegotiatedProto: 2, ClientID: 555}
	outAck := roundTrip(t, ack, MaxSupportedProto).(*Ack)
	require.Equal(t, ack.ClientID, outAck.ClientID)
}

func TestGossipRoundTrip(t *testing.T) {
	g := &Gossip{
		SenderNode:       1,
		SenderInstanceID: 1700000000,
		Entries: []GossipEntry{
			{Node: 1, GossipCount: 0, InstanceID: 1700000000, State: NodeAlive},
			{Node: 2, GossipCount: 4, InstanceID: 1699999000, State: NodeSuspect},
			{Node: 3, GossipCount: 9999, InstanceID: 0, State: NodeDead, Boycotted: true},
		},
	}
	out := roundTrip(t, g, MaxSupportedProto).(*Gossip)
	require.Equal(t, g.SenderNode, out.SenderNode)
	require.Equal(t, g.SenderInstanceID, out.SenderInstanceID)
	require.Equal(t, g.Entries, out.Entries)
}

func TestMinProtoEnforced(t *testing.T) {
	gossip := &gossipStub{}
	_, err := Serialize(gossip, 0)
	require.Error(t, err)
	var se *status.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, status.PROTONOSUPPORT, se.Code)
}

type gossipStub struct{ Hello }

func (g *gossipStub) Type() Type             { return TypeGossip }
func (g *gossipStub) MinProto() ProtoVersion { return 5 }

func TestHeaderChecksumDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	body, err := Serialize(&Store{LogID: 1, Payload: []byte("payload")}, MaxSupportedProto)
	require.NoError(t, err)
	require.NoError(t, WriteHeader(&buf, TypeStore, body))

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	_, _, err = ReadHeader(bytes.NewReader(corrupted))
	require.Error(t, err)
	var se *status.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, status.CHECKSUM_MISMATCH, se.Code)
}

func TestHeaderRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, TypeHello, []byte("ok")))
	raw := buf.Bytes()
	raw[4] = 250 // stomp the type byte to something unregistered

	_, _, err := ReadHeader(bytes.NewReader(raw))
	require.Error(t, err)
	var se *status.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, status.BADMSG, se.Code)
}

func TestWriteHeaderRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	err := WriteHeader(&buf, TypeHello, make([]byte, MaxLen+1))
	require.Error(t, err)
	var se *status.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, status.BADMSG, se.Code)
}
