package wire

import (
	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/types"
)

// Message is implemented by every wire message family named in spec §6.1.
// serialize/deserialize are the two static dispatch axes from §9 ("Dynamic
// message dispatch"); onReceived/onSent are implemented by transport
// handlers, not by the message itself, and are dispatched through the
// MessageTable below by Type.
type Message interface {
	Type() Type
	MinProto() ProtoVersion
	Serialize(w *Writer)
	Deserialize(r *Reader) error
}

// Hello is the first message sent by a client-initiated socket.
type Hello struct {
	ClientMaxProto ProtoVersion
	ClusterName    string
}

func (m *Hello) Type() Type          { return TypeHello }
func (m *Hello) MinProto() ProtoVersion { return MinSupportedProto }
func (m *Hello) Serialize(w *Writer) {
	w.PutUint16(uint16(m.ClientMaxProto))
	w.PutBytes([]byte(m.ClusterName))
}
func (m *Hello) Deserialize(r *Reader) error {
	v, err := r.GetUint16()
	if err != nil {
		return err
	}
	m.ClientMaxProto = ProtoVersion(v)
	name, err := r.GetBytes()
	if err != nil {
		return err
	}
	m.ClusterName = string(name)
	return nil
}

// Ack completes the handshake, returning the negotiated protocol and the
// ClientID the server assigned to this socket.
type Ack struct {
	NegotiatedProto ProtoVersion
	ClientID        types.ClientID
}

func (m *Ack) Type() Type          { return TypeAck }
func (m *Ack) MinProto() ProtoVersion { return MinSupportedProto }
func (m *Ack) Serialize(w *Writer) {
	w.PutUint16(uint16(m.NegotiatedProto))
	w.PutUint32(uint32(m.ClientID))
}
func (m *Ack) Deserialize(r *Reader) error {
	v, err := r.GetUint16()
	if err != nil {
		return err
	}
	m.NegotiatedProto = ProtoVersion(v)
	cid, err := r.GetUint32()
	if err != nil {
		return err
	}
	m.ClientID = types.ClientID(cid)
	return nil
}

// Store carries one record placement request to one shard of a copyset.
type Store struct {
	LogID         types.LogID
	Epoch         types.Epoch
	ESN           types.ESN
	Timestamp     int64
	LastKnownGood types.ESN
	Wave          uint32
	NSync         uint8
	Copyset       []types.ShardID
	Flags         types.StoreFlags
	Payload       []byte

	// E2ETracingSpanID is gated behind proto >= 3: it is written last and
	// only read back when the reader's negotiated proto supports it,
	// matching spec §4.1's field-gating rule for version-introduced fields.
	E2ETracingSpanID uint64
}

func (m *Store) Type() Type          { return TypeStore }
func (m *Store) MinProto() ProtoVersion { return MinSupportedProto }

func (m *Store) Serialize(w *Writer) {
	w.PutUint64(uint64(m.LogID))
	w.PutUint32(uint32(m.Epoch))
	w.PutUint32(uint32(m.ESN))
	w.PutUint64(uint64(m.Timestamp))
	w.PutUint32(uint32(m.LastKnownGood))
	w.PutUint32(m.Wave)
	w.PutUint8(m.NSync)
	w.PutUint32(uint32(m.Flags))
	w.PutUint16(uint16(len(m.Copyset)))
	for _, s := range m.Copyset {
		w.PutUint16(uint16(s.Node))
		w.PutUint8(uint8(s.Shard))
	}
	w.PutBytes(m.Payload)
	if w.Proto() >= 3 {
		w.PutUint64(m.E2ETracingSpanID)
	}
}

func (m *Store) Deserialize(r *Reader) error {
	var err error
	var u32 uint32
	var u64 uint64
	var u16 uint16

	if u64, err = r.GetUint64(); err != nil {
		return err
	}
	m.LogID = types.LogID(u64)
	if u32, err = r.GetUint32(); err != nil {
		return err
	}
	m.Epoch = types.Epoch(u32)
	if u32, err = r.GetUint32(); err != nil {
		return err
	}
	m.ESN = types.ESN(u32)
	if u64, err = r.GetUint64(); err != nil {
		return err
	}
	m.Timestamp = int64(u64)
	if u32, err = r.GetUint32(); err != nil {
		return err
	}
	m.LastKnownGood = types.ESN(u32)
	if m.Wave, err = r.GetUint32(); err != nil {
		return err
	}
	if m.NSync, err = r.GetUint8(); err != nil {
		return err
	}
	if u32, err = r.GetUint32(); err != nil {
		return err
	}
	m.Flags = types.StoreFlags(u32)
	if u16, err = r.GetUint16(); err != nil {
		return err
	}
	m.Copyset = make([]types.ShardID, 0, u16)
	for i := 0; i < int(u16); i++ {
		node, err := r.GetUint16()
		if err != nil {
			return err
		}
		shard, err := r.GetUint8()
		if err != nil {
			return err
		}
		m.Copyset = append(m.Copyset, types.ShardID{Node: types.NodeIndex(node), Shard: types.ShardIndex(shard)})
	}
	if m.Payload, err = r.GetBytes(); err != nil {
		return err
	}
	// Gated field: an older-proto stream simply has nothing left here.
	if r.Proto() >= 3 && r.Remaining() >= 8 {
		if u64, err = r.GetUint64(); err != nil {
			return err
		}
		m.E2ETracingSpanID = u64
	}
	return nil
}

// Stored is the STORE acknowledgement.
type Stored struct {
	LogID  types.LogID
	Epoch  types.Epoch
	ESN    types.ESN
	Wave   uint32
	Status status.Code
	Shard  types.ShardID
}

func (m *Stored) Type() Type          { return TypeStored }
func (m *Stored) MinProto() ProtoVersion { return MinSupportedProto }
func (m *Stored) Serialize(w *Writer) {
	w.PutUint64(uint64(m.LogID))
	w.PutUint32(uint32(m.Epoch))
	w.PutUint32(uint32(m.ESN))
	w.PutUint32(m.Wave)
	w.PutUint16(uint16(m.Status))
	w.PutUint16(uint16(m.Shard.Node))
	w.PutUint8(uint8(m.Shard.Shard))
}
func (m *Stored) Deserialize(r *Reader) error {
	u64, err := r.GetUint64()
	if err != nil {
		return err
	}
	m.LogID = types.LogID(u64)
	u32, err := r.GetUint32()
	if err != nil {
		return err
	}
	m.Epoch = types.Epoch(u32)
	if u32, err = r.GetUint32(); err != nil {
		return err
	}
	m.ESN = types.ESN(u32)
	if m.Wave, err = r.GetUint32(); err != nil {
		return err
	}
	code, err := r.GetUint16()
	if err != nil {
		return err
	}
	m.Status = status.Code(code)
	node, err := r.GetUint16()
	if err != nil {
		return err
	}
	shard, err := r.GetUint8()
	if err != nil {
		return err
	}
	m.Shard = types.ShardID{Node: types.NodeIndex(node), Shard: types.ShardIndex(shard)}
	return nil
}

// Shutdown is a peer-initiated close carrying the sender's instance id.
type Shutdown struct {
	ServerInstanceID types.ServerInstanceID
}

func (m *Shutdown) Type() Type          { return TypeShutdown }
func (m *Shutdown) MinProto() ProtoVersion { return MinSupportedProto }
func (m *Shutdown) Serialize(w *Writer)    { w.PutUint64(uint64(m.ServerInstanceID)) }
func (m *Shutdown) Deserialize(r *Reader) error {
	v, err := r.GetUint64()
	if err != nil {
		return err
	}
	m.ServerInstanceID = types.ServerInstanceID(v)
	return nil
}

// Trim advances a log's trim point.
type Trim struct {
	LogID types.LogID
	LSN   types.LSN
}

func (m *Trim) Type() Type          { return TypeTrim }
func (m *Trim) MinProto() ProtoVersion { return MinSupportedProto }
func (m *Trim) Serialize(w *Writer) {
	w.PutUint64(uint64(m.LogID))
	w.PutUint64(uint64(m.LSN))
}
func (m *Trim) Deserialize(r *Reader) error {
	logID, err := r.GetUint64()
	if err != nil {
		return err
	}
	m.LogID = types.LogID(logID)
	lsn, err := r.GetUint64()
	if err != nil {
		return err
	}
	m.LSN = types.LSN(lsn)
	return nil
}

// Trimmed responds to Trim with the final per-shard status.
type Trimmed struct {
	LogID  types.LogID
	Status status.Code
}

func (m *Trimmed) Type() Type          { return TypeTrimmed }
func (m *Trimmed) MinProto() ProtoVersion { return MinSupportedProto }
func (m *Trimmed) Serialize(w *Writer) {
	w.PutUint64(uint64(m.LogID))
	w.PutUint16(uint16(m.Status))
}
func (m *Trimmed) Deserialize(r *Reader) error {
	logID, err := r.GetUint64()
	if err != nil {
		return err
	}
	m.LogID = types.LogID(logID)
	code, err := r.GetUint16()
	if err != nil {
		return err
	}
	m.Status = status.Code(code)
	return nil
}

// NodeState is a node's liveness state as carried in a Gossip message's
// per-node entry, mirroring FailureDetector.cpp's NodeState enum.
type NodeState uint8

const (
	NodeAlive NodeState = iota
	NodeSuspect
	NodeDead
)

// GossipEntry is one row of a Gossip message's gossip list: the sender's
// view of one node's liveness, the gossip counter it last observed for
// that node (ticks since the sender last got news of it directly, reset
// to 0 by the node describing itself), and the instance id that detects a
// silent process restart.
type GossipEntry struct {
	Node        types.NodeIndex
	GossipCount uint32
	InstanceID  types.ServerInstanceID
	State       NodeState
	Boycotted   bool
}

// Gossip is the periodic all-to-all liveness broadcast (spec §6.1's GOSSIP
// family), grounded on FailureDetector.cpp's GOSSIP_Message: gossip_list_
// (per-node counters) and the sender's own restart instance id.
// GOSSIP_Message's full suspect_matrix_ (every node's opinion of every
// other node) is collapsed to a per-entry Boycotted bool set only by the
// sender describing its own boycott decisions — pkg/failuredetector
// aggregates Boycotted bits received from every peer instead of shipping
// the whole matrix on every round.
type Gossip struct {
	SenderNode       types.NodeIndex
	SenderInstanceID types.ServerInstanceID
	Entries          []GossipEntry
}

func (m *Gossip) Type() Type          { return TypeGossip }
func (m *Gossip) MinProto() ProtoVersion { return MinProtoFor(TypeGossip) }

func (m *Gossip) Serialize(w *Writer) {
	w.PutUint16(uint16(m.SenderNode))
	w.PutUint64(uint64(m.SenderInstanceID))
	w.PutUint16(uint16(len(m.Entries)))
	for _, e := range m.Entries {
		w.PutUint16(uint16(e.Node))
		w.PutUint32(e.GossipCount)
		w.PutUint64(uint64(e.InstanceID))
		w.PutUint8(uint8(e.State))
		var flags uint8
		if e.Boycotted {
			flags |= 1
		}
		w.PutUint8(flags)
	}
}

func (m *Gossip) Deserialize(r *Reader) error {
	node, err := r.GetUint16()
	if err != nil {
		return err
	}
	m.SenderNode = types.NodeIndex(node)

	instanceID, err := r.GetUint64()
	if err != nil {
		return err
	}
	m.SenderInstanceID = types.ServerInstanceID(instanceID)

	n, err := r.GetUint16()
	if err != nil {
		return err
	}
	m.Entries = make([]GossipEntry, 0, n)
	for i := 0; i < int(n); i++ {
		var e GossipEntry
		entryNode, err := r.GetUint16()
		if err != nil {
			return err
		}
		e.Node = types.NodeIndex(entryNode)
		if e.GossipCount, err = r.GetUint32(); err != nil {
			return err
		}
		instID, err := r.GetUint64()
		if err != nil {
			return err
		}
		e.InstanceID = types.ServerInstanceID(instID)
		state, err := r.GetUint8()
		if err != nil {
			return err
		}
		e.State = NodeState(state)
		flags, err := r.GetUint8()
		if err != nil {
			return err
		}
		e.Boycotted = flags&1 != 0
		m.Entries = append(m.Entries, e)
	}
	return nil
}

// NewEmpty constructs a zero-value Message for a given Type so a reader can
// dispatch purely from the header's type byte. This is the "table indexed
// by message type" representation spec §9 recommends.
func NewEmpty(t Type) (Message, error) {
	switch t {
	case TypeHello:
		return &Hello{}, nil
	case TypeAck:
		return &Ack{}, nil
	case TypeStore:
		return &Store{}, nil
	case TypeStored:
		return &Stored{}, nil
	case TypeShutdown:
		return &Shutdown{}, nil
	case TypeTrim:
		return &Trim{}, nil
	case TypeTrimmed:
		return &Trimmed{}, nil
	case TypeGossip:
		return &Gossip{}, nil
	default:
		return nil, status.Wrap(status.BADMSG, "no prototype registered for type %d", t)
	}
}

// Serialize encodes m at the given negotiated protocol, enforcing
// min_proto: sending below a message's floor fails with PROTONOSUPPORT and
// the message is handed back to the caller undelivered (spec §4.1).
func Serialize(m Message, proto ProtoVersion) ([]byte, error) {
	if proto < m.MinProto() {
		return nil, status.Wrap(status.PROTONOSUPPORT, "type %d requires proto >= %d, got %d", m.Type(), m.MinProto(), proto)
	}
	w := NewWriter(proto)
	m.Serialize(w)
	return w.Bytes(), nil
}

// Deserialize decodes body into a fresh Message of the type named by t.
func Deserialize(t Type, proto ProtoVersion, body []byte) (Message, error) {
	m, err := NewEmpty(t)
	if err != nil {
		return nil, err
	}
	r := NewReader(proto, body)
	if err := m.Deserialize(r); err != nil {
		return nil, status.Wrap(status.BADMSG, "deserializing type %d: %v", t, err)
	}
	return m, nil
}
