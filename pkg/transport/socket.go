package transport

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/logdevice/logdevice/pkg/log"
	"github.com/logdevice/logdevice/pkg/metrics"
	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/wire"
)

// SocketState is the lifecycle a Socket moves through, grounded on
// original_source's Socket.cpp connection state machine.
type SocketState int

const (
	SocketConnecting SocketState = iota
	SocketHandshaking
	SocketActive
	SocketClosing
	SocketClosed
)

func (s SocketState) String() string {
	switch s {
	case SocketConnecting:
		return "CONNECTING"
	case SocketHandshaking:
		return "HANDSHAKING"
	case SocketActive:
		return "ACTIVE"
	case SocketClosing:
		return "CLOSING"
	case SocketClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Handler processes a decoded message received on a Socket. Owned by
// whatever component registered interest in a message Type (the sequencer,
// storage write path, or failure detector).
type Handler func(peer PeerKey, t wire.Type, m wire.Message)

// Socket owns one peer connection: the three FIFO queues named in spec
// §4.2 (pendingq awaiting flow-control budget, serializeq awaiting
// serialization, sendq ready for the OS socket), handshake state, and the
// negotiated protocol version. Modeled on Socket.cpp's per-connection
// queues, rendered as Go channels plus a drain goroutine instead of a
// libevent callback chain.
type Socket struct {
	key  PeerKey
	conn net.Conn

	mu    sync.Mutex
	state SocketState
	proto wire.ProtoVersion

	pendingq    []*Envelope // waiting on flow-control budget
	serializeq  []*Envelope // budget granted, not yet framed
	sendq       chan []byte // framed bytes ready for the writer goroutine

	flowGroups [NumPriorities]*FlowGroup
	handler    Handler

	closeOnce sync.Once
	closeErr  status.Code
	done      chan struct{}
}

// NewSocket wraps conn for a peer identified by key. flowGroups supplies
// the per-priority budget this socket drains against (shared across all
// sockets on a worker, per spec §4.2).
func NewSocket(key PeerKey, conn net.Conn, flowGroups [NumPriorities]*FlowGroup, handler Handler) *Socket {
	s := &Socket{
		key:        key,
		conn:       conn,
		state:      SocketConnecting,
		proto:      wire.MaxSupportedProto,
		sendq:      make(chan []byte, 256),
		flowGroups: flowGroups,
		handler:    handler,
		done:       make(chan struct{}),
	}
	kind := "client"
	if key.Kind == PeerServerInitiated {
		kind = "server"
	}
	metrics.SocketsOpen.WithLabelValues(kind).Inc()
	return s
}

// State returns the socket's current lifecycle state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Proto returns the negotiated protocol version, valid once State() is at
// least SocketActive.
func (s *Socket) Proto() wire.ProtoVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proto
}

// SetProto records the protocol version negotiated during handshake and
// marks the socket active.
func (s *Socket) SetProto(p wire.ProtoVersion) {
	s.mu.Lock()
	s.proto = p
	s.state = SocketActive
	s.mu.Unlock()
}

// Send enqueues env for delivery. If the flow group covering env's
// priority has no budget, env is parked on pendingq and retried when the
// group refills; otherwise it moves straight to serialization.
func (s *Socket) Send(env *Envelope) {
	fg := s.flowGroups[env.Priority]
	if fg == nil || fg.TryConsume(env.Cost) {
		s.enqueueSerialized(env)
		return
	}
	s.mu.Lock()
	s.pendingq = append(s.pendingq, env)
	s.mu.Unlock()
}

func (s *Socket) enqueueSerialized(env *Envelope) {
	s.mu.Lock()
	s.serializeq = append(s.serializeq, env)
	s.mu.Unlock()
	s.drainSerializeq()
}

// drainSerializeq frames each queued envelope and hands it to the sendq
// writer. Framing happens here rather than at enqueue time so that a
// socket closed while envelopes are still queued can fail them without
// ever touching the wire.
func (s *Socket) drainSerializeq() {
	s.mu.Lock()
	if s.state == SocketClosed || s.state == SocketClosing {
		pending := s.serializeq
		s.serializeq = nil
		s.mu.Unlock()
		for _, env := range pending {
			env.complete(s.closeErr)
		}
		return
	}
	pending := s.serializeq
	s.serializeq = nil
	s.mu.Unlock()

	for _, env := range pending {
		var buf writerBuf
		if err := wire.WriteHeader(&buf, env.Type, env.Body); err != nil {
			env.complete(err.(*status.Error).Code)
			continue
		}
		select {
		case s.sendq <- buf.b:
			metrics.FlowGroupQueueLatency.WithLabelValues(priorityLabel(env.Priority)).Observe(env.WaitTime().Seconds())
			env.complete(status.OK)
		case <-s.done:
			env.complete(s.closeErr)
		}
	}
}

// RetryPending re-attempts flow-control admission for everything parked on
// pendingq. Called by the owning Sender each time a FlowGroup refills.
func (s *Socket) RetryPending() {
	s.mu.Lock()
	pending := s.pendingq
	s.pendingq = nil
	s.mu.Unlock()

	var retained []*Envelope
	for _, env := range pending {
		fg := s.flowGroups[env.Priority]
		if fg == nil || fg.TryConsume(env.Cost) {
			s.enqueueSerialized(env)
		} else {
			retained = append(retained, env)
		}
	}
	if len(retained) > 0 {
		s.mu.Lock()
		s.pendingq = append(retained, s.pendingq...)
		s.mu.Unlock()
	}
}

// runWriter drains sendq to the underlying connection. Run as its own
// goroutine by the owning Sender.
func (s *Socket) runWriter() {
	w := bufio.NewWriter(s.conn)
	for {
		select {
		case frame := <-s.sendq:
			if _, err := w.Write(frame); err != nil {
				s.Close(status.CONNFAILED)
				return
			}
			if len(s.sendq) == 0 {
				if err := w.Flush(); err != nil {
					s.Close(status.CONNFAILED)
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

// runReader reads framed messages off the connection and dispatches them
// to handler until the connection fails or the socket closes.
func (s *Socket) runReader() {
	r := bufio.NewReader(s.conn)
	for {
		t, body, err := wire.ReadHeader(r)
		if err != nil {
			if err == io.EOF {
				s.Close(status.PEER_CLOSED)
			} else {
				log.Errorf("socket read failed", err)
				s.Close(status.CONNFAILED)
			}
			return
		}
		m, derr := wire.Deserialize(t, s.Proto(), body)
		if derr != nil {
			log.Errorf("dropping malformed message", derr)
			s.Close(status.CHECKSUM_MISMATCH)
			return
		}
		if s.handler != nil {
			s.handler(s.key, t, m)
		}
	}
}

// Close tears the socket down with reason code, failing every envelope
// still queued with that code exactly once.
func (s *Socket) Close(reason status.Code) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = SocketClosed
		s.closeErr = reason
		pending := append(s.pendingq, s.serializeq...)
		s.pendingq = nil
		s.serializeq = nil
		s.mu.Unlock()

		close(s.done)
		_ = s.conn.Close()

		for _, env := range pending {
			env.complete(reason)
		}

		kind := "client"
		if s.key.Kind == PeerServerInitiated {
			kind = "server"
		}
		metrics.SocketsOpen.WithLabelValues(kind).Dec()
		metrics.SocketClosedTotal.WithLabelValues(reason.String()).Inc()
	})
}

// Run starts the reader and writer goroutines. Callers invoke Run after
// handshake completes (SetProto has been called).
func (s *Socket) Run() {
	go s.runReader()
	go s.runWriter()
}

// writerBuf is a tiny io.Writer adapter so wire.WriteHeader can append
// directly into a []byte instead of round-tripping through bytes.Buffer.
type writerBuf struct{ b []byte }

func (w *writerBuf) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}
