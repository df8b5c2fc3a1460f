package failuredetector

import (
	"testing"
	"time"

	"github.com/logdevice/logdevice/pkg/transport"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/logdevice/logdevice/pkg/wire"
	"github.com/stretchr/testify/require"
)

// directBroadcaster wires a Detector's Send calls straight into a peer
// Detector's Handler, the same shorthand pkg/rebuilding's fakeReplicator
// uses to stand in for a real network round trip in unit tests.
type directBroadcaster struct {
	peers map[types.NodeIndex]*Detector
}

func (b *directBroadcaster) Send(key transport.PeerKey, env *transport.Envelope) error {
	peer, ok := b.peers[key.Node]
	if !ok {
		return nil
	}
	msg, err := wire.Deserialize(env.Type, wire.MaxSupportedProto, env.Body)
	if err != nil {
		return err
	}
	peer.Handler()(transport.PeerKey{}, env.Type, msg)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GossipInterval = 5 * time.Millisecond
	cfg.FailureThreshold = 2
	cfg.SuspectDuration = 20 * time.Millisecond
	cfg.FanOut = 2
	return cfg
}

func TestDetectorConvergesOnAlive(t *testing.T) {
	b := &directBroadcaster{peers: make(map[types.NodeIndex]*Detector)}
	d1 := NewDetector(1, 100, []types.NodeIndex{1, 2}, b, testConfig())
	d2 := NewDetector(2, 200, []types.NodeIndex{1, 2}, b, testConfig())
	b.peers[1] = d1
	b.peers[2] = d2

	d1.Start()
	d2.Start()
	defer d1.Stop()
	defer d2.Stop()

	require.Eventually(t, func() bool { return d1.IsAlive(2) && d2.IsAlive(1) }, time.Second, 5*time.Millisecond)
}

func TestDetectorDeclaresPeerDeadAfterSilence(t *testing.T) {
	b := &directBroadcaster{peers: make(map[types.NodeIndex]*Detector)}
	d1 := NewDetector(1, 100, []types.NodeIndex{1, 2}, b, testConfig())
	d2 := NewDetector(2, 200, []types.NodeIndex{1, 2}, b, testConfig())
	b.peers[1] = d1
	b.peers[2] = d2

	d1.Start()
	d2.Start()
	defer d1.Stop()

	require.Eventually(t, func() bool { return d1.IsAlive(2) }, time.Second, 5*time.Millisecond)

	d2.Stop()
	delete(b.peers, 2) // simulate the peer vanishing from the network

	require.Eventually(t, func() bool { return !d1.IsAlive(2) }, time.Second, 5*time.Millisecond)
}

func TestDetectorSubscribePublishesTransitions(t *testing.T) {
	b := &directBroadcaster{peers: make(map[types.NodeIndex]*Detector)}
	d1 := NewDetector(1, 100, []types.NodeIndex{1, 2}, b, testConfig())
	d2 := NewDetector(2, 200, []types.NodeIndex{1, 2}, b, testConfig())
	b.peers[1] = d1
	b.peers[2] = d2

	ch := d1.Subscribe()
	defer d1.Unsubscribe(ch)

	d1.Start()
	d2.Start()
	defer d1.Stop()
	defer d2.Stop()

	select {
	case change := <-ch:
		require.Equal(t, types.NodeIndex(2), change.Node)
		require.Equal(t, wire.NodeAlive, change.State)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for liveness transition")
	}
}

func TestHandleGossipDetectsRestartAndResetsState(t *testing.T) {
	b := &directBroadcaster{peers: make(map[types.NodeIndex]*Detector)}
	cfg := testConfig()
	d1 := NewDetector(1, 100, []types.NodeIndex{1, 2}, b, cfg)

	d1.mu.Lock()
	st := d1.peerLocked(2)
	st.state = wire.NodeSuspect
	st.gossipCount = uint32(cfg.FailureThreshold)
	st.instanceID = 500
	d1.mu.Unlock()
	require.False(t, d1.IsAlive(2))

	d1.HandleGossip(&wire.Gossip{
		SenderNode:       2,
		SenderInstanceID: 900,
		Entries:          []wire.GossipEntry{{Node: 2, GossipCount: 0, InstanceID: 900, State: wire.NodeAlive}},
	})

	require.True(t, d1.IsAlive(2))
}
