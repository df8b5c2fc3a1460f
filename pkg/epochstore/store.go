// Package epochstore implements the opaque epoch-store coordination
// service named in spec §6.2: a single current EpochMetaData per log,
// replicated via Raft so every sequencer node observes the same
// monotonically-increasing epoch history. Grounded on the teacher's
// pkg/manager (WarrenFSM + Manager.Bootstrap), generalized from
// cluster-entity CRUD over a generic KV store to the one
// createOrUpdateMetaData verb this service needs.
package epochstore

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/logdevice/logdevice/pkg/log"
	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/types"
)

// Config configures a single-node-bootstrapped or joining epoch store
// replica. Timeouts mirror the teacher's Bootstrap/Join tuning, which
// optimizes hashicorp/raft's conservative WAN defaults for LAN failover.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Store is one Raft-replicated replica of the epoch store.
type Store struct {
	nodeID string
	raft   *raft.Raft
	fsm    *fsm
}

// Bootstrap creates a brand-new single-node epoch-store cluster rooted at
// cfg.DataDir, exactly as the teacher's Manager.Bootstrap does for cluster
// state — raft-boltdb-backed log/stable stores, a file snapshot store, and
// tuned heartbeat/election timeouts for sub-10s failover.
func Bootstrap(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating epoch store data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving epoch store bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating epoch store raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating epoch store snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "epochstore-log.db"))
	if err != nil {
		return nil, fmt.Errorf("creating epoch store log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "epochstore-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("creating epoch store stable store: %w", err)
	}

	f := newFSM()
	r, err := raft.NewRaft(raftCfg, f, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("creating epoch store raft node: %w", err)
	}

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("bootstrapping epoch store cluster: %w", err)
	}

	return &Store{nodeID: cfg.NodeID, raft: r, fsm: f}, nil
}

// newStandalone wraps an already-constructed raft.Raft/fsm pair — used by
// tests that bootstrap Raft over an in-memory transport instead of TCP.
func newStandalone(nodeID string, r *raft.Raft, f *fsm) *Store {
	return &Store{nodeID: nodeID, raft: r, fsm: f}
}

// CreateOrUpdateMetaData proposes a NextEpochRequest through Raft and
// returns the (metadata, status) pair spec §6.2 describes
// createOrUpdateMetaData as completing with. Returns AGAIN if this replica
// is not the current leader — LogDevice's real epoch store forwards to the
// leader transparently; this module surfaces it as a transient status
// instead, leaving leader discovery to the caller (pkg/sequencer returns
// AGAIN to its caller and leaves the Sequencer UNAVAILABLE; it does not
// retry on its own).
func (s *Store) CreateOrUpdateMetaData(req NextEpochRequest, timeout time.Duration) (*types.EpochMetaData, status.Code) {
	if s.raft.State() != raft.Leader {
		return nil, status.AGAIN
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, status.INTERNAL
	}
	cmd := Command{Op: NextEpochOp, Data: data}
	encoded, err := json.Marshal(cmd)
	if err != nil {
		return nil, status.INTERNAL
	}

	future := s.raft.Apply(encoded, timeout)
	if err := future.Error(); err != nil {
		log.Errorf("epoch store apply failed", err)
		return nil, status.AGAIN
	}

	result, ok := future.Response().(*ApplyResult)
	if !ok {
		return nil, status.INTERNAL
	}
	return result.Metadata, result.Code
}

// Current returns the locally-known current EpochMetaData for logID
// without going through Raft — a stale-read path used for introspection,
// not for anything that must observe monotonicity.
func (s *Store) Current(logID types.LogID) (*types.EpochMetaData, bool) {
	return s.fsm.current(logID)
}

// Identify returns a descriptive string for this replica, per spec §6.2's
// identify() operation.
func (s *Store) Identify() string {
	return fmt.Sprintf("epochstore node=%s leader=%s state=%s", s.nodeID, s.raft.Leader(), s.raft.State())
}

// Shutdown gracefully stops the Raft node.
func (s *Store) Shutdown() error {
	return s.raft.Shutdown().Error()
}
