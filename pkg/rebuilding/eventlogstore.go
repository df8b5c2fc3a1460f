// Package rebuilding implements the rebuilding coordinator named in spec
// §4.5: a donor/receiver protocol driven off the event-log replicated
// state machine (pkg/eventlog), grounded on original_source's
// RebuildingCoordinator.cpp for the protocol and on the teacher's
// reconciler.Reconciler for the Go idiom of a ticker-driven control loop
// guarded by a single mutex.
package rebuilding

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/logdevice/logdevice/pkg/eventlog"
	"github.com/logdevice/logdevice/pkg/log"
)

// EventLogStoreConfig configures a single-node-bootstrapped or joining
// event-log replica, mirroring pkg/epochstore's Config shape since both
// are independent Raft groups (spec §6.3 describes the event log as its
// own RSM; it does not share the epoch store's cluster, and its entries are
// bare JSON deltas rather than epoch store Command{Op,Data} envelopes).
type EventLogStoreConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// EventLogStore is one Raft-replicated replica of the event log: the
// write side (Propose) plus access to the underlying FSM for
// subscription and reads.
type EventLogStore struct {
	nodeID string
	raft   *raft.Raft
	fsm    *eventlog.FSM
}

// BootstrapEventLogStore creates a brand-new single-node event-log
// cluster rooted at cfg.DataDir, reusing the teacher's Bootstrap tuning
// for sub-10s failover (see pkg/epochstore.Bootstrap).
func BootstrapEventLogStore(cfg EventLogStoreConfig) (*EventLogStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating event log data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving event log bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating event log raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating event log snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "eventlog-log.db"))
	if err != nil {
		return nil, fmt.Errorf("creating event log raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "eventlog-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("creating event log raft stable store: %w", err)
	}

	f := eventlog.New()
	r, err := raft.NewRaft(raftCfg, f, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("creating event log raft node: %w", err)
	}

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("bootstrapping event log cluster: %w", err)
	}

	return &EventLogStore{nodeID: cfg.NodeID, raft: r, fsm: f}, nil
}

// NewStandaloneEventLogStore wraps an already-constructed raft.Raft/FSM
// pair, used by tests that bootstrap Raft over an in-memory transport.
func NewStandaloneEventLogStore(nodeID string, r *raft.Raft, f *eventlog.FSM) *EventLogStore {
	return &EventLogStore{nodeID: nodeID, raft: r, fsm: f}
}

// Propose submits delta through Raft and blocks until it is applied,
// returning the resulting folded-set version (spec §4.5's "current
// (version=lsn)"). Returns an error if this replica is not the leader;
// LogDevice's real event log forwards writes to whichever node owns the
// log's sequencer, which this module leaves to the caller exactly as
// pkg/epochstore does for CreateOrUpdateMetaData.
func (s *EventLogStore) Propose(delta eventlog.Delta, timeout time.Duration) (uint64, error) {
	if s.raft.State() != raft.Leader {
		return 0, fmt.Errorf("event log propose: not leader (state=%s)", s.raft.State())
	}
	data, err := json.Marshal(delta)
	if err != nil {
		return 0, fmt.Errorf("encoding event log delta: %w", err)
	}
	future := s.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		log.Errorf("event log apply failed", err)
		return 0, err
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return 0, err
	}
	return future.Index(), nil
}

// FSM returns the underlying folded state machine for subscription and
// reads.
func (s *EventLogStore) FSM() *eventlog.FSM { return s.fsm }

// Shutdown gracefully stops the Raft node.
func (s *EventLogStore) Shutdown() error {
	return s.raft.Shutdown().Error()
}
