package sequencer

import (
	"fmt"
	"sync"
	"time"

	"github.com/logdevice/logdevice/pkg/epochstore"
	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/types"
)

// PlacementPolicy supplies the nodeset/replication-property pair a fresh
// activation should provision with when the epoch store holds nothing yet
// for a log — config-driven in the original, fixed-per-registry here since
// a full logs config is out of scope.
type PlacementPolicy struct {
	NodeSet             []types.ShardID
	ReplicationProperty types.ReplicationProperty
	WriteNodeID         types.NodeIndex
}

// AllSequencers is the per-process registry of Sequencer objects keyed by
// log id, spec §4.3's AllSequencers. Insertion takes the registry lock in
// write mode; lookups and activation calls on an already-registered
// Sequencer only need a read lock on the registry, since the Sequencer has
// its own internal lock for state transitions.
type AllSequencers struct {
	mu          sync.RWMutex
	sequencers  map[types.LogID]*Sequencer
	store       EpochStore
	policy      PlacementPolicy
	timeout     time.Duration
	isolated    bool
}

// NewAllSequencers creates an empty registry backed by store.
func NewAllSequencers(store EpochStore, policy PlacementPolicy, timeout time.Duration) *AllSequencers {
	return &AllSequencers{
		sequencers: make(map[types.LogID]*Sequencer),
		store:      store,
		policy:     policy,
		timeout:    timeout,
	}
}

// FindSequencer returns the registered Sequencer for logID, if any.
func (a *AllSequencers) FindSequencer(logID types.LogID) (*Sequencer, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	seq, ok := a.sequencers[logID]
	return seq, ok
}

func (a *AllSequencers) getOrCreate(logID types.LogID) *Sequencer {
	a.mu.RLock()
	seq, ok := a.sequencers[logID]
	a.mu.RUnlock()
	if ok {
		return seq
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if seq, ok := a.sequencers[logID]; ok {
		return seq
	}
	seq = newSequencer(logID)
	a.sequencers[logID] = seq
	return seq
}

func (a *AllSequencers) baseRequest() epochstore.NextEpochRequest {
	return epochstore.NextEpochRequest{
		NodeSet:             a.policy.NodeSet,
		ReplicationProperty: a.policy.ReplicationProperty,
		WriteNodeID:         a.policy.WriteNodeID,
	}
}

// Activate inserts a Sequencer for log if absent, then starts activation
// (spec §4.3's activate). checkMDBeforeProvisioning is accepted for
// interface fidelity with spec.md but this registry always provisions a
// fresh epoch 1 when the epoch store holds nothing, since the metadata-log
// emptiness cross-check it gates is out of scope (see DESIGN.md).
func (a *AllSequencers) Activate(logID types.LogID, pred Predicate, acceptableEpoch *types.Epoch, checkMDBeforeProvisioning bool) status.Code {
	if a.Isolated() {
		return status.AGAIN
	}
	seq := a.getOrCreate(logID)
	return seq.startActivation(a.store, pred, acceptableEpoch, true, a.baseRequest(), a.timeout)
}

// ReactivateIf re-drives activation for an already-registered log, never
// provisioning a fresh epoch if the store holds nothing (spec §4.3's
// reactivateIf). onlyConsecutive is accepted for interface fidelity; this
// registry does not track appender sequence numbers, so it has no effect
// here (documented in DESIGN.md).
func (a *AllSequencers) ReactivateIf(logID types.LogID, pred Predicate, onlyConsecutive bool) status.Code {
	if a.Isolated() {
		return status.AGAIN
	}
	seq, ok := a.FindSequencer(logID)
	if !ok {
		return status.NOTFOUND
	}
	return seq.startActivation(a.store, pred, nil, false, a.baseRequest(), a.timeout)
}

// DisableAllSequencersDueToIsolation marks the registry isolated: further
// Activate/ReactivateIf calls fail fast with AGAIN until the process
// rejoins a quorum, per spec §4.3.
func (a *AllSequencers) DisableAllSequencersDueToIsolation() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.isolated = true
}

// ClearIsolation lifts isolation once the process observes it has rejoined
// a quorum.
func (a *AllSequencers) ClearIsolation() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.isolated = false
}

func (a *AllSequencers) Isolated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isolated
}

// ActivateAll drives spec §4.3's startup sequence: activate every log in
// logIDs, then poll every 100ms until each sequencer has left
// UNAVAILABLE/ACTIVATING or timeout elapses.
func (a *AllSequencers) ActivateAll(logIDs []types.LogID, timeout time.Duration) error {
	for _, logID := range logIDs {
		a.Activate(logID, nil, nil, false)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		pending := 0
		for _, logID := range logIDs {
			seq, ok := a.FindSequencer(logID)
			if !ok {
				pending++
				continue
			}
			switch seq.Snapshot().State {
			case StateUnavailable, StateActivating:
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("activate all: %d of %d logs still unavailable after %s", pending, len(logIDs), timeout)
		}
		<-ticker.C
	}
}
