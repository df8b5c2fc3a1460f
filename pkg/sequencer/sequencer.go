// Package sequencer implements the per-log Sequencer state machine and its
// process-wide registry, AllSequencers, named in spec §4.3. Grounded on
// original_source's AllSequencers.cpp for the activation state machine and
// epoch-store completion table, and on the teacher's manager.Manager for
// the Go idiom of a struct owning a long-lived coordination client
// (here, an epochstore.Store) plus a lock-guarded registry.
package sequencer

import (
	"sync"
	"time"

	"github.com/logdevice/logdevice/pkg/epochstore"
	"github.com/logdevice/logdevice/pkg/log"
	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/types"
)

// State is one node in the Sequencer activation state machine spec §4.3
// diagrams.
type State int

const (
	StateUnavailable State = iota
	StateActivating
	StateActive
	StatePreempted
	StatePermanentError
)

func (s State) String() string {
	switch s {
	case StateUnavailable:
		return "UNAVAILABLE"
	case StateActivating:
		return "ACTIVATING"
	case StateActive:
		return "ACTIVE"
	case StatePreempted:
		return "PREEMPTED"
	case StatePermanentError:
		return "PERMANENT_ERROR"
	default:
		return "UNKNOWN"
	}
}

// EpochStore is the coordination client a Sequencer drives activation
// through; *epochstore.Store satisfies it.
type EpochStore interface {
	CreateOrUpdateMetaData(req epochstore.NextEpochRequest, timeout time.Duration) (*types.EpochMetaData, status.Code)
}

// Predicate is evaluated against a Sequencer's current snapshot before an
// activation attempt proceeds; startActivation is a no-op (returns ABORTED)
// if pred returns false, matching spec §4.3's "idempotent with respect to
// the activation predicate".
type Predicate func(snap Snapshot) bool

// Snapshot is a Sequencer's state as of the instant it was read, returned
// instead of the live struct so callers can inspect it without holding the
// Sequencer's lock.
type Snapshot struct {
	LogID           types.LogID
	State           State
	CurrentEpoch    types.Epoch
	CurrentMetadata *types.EpochMetaData
	PreemptedEpoch  types.Epoch
	PreemptedBy     types.NodeIndex
}

// Sequencer is one log's activation state machine (spec §4.3).
type Sequencer struct {
	mu sync.Mutex

	logID           types.LogID
	state           State
	currentEpoch    types.Epoch
	currentMetadata *types.EpochMetaData
	preemptedEpoch  types.Epoch
	preemptedBy     types.NodeIndex

	// OnActivated is invoked (outside the lock) after a successful
	// transition to ACTIVE, standing in for spec §4.3's finalizeActivation
	// notification fan-out to workers, MetaDataLogWriter, and the
	// background activator — collapsed here to a single extension point
	// since none of those subsystems are themselves in scope.
	OnActivated func(*types.EpochMetaData)
}

func newSequencer(logID types.LogID) *Sequencer {
	return &Sequencer{logID: logID, state: StateUnavailable}
}

// Snapshot returns a defensive copy of the sequencer's current state.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		LogID:           s.logID,
		State:           s.state,
		CurrentEpoch:    s.currentEpoch,
		CurrentMetadata: s.currentMetadata.Clone(),
		PreemptedEpoch:  s.preemptedEpoch,
		PreemptedBy:     s.preemptedBy,
	}
}

// startActivation drives one activation attempt through the epoch store,
// per spec §4.3. req's LogID/AcceptableEpoch/ProvisionIfEmpty fields are
// overwritten to match this call's parameters before submission.
func (s *Sequencer) startActivation(store EpochStore, pred Predicate, acceptableEpoch *types.Epoch, provisionIfEmpty bool, req epochstore.NextEpochRequest, timeout time.Duration) status.Code {
	s.mu.Lock()
	if pred != nil && !pred(s.snapshotLocked()) {
		s.mu.Unlock()
		return status.ABORTED
	}
	if s.state == StateActivating {
		s.mu.Unlock()
		return status.AGAIN
	}
	s.state = StateActivating
	s.mu.Unlock()

	req.LogID = s.logID
	req.AcceptableEpoch = acceptableEpoch
	req.ProvisionIfEmpty = provisionIfEmpty

	md, code := store.CreateOrUpdateMetaData(req, timeout)
	return s.onEpochStoreCompletion(code, md)
}

func (s *Sequencer) snapshotLocked() Snapshot {
	return Snapshot{
		LogID:           s.logID,
		State:           s.state,
		CurrentEpoch:    s.currentEpoch,
		CurrentMetadata: s.currentMetadata.Clone(),
		PreemptedEpoch:  s.preemptedEpoch,
		PreemptedBy:     s.preemptedBy,
	}
}

// onEpochStoreCompletion implements the completion-status table spec §4.3
// names (onEpochMetaDataFromEpochStore).
func (s *Sequencer) onEpochStoreCompletion(code status.Code, md *types.EpochMetaData) status.Code {
	s.mu.Lock()

	var activated *types.EpochMetaData
	switch code {
	case status.OK:
		s.currentMetadata = md
		s.currentEpoch = md.Epoch
		s.state = StateActive
		activated = md.Clone()

	case status.ABORTED:
		s.state = StatePreempted
		if md != nil {
			s.preemptedEpoch = md.Epoch
			s.preemptedBy = md.LastWriterNode
		}

	case status.DISABLED, status.TOOBIG, status.INTERNAL, status.BADMSG:
		// Permanent-ish per spec §4.3's table; no further automatic
		// retries without operator intervention.
		s.state = StatePermanentError

	case status.AGAIN, status.NOTFOUND:
		// AGAIN: another node won the race. NOTFOUND: provisioning was
		// disallowed and the epoch store holds nothing for this log yet.
		// Both are transient from this Sequencer's point of view.
		s.state = StateUnavailable

	default:
		s.state = StateUnavailable
	}

	cb := s.OnActivated
	s.mu.Unlock()

	if activated != nil && cb != nil {
		cb(activated)
	}
	if code != status.OK {
		log.WithComponent("sequencer").Warn().
			Uint64("log_id", uint64(s.logID)).
			Str("status", code.String()).
			Msg("activation did not complete")
	}
	return code
}
