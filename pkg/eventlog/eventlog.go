// Package eventlog implements the event-log replicated state machine named
// in spec §6.3: a second Raft-FSM group (independent of pkg/epochstore's,
// sharing its Apply/Snapshot/Restore shape, though each Raft entry here is
// a bare JSON Delta with no Command envelope) that folds a
// totally-ordered stream of SHARD_* deltas into an EventLogRebuildingSet and
// fans each update out to subscribers. The delta log itself plays the role
// of "a LogDevice log" per spec §6.3; here it is the Raft log of this FSM
// group.
//
// Subscription delivery is grounded on the teacher's pkg/events.Broker
// (subscriber-channel map, buffered fan-out, broadcast-on-publish), with
// Publish driven internally by successful Raft Apply calls instead of by
// arbitrary external callers.
package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/logdevice/logdevice/pkg/types"
)

// DeltaType enumerates the SHARD_* delta kinds spec §4.5 names.
type DeltaType string

const (
	ShardNeedsRebuild  DeltaType = "SHARD_NEEDS_REBUILD"
	ShardAbortRebuild  DeltaType = "SHARD_ABORT_REBUILD"
	ShardIsRebuilt     DeltaType = "SHARD_IS_REBUILT"
	ShardDonorProgress DeltaType = "SHARD_DONOR_PROGRESS"
	ShardAckRebuilt    DeltaType = "SHARD_ACK_REBUILT"
	ShardUndrain       DeltaType = "SHARD_UNDRAIN"
	ShardUnrecoverable DeltaType = "SHARD_UNRECOVERABLE"
)

// Delta is one entry in the event log's totally-ordered stream.
type Delta struct {
	Type DeltaType
	types.ShardID
	// RestartVersion discards stale events: a shard rebuilding's restart
	// strictly increases this, and progress/completion deltas carrying a
	// lower value than the shard's current restartVersion are ignored by
	// subscribers (spec §4.5 "Restart on change").
	RestartVersion uint64
	// NextTimestamp is carried by SHARD_DONOR_PROGRESS for the global
	// window computation; zero for every other delta type.
	NextTimestamp int64
	// DirtyRanges is attached by a SHARD_NEEDS_REBUILD published from a
	// RebuildingRangesMetadata startup recovery (spec §4.5 "Startup
	// sequence").
	DirtyRanges []TimeRange
}

// TimeRange is a closed [Start,End] interval of record timestamps (ms since
// epoch) known to be dirty after an unclean shutdown.
type TimeRange struct {
	Start int64
	End   int64
}

// ShardRebuildState is one shard's entry in the folded RebuildingSet.
type ShardRebuildState struct {
	Version        uint64
	RestartVersion uint64
	Authoritative  bool
	DirtyRanges    []TimeRange
	// DonorsComplete records SHARD_IS_REBUILT deltas for this
	// RestartVersion or later. A delta names only the shard under rebuild,
	// not the donor that sent it, so the map is keyed by that shard's own
	// node: it shows that some donor finished, not which donors did.
	DonorsComplete map[types.NodeIndex]bool
}

// RebuildingSet is the folded view every node converges on by replaying the
// same delta stream, keyed by the shard under rebuild.
type RebuildingSet map[types.ShardID]*ShardRebuildState

func (s RebuildingSet) clone() RebuildingSet {
	out := make(RebuildingSet, len(s))
	for k, v := range s {
		cp := *v
		cp.DirtyRanges = append([]TimeRange(nil), v.DirtyRanges...)
		cp.DonorsComplete = make(map[types.NodeIndex]bool, len(v.DonorsComplete))
		for n, ok := range v.DonorsComplete {
			cp.DonorsComplete[n] = ok
		}
		out[k] = &cp
	}
	return out
}

// Update is delivered to every subscriber: the folded set as of version,
// the delta that produced it, and the version (Raft log index) it landed
// at — the (RebuildingSet, delta, version) tuple spec §6.3 names.
type Update struct {
	Set     RebuildingSet
	Delta   Delta
	Version uint64
}

// Subscriber receives Updates in delta order.
type Subscriber chan Update

// FSM folds SHARD_* deltas into a RebuildingSet and fans each resulting
// Update out to subscribers. It implements raft.FSM directly (rather than
// wrapping a separate broker type) so Apply can publish exactly the update
// that its own state transition produced, with no separate publish step
// that could race or reorder relative to Raft commit order.
type FSM struct {
	mu          sync.RWMutex
	set         RebuildingSet
	subscribers map[Subscriber]bool
}

// New creates an empty event log FSM.
func New() *FSM {
	return &FSM{set: make(RebuildingSet), subscribers: make(map[Subscriber]bool)}
}

// Subscribe registers sub for future Updates. Matches spec §6.3's
// subscribe(cb): delivery is via channel instead of a callback, the
// idiomatic Go rendering of the same contract.
func (f *FSM) Subscribe() Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := make(Subscriber, 64)
	f.subscribers[sub] = true
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (f *FSM) Unsubscribe(sub Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[sub]; ok {
		delete(f.subscribers, sub)
		close(sub)
	}
}

// Current returns a defensive copy of the folded set as of the last
// applied delta.
func (f *FSM) Current() RebuildingSet {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.set.clone()
}

// Apply implements raft.FSM: it folds the committed delta into the set and
// fans the resulting Update out to every subscriber.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var delta Delta
	if err := json.Unmarshal(log.Data, &delta); err != nil {
		return err
	}

	f.mu.Lock()
	fold(f.set, delta)
	update := Update{Set: f.set.clone(), Delta: delta, Version: log.Index}
	subs := make([]Subscriber, 0, len(f.subscribers))
	for sub := range f.subscribers {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- update:
		default:
			// Subscriber fell behind; it will observe the gap on its next
			// delivery via the monotonic Version, same as a slow
			// pkg/events.Broker subscriber dropping a broadcast.
		}
	}
	return nil
}

// fold applies delta to set in place, implementing the transitions spec
// §4.5 describes for each SHARD_* delta kind.
func fold(set RebuildingSet, delta Delta) {
	shard := delta.ShardID
	switch delta.Type {
	case ShardNeedsRebuild:
		st, ok := set[shard]
		if !ok {
			st = &ShardRebuildState{DonorsComplete: make(map[types.NodeIndex]bool)}
			set[shard] = st
		}
		st.Version = delta.RestartVersion
		st.RestartVersion = delta.RestartVersion
		st.Authoritative = true
		if len(delta.DirtyRanges) > 0 {
			st.DirtyRanges = append(st.DirtyRanges, delta.DirtyRanges...)
		}
	case ShardAbortRebuild, ShardAckRebuilt:
		delete(set, shard)
	case ShardIsRebuilt:
		if st, ok := set[shard]; ok && delta.RestartVersion >= st.RestartVersion {
			if st.DonorsComplete == nil {
				st.DonorsComplete = make(map[types.NodeIndex]bool)
			}
			st.DonorsComplete[shard.Node] = true
		}
	case ShardDonorProgress:
		// Progress deltas do not change set membership; the global window
		// computation in pkg/rebuilding consumes NextTimestamp directly
		// from the Update's Delta, not from folded state.
	case ShardUndrain:
		if st, ok := set[shard]; ok {
			st.Authoritative = true
		}
	case ShardUnrecoverable:
		if st, ok := set[shard]; ok {
			st.Authoritative = false
		}
	}
}

// Snapshot captures the folded set. Subscribers are transient per-process
// state and are not part of the snapshot.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{set: f.set.clone()}, nil
}

// Restore replaces the folded set from a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var set RebuildingSet
	if err := json.NewDecoder(rc).Decode(&set); err != nil {
		return fmt.Errorf("decoding event log snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = set
	return nil
}

type fsmSnapshot struct{ set RebuildingSet }

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.set); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
