package rebuilding

import (
	"github.com/logdevice/logdevice/pkg/eventlog"
	"github.com/logdevice/logdevice/pkg/types"
)

// RebuildingPlanner decides, for one snapshot of the event log's folded
// RebuildingSet, which records a donor must re-replicate: spec §4.5 step 1
// ("for each log it decides which epochs must be re-read because their
// nodeset intersects the rebuilding set"). Record granularity substitutes
// for epoch granularity here since this store keeps no separate per-epoch
// nodeset index outside a record's own copyset.
type RebuildingPlanner struct {
	dirty map[types.ShardID]*eventlog.ShardRebuildState
}

// NewRebuildingPlanner builds a planner from the event log's current
// folded set.
func NewRebuildingPlanner(set eventlog.RebuildingSet) *RebuildingPlanner {
	dirty := make(map[types.ShardID]*eventlog.ShardRebuildState, len(set))
	for shard, st := range set {
		dirty[shard] = st
	}
	return &RebuildingPlanner{dirty: dirty}
}

// DirtyShards returns every shard currently in the rebuilding set.
func (p *RebuildingPlanner) DirtyShards() []types.ShardID {
	out := make([]types.ShardID, 0, len(p.dirty))
	for s := range p.dirty {
		out = append(out, s)
	}
	return out
}

// RecordNeedsRebuild reports whether rec's copyset intersects the
// rebuilding set — spec §4.5 step 4's first skip condition ("copyset
// excludes dirty shards").
func (p *RebuildingPlanner) RecordNeedsRebuild(rec types.Record) bool {
	for _, shard := range rec.Copyset {
		if _, ok := p.dirty[shard]; ok {
			return true
		}
	}
	return false
}

// IntersectsDirtyRange reports whether rec's timestamp falls inside any
// dirty shard's recorded dirty range (spec §4.5 step 4's second skip
// condition). A dirty shard with no recorded ranges is fully dirty — every
// timestamp intersects.
func (p *RebuildingPlanner) IntersectsDirtyRange(rec types.Record) bool {
	for _, shard := range rec.Copyset {
		st, ok := p.dirty[shard]
		if !ok {
			continue
		}
		if len(st.DirtyRanges) == 0 {
			return true
		}
		for _, r := range st.DirtyRanges {
			if rec.Timestamp >= r.Start && rec.Timestamp <= r.End {
				return true
			}
		}
	}
	return false
}

// NonDirtyCopyset returns rec's copyset with every currently-dirty shard
// removed — the set a donor re-replicates to (spec §4.5 step 3).
func (p *RebuildingPlanner) NonDirtyCopyset(rec types.Record) []types.ShardID {
	out := make([]types.ShardID, 0, len(rec.Copyset))
	for _, shard := range rec.Copyset {
		if _, ok := p.dirty[shard]; !ok {
			out = append(out, shard)
		}
	}
	return out
}

// Authoritative reports whether every epoch in scope can still meet
// replication once the dirty set is excluded (spec §4.5
// "Authoritativeness"): given the full nodeset a log replicates across and
// the minimum copyset width replication requires, a rebuild is
// non-authoritative if removing the dirty shards from the nodeset would
// leave fewer candidates than minCopysetSize.
func (p *RebuildingPlanner) Authoritative(nodeset []types.ShardID, minCopysetSize int) bool {
	remaining := 0
	for _, shard := range nodeset {
		if _, ok := p.dirty[shard]; !ok {
			remaining++
		}
	}
	return remaining >= minCopysetSize
}
