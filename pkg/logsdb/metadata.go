package logsdb

import "github.com/logdevice/logdevice/pkg/types"

// LogMetadata is the per-log record spec §6.4 names: trim point, last
// clean epoch, seal, last released lsn.
type LogMetadata struct {
	TrimPoint      types.LSN
	LastCleanEpoch types.Epoch
	Sealed         bool
	SealEpoch      types.Epoch
	LastReleased   types.LSN
}

// StoreMetadata is the singleton store-wide record spec §6.4 names:
// schema version and the two rebuilding markers consulted at startup
// (spec §4.5 "Startup sequence").
type StoreMetadata struct {
	SchemaVersion int

	// RebuildingComplete marks a shard as data-intact: present means the
	// shard has finished (or never needed) rebuilding.
	RebuildingComplete map[types.ShardIndex]bool

	// DirtyRanges records ranges recovered from an unclean shutdown via
	// RebuildingRangesMetadata, pending publication via SHARD_NEEDS_REBUILD
	// on the first event-log update after startup.
	DirtyRanges map[types.ShardIndex][]DirtyRange
}

// DirtyRange is a closed timestamp interval (ms since epoch) that may hold
// under-replicated data after an unclean shutdown.
type DirtyRange struct {
	Start int64
	End   int64
}

func newStoreMetadata() *StoreMetadata {
	return &StoreMetadata{
		SchemaVersion:      1,
		RebuildingComplete: make(map[types.ShardIndex]bool),
		DirtyRanges:        make(map[types.ShardIndex][]DirtyRange),
	}
}

// PartitionInfo describes one partition's rollover bookkeeping.
type PartitionInfo struct {
	ID          uint64
	CreatedAtMS int64
	MinTimestampMS int64
	MaxTimestampMS int64
	ApproxBytes int64
	RecordCount int64
}
