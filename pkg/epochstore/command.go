package epochstore

import (
	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/types"
)

// Op names the single Raft command family the epoch store FSM understands.
// Generalized from the teacher's WarrenFSM Command{Op,Data} envelope, which
// dispatches by string Op over a dozen cluster-entity verbs; the epoch
// store needs exactly one, because every write to a log's EpochMetaData is
// the same read-modify-write shape (spec §6.2's createOrUpdateMetaData).
type Op string

const NextEpochOp Op = "next_epoch"

// Command is the envelope proposed to Raft for every epoch store write.
type Command struct {
	Op   Op     `json:"op"`
	Data []byte `json:"data"`
}

// NextEpochRequest is the updater spec.md names
// EpochMetaDataUpdateToNextEpoch: it either provisions an initial record
// (epoch 1) when the log has none and ProvisionIfEmpty is set, or advances
// the stored record's epoch by one, failing ABORTED if AcceptableEpoch no
// longer matches what is stored (another writer already moved the epoch
// forward).
type NextEpochRequest struct {
	LogID               types.LogID
	AcceptableEpoch     *types.Epoch
	NewFormat           *uint32
	ProvisionIfEmpty    bool
	NodeSet             []types.ShardID
	ReplicationProperty types.ReplicationProperty
	WriteNodeID         types.NodeIndex
}

// ApplyResult is what the FSM returns from Apply and what CreateOrUpdateMetaData
// unpacks from the Raft future's response — the (status, metadata) pair
// spec §6.2 describes createOrUpdateMetaData as completing with.
type ApplyResult struct {
	Code     status.Code
	Metadata *types.EpochMetaData
}
