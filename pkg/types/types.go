// Package types defines the core identifiers and data-model structures
// shared across logdevice's write-path packages: logs, epochs, LSNs, shard
// identifiers, and the immutable per-epoch metadata record.
package types

import "fmt"

// LogID identifies a log. The top bit distinguishes a metadata log (set)
// from a data log (clear).
type LogID uint64

const metadataLogBit LogID = 1 << 63

// IsMetadataLog reports whether id names a metadata log.
func (id LogID) IsMetadataLog() bool { return id&metadataLogBit != 0 }

// MetadataLogOf returns the metadata log id companion to a data log id.
func MetadataLogOf(dataLog LogID) LogID { return dataLog | metadataLogBit }

// Epoch is a monotonically-issued, per-log 32-bit epoch number.
type Epoch uint32

// EpochInvalid is the reserved epoch value meaning "never activated".
const EpochInvalid Epoch = 0

// EpochMax is the largest epoch a log may be assigned; issuing past it
// surfaces status.TOOBIG (spec §8, EPOCH_MAX exhaustion).
const EpochMax Epoch = 1<<32 - 1

// ESN is an epoch sequence number: a record's position within an epoch.
type ESN uint32

// ESNInvalid is the reserved "no record" ESN.
const ESNInvalid ESN = 0

// LSN totally orders records within a log: (epoch << 32) | esn.
type LSN uint64

// LSNInvalid is the reserved "no such record" LSN.
const LSNInvalid LSN = 0

// MaxLSN is the largest representable LSN, used as a sentinel upper bound
// for unbounded range reads.
const MaxLSN LSN = 1<<64 - 1

// MakeLSN packs an (epoch, esn) pair into a totally-ordered LSN.
func MakeLSN(epoch Epoch, esn ESN) LSN {
	return LSN(uint64(epoch)<<32 | uint64(esn))
}

// Epoch extracts the epoch component of an LSN.
func (l LSN) Epoch() Epoch { return Epoch(uint64(l) >> 32) }

// ESN extracts the esn component of an LSN.
func (l LSN) ESN() ESN { return ESN(uint64(l) & 0xffffffff) }

func (l LSN) String() string {
	return fmt.Sprintf("e%dn%d", l.Epoch(), l.ESN())
}

// NodeIndex identifies a storage node within the cluster's node set.
type NodeIndex uint16

// ShardIndex identifies a shard within a storage node.
type ShardIndex uint8

// ShardID identifies one shard of one storage node.
type ShardID struct {
	Node  NodeIndex
	Shard ShardIndex
}

func (s ShardID) String() string { return fmt.Sprintf("N%d:S%d", s.Node, s.Shard) }

// MarshalText renders ShardID so it can be used as a JSON map key (the
// event log's RebuildingSet is keyed by ShardID and persisted via
// encoding/json snapshots).
func (s ShardID) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses the format produced by MarshalText.
func (s *ShardID) UnmarshalText(text []byte) error {
	var node NodeIndex
	var shard ShardIndex
	if _, err := fmt.Sscanf(string(text), "N%d:S%d", &node, &shard); err != nil {
		return fmt.Errorf("parsing ShardID %q: %w", text, err)
	}
	s.Node = node
	s.Shard = shard
	return nil
}

// ClientID is a per-worker handle for a server-side view of a client
// connection, assigned during the HELLO/ACK handshake.
type ClientID uint32

// ClientIDInvalid marks an unassigned/unknown ClientID.
const ClientIDInvalid ClientID = 0

// ServerInstanceID is the monotonic wall-clock value captured at process
// start, used by peers to detect a restart of a node they're connected to.
type ServerInstanceID int64

// NodeLocationScope names a topology scope (e.g. NODE, RACK, ROW, CLUSTER,
// REGION) used both for replication-property keys and FlowGroup scoping.
type NodeLocationScope string

const (
	ScopeNode    NodeLocationScope = "NODE"
	ScopeRack    NodeLocationScope = "RACK"
	ScopeRow     NodeLocationScope = "ROW"
	ScopeCluster NodeLocationScope = "CLUSTER"
	ScopeRegion  NodeLocationScope = "REGION"
)

// ReplicationProperty maps a topology scope to the minimum number of
// distinct locations at that scope a copyset must span.
type ReplicationProperty map[NodeLocationScope]int

// EpochMetaDataFlags are per-epoch boolean flags.
type EpochMetaDataFlags uint32

const (
	MetaDataDisabled            EpochMetaDataFlags = 1 << iota // log marked disabled
	MetaDataWrittenInMetaDataLog                               // this record has been durably appended to the metadata log
)

// Has reports whether flag is set.
func (f EpochMetaDataFlags) Has(flag EpochMetaDataFlags) bool { return f&flag != 0 }

// EpochMetaData is the immutable per-epoch placement policy for a data log,
// as stored in the epoch store (spec §3).
type EpochMetaData struct {
	Epoch               Epoch
	NodeSet             []ShardID
	ReplicationProperty ReplicationProperty
	Flags               EpochMetaDataFlags
	StorageSetFormat    int
	LastWriterNode      NodeIndex
}

// Clone returns a deep copy, since EpochMetaData must be treated as
// immutable once handed to a Sequencer.
func (m *EpochMetaData) Clone() *EpochMetaData {
	if m == nil {
		return nil
	}
	cp := *m
	cp.NodeSet = append([]ShardID(nil), m.NodeSet...)
	cp.ReplicationProperty = make(ReplicationProperty, len(m.ReplicationProperty))
	for k, v := range m.ReplicationProperty {
		cp.ReplicationProperty[k] = v
	}
	return &cp
}

// Record is an opaque append-only payload bound to an (epoch, esn) once
// sequenced. Payloads are uninterpreted byte strings (spec Non-goals:
// schema-defined records are out of scope).
type Record struct {
	LogID     LogID
	LSN       LSN
	Timestamp int64 // unix millis
	Payload   []byte
	Copyset   []ShardID
	Flags     StoreFlags
}

// StoreFlags are the per-record flags carried on a STORE message (spec
// §6.1).
type StoreFlags uint32

const (
	StoreRebuilding StoreFlags = 1 << iota
	StoreRecovery
	StoreAmend
	StoreOffsetWithinEpoch
	StoreCustomKey
	StoreE2ETracingOn
)
