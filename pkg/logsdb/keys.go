// Package logsdb implements the time-partitioned local log store named in
// spec §4.4 and §6.4: one bbolt bucket per partition holding records, a
// directory bucket mapping (log_id, min_lsn, partition_id) -> max_lsn, and
// metadata buckets for per-log and store-wide state. Grounded on the
// teacher's pkg/storage/boltdb.go (bucket-per-entity CRUD over a single
// bbolt file, JSON-encoded values) generalized from bucket-per-entity-kind
// to bucket-per-partition, and on original_source's
// PartitionedRocksDBStoreIterators.h / RocksDBLogStoreBase.h for the
// directory and iterator semantics RocksDB's column families provided
// there and bbolt's named buckets provide here.
package logsdb

import (
	"encoding/binary"

	"github.com/logdevice/logdevice/pkg/types"
)

// recordKey frames (logID, lsn) big-endian so bbolt's byte-lexicographic
// cursor order matches ascending LSN order within one log, per spec §6.4
// ("All binary keys are big-endian framed to preserve sorted iteration
// order").
func recordKey(logID types.LogID, lsn types.LSN) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], uint64(logID))
	binary.BigEndian.PutUint64(k[8:16], uint64(lsn))
	return k
}

func decodeRecordKey(k []byte) (types.LogID, types.LSN) {
	return types.LogID(binary.BigEndian.Uint64(k[0:8])), types.LSN(binary.BigEndian.Uint64(k[8:16]))
}

// directoryKey frames (logID, minLSN) for the directory bucket; the
// partition id the entry belongs to is carried in the value alongside
// maxLSN so a single directory bucket can hold one entry per (log,
// partition) pair.
func directoryKey(logID types.LogID, minLSN types.LSN) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], uint64(logID))
	binary.BigEndian.PutUint64(k[8:16], uint64(minLSN))
	return k
}

func decodeDirectoryKey(k []byte) (types.LogID, types.LSN) {
	return types.LogID(binary.BigEndian.Uint64(k[0:8])), types.LSN(binary.BigEndian.Uint64(k[8:16]))
}

// directoryValue packs (partitionID, maxLSN).
func directoryValue(partitionID uint64, maxLSN types.LSN) []byte {
	v := make([]byte, 16)
	binary.BigEndian.PutUint64(v[0:8], partitionID)
	binary.BigEndian.PutUint64(v[8:16], uint64(maxLSN))
	return v
}

func decodeDirectoryValue(v []byte) (partitionID uint64, maxLSN types.LSN) {
	return binary.BigEndian.Uint64(v[0:8]), types.LSN(binary.BigEndian.Uint64(v[8:16]))
}

// partitionBucketName returns the bbolt bucket name holding partition id's
// records — the logsdb analogue of one RocksDB column family per partition.
func partitionBucketName(id uint64) []byte {
	name := make([]byte, 2+8)
	copy(name, "p:")
	binary.BigEndian.PutUint64(name[2:], id)
	return name
}

var (
	bucketDirectory = []byte("directory")
	bucketLogMeta   = []byte("logmeta")
	bucketStoreMeta = []byte("storemeta")
	bucketPartitionIndex = []byte("partitions") // id -> PartitionInfo, ordered
)

const storeMetaKey = "meta"

// partitionIndexKey frames a partition id big-endian so the partition index
// bucket's cursor iterates partitions in creation order.
func partitionIndexKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func decodePartitionIndexKey(k []byte) uint64 { return binary.BigEndian.Uint64(k) }

// logMetaKey frames a log id big-endian for the per-log metadata bucket.
func logMetaKey(logID types.LogID) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(logID))
	return k
}
