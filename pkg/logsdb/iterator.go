package logsdb

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/logdevice/logdevice/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// IteratorState mirrors the states original_source's LocalLogStore iterators
// expose, since callers (pkg/rebuilding, read-path RPCs) branch on them
// directly rather than on a Go error alone.
type IteratorState int

const (
	AtRecord IteratorState = iota
	AtEnd
	LimitReached
	WouldBlock
	IteratorError
)

// dirEntry is one directory bucket row: a (log, partition) pair's recorded
// LSN range.
type dirEntry struct {
	minLSN, maxLSN types.LSN
	partitionID    uint64
}

func (s *Store) directoryEntriesForLog(tx *bolt.Tx, logID types.LogID) []dirEntry {
	b := tx.Bucket(bucketDirectory)
	c := b.Cursor()
	prefix := directoryKey(logID, 0)[:8]

	var entries []dirEntry
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		_, minLSN := decodeDirectoryKey(k)
		partitionID, maxLSN := decodeDirectoryValue(v)
		entries = append(entries, dirEntry{minLSN: minLSN, maxLSN: maxLSN, partitionID: partitionID})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].partitionID < entries[j].partitionID })
	return entries
}

// ReadFilter lets a caller skip whole partitions up front by timestamp range
// (spec §6.4's filtered-read counters), avoiding a bucket scan for
// partitions the caller knows hold nothing it wants.
type ReadFilter interface {
	ShouldProcessTimeRange(minMS, maxMS int64) bool
}

// PerLogIterator walks one log's records in LSN order across partitions,
// following the directory to skip partitions that hold none of the log's
// records and suppressing orphans (a record key past its partition's
// recorded max_lsn — spec §8 invariant 7).
type PerLogIterator struct {
	store  *Store
	logID  types.LogID
	filter ReadFilter

	tx      *bolt.Tx
	entries []dirEntry
	entryIx int
	cursor  *bolt.Cursor

	limit types.LSN // 0 means unbounded

	state IteratorState
	cur   types.Record
	err   error

	recordsRead     int64
	recordsFiltered int64
}

// NewPerLogIterator opens a read transaction and positions a fresh iterator
// for logID. Callers must call Close when done to release the transaction.
func NewPerLogIterator(store *Store, logID types.LogID, filter ReadFilter) (*PerLogIterator, error) {
	tx, err := store.db.Begin(false)
	if err != nil {
		return nil, err
	}
	return &PerLogIterator{store: store, logID: logID, filter: filter, tx: tx, state: AtEnd}, nil
}

// Close releases the iterator's read transaction.
func (it *PerLogIterator) Close() error { return it.tx.Rollback() }

func (it *PerLogIterator) State() IteratorState { return it.state }
func (it *PerLogIterator) Record() types.Record { return it.cur }
func (it *PerLogIterator) Err() error           { return it.err }

// Seek positions the iterator at the first record with lsn >= from, reading
// no further than limit (types.MaxLSN for unbounded).
func (it *PerLogIterator) Seek(from, limit types.LSN) {
	it.limit = limit
	it.entries = it.store.directoryEntriesForLog(it.tx, it.logID)

	// Directory entries are sorted by partition id, which tracks creation
	// order; the first entry whose recorded range could still contain
	// `from` is where the scan starts; entries entirely below the target
	// lsn are skipped without opening their bucket.
	start := 0
	for i, e := range it.entries {
		if e.maxLSN >= from {
			start = i
			break
		}
		start = i + 1
	}
	it.entryIx = start
	if it.entryIx >= len(it.entries) {
		it.state = AtEnd
		it.cursor = nil
		return
	}
	it.openCursorAt(from)
	it.moveUntilValid()
}

func (it *PerLogIterator) openCursorAt(from types.LSN) {
	e := it.entries[it.entryIx]
	if it.filter != nil {
		partInfo, err := it.store.partitionInfo(it.tx, e.partitionID)
		if err == nil && !it.filter.ShouldProcessTimeRange(partInfo.MinTimestampMS, partInfo.MaxTimestampMS) {
			it.cursor = nil
			return
		}
	}
	b := it.tx.Bucket(partitionBucketName(e.partitionID))
	it.cursor = b.Cursor()
	seekFrom := from
	if seekFrom < e.minLSN {
		seekFrom = e.minLSN
	}
	it.cursor.Seek(recordKey(it.logID, seekFrom))
}

// Next advances to the following record.
func (it *PerLogIterator) Next() {
	if it.state != AtRecord {
		return
	}
	it.cursor.Next()
	it.moveUntilValid()
}

// moveUntilValid advances the cursor (and, when exhausted, the partition
// entry index) until it rests on a valid record for this log, the read
// limit is reached, or no partitions remain.
func (it *PerLogIterator) moveUntilValid() {
	for {
		if it.cursor == nil {
			it.entryIx++
			if it.entryIx >= len(it.entries) {
				it.state = AtEnd
				return
			}
			it.openCursorAt(0)
			continue
		}
		k, v := it.cursor.Key(), it.cursor.Value()
		if k == nil {
			it.cursor = nil
			continue
		}
		logID, lsn := decodeRecordKey(k)
		if logID != it.logID {
			it.cursor = nil
			continue
		}
		if lsn > it.entries[it.entryIx].maxLSN {
			// Past the directory's recorded range for this partition: any
			// further keys for this log in this bucket are orphans left by
			// a write that never reached the directory update.
			it.recordsFiltered++
			it.cursor = nil
			continue
		}
		if it.limit != 0 && lsn > it.limit {
			it.state = LimitReached
			return
		}
		rec, err := decodeRecord(v)
		if err != nil {
			it.state = IteratorError
			it.err = err
			return
		}
		it.cur = rec
		it.recordsRead++
		it.state = AtRecord
		return
	}
}

func (s *Store) partitionInfo(tx *bolt.Tx, id uint64) (*PartitionInfo, error) {
	v := tx.Bucket(bucketPartitionIndex).Get(partitionIndexKey(id))
	if v == nil {
		return &PartitionInfo{ID: id}, nil
	}
	info := &PartitionInfo{}
	if err := json.Unmarshal(v, info); err != nil {
		return nil, err
	}
	return info, nil
}

// Location identifies a position in the all-logs iteration order: partition
// id first (partitions are visited in creation order), then log id and lsn
// within the partition's bucket.
type Location struct {
	PartitionID uint64
	LogID       types.LogID
	LSN         types.LSN
}

// AllLogsIterator walks every record across every partition in partition-id
// order, used by the rebuilding read path (spec §4.5) which must scan all
// logs a shard holds rather than one log at a time.
type AllLogsIterator struct {
	store  *Store
	filter ReadFilter

	tx         *bolt.Tx
	partitions []uint64
	partIx     int
	cursor     *bolt.Cursor

	state IteratorState
	cur   types.Record
	loc   Location
	err   error

	// AccessedUnderreplicatedRegion is sticky for the iterator's lifetime:
	// once true it never resets, matching original_source's
	// accessed_underreplicated_region flag used to decide whether a
	// rebuilding read pass must be retried.
	AccessedUnderreplicatedRegion bool

	bytesRead     int64
	bytesFiltered int64
}

// NewAllLogsIterator opens a read transaction positioned before the first
// partition.
func NewAllLogsIterator(store *Store, filter ReadFilter) (*AllLogsIterator, error) {
	tx, err := store.db.Begin(false)
	if err != nil {
		return nil, err
	}
	it := &AllLogsIterator{store: store, filter: filter, tx: tx, state: AtEnd, partIx: -1}

	c := tx.Bucket(bucketPartitionIndex).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		it.partitions = append(it.partitions, decodePartitionIndexKey(k))
	}
	return it, nil
}

func (it *AllLogsIterator) Close() error { return it.tx.Rollback() }

func (it *AllLogsIterator) State() IteratorState { return it.state }
func (it *AllLogsIterator) Record() types.Record { return it.cur }
func (it *AllLogsIterator) Location() Location   { return it.loc }

// Next advances to the following record across the whole store.
func (it *AllLogsIterator) Next() {
	for {
		if it.cursor == nil {
			it.partIx++
			if it.partIx >= len(it.partitions) {
				it.state = AtEnd
				return
			}
			id := it.partitions[it.partIx]
			if it.filter != nil {
				info, err := it.store.partitionInfo(it.tx, id)
				if err == nil && !it.filter.ShouldProcessTimeRange(info.MinTimestampMS, info.MaxTimestampMS) {
					continue
				}
			}
			it.cursor = it.tx.Bucket(partitionBucketName(id)).Cursor()
			k, v := it.cursor.First()
			if k == nil {
				it.cursor = nil
				continue
			}
			it.emit(id, k, v)
			return
		}
		k, v := it.cursor.Next()
		if k == nil {
			it.cursor = nil
			continue
		}
		it.emit(it.partitions[it.partIx], k, v)
		return
	}
}

func (it *AllLogsIterator) emit(partitionID uint64, k, v []byte) {
	logID, lsn := decodeRecordKey(k)
	rec, err := decodeRecord(v)
	if err != nil {
		it.state = IteratorError
		it.err = err
		return
	}
	it.cur = rec
	it.loc = Location{PartitionID: partitionID, LogID: logID, LSN: lsn}
	it.bytesRead += int64(len(v))
	if rec.Flags&types.StoreRebuilding != 0 {
		it.AccessedUnderreplicatedRegion = true
	}
	it.state = AtRecord
}

func (it *AllLogsIterator) Err() error { return it.err }
