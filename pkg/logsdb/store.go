package logsdb

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/logdevice/logdevice/pkg/config"
	"github.com/logdevice/logdevice/pkg/log"
	"github.com/logdevice/logdevice/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// dirCacheKey locates the one directory entry a (log, partition) pair owns,
// so Put can extend its maxLSN without a bucket scan.
type dirCacheKey struct {
	logID     types.LogID
	partition uint64
}

// Store is the time-partitioned local store described in spec §4.4/§6.4:
// one bbolt bucket of records per partition, a directory bucket mapping
// (log, min_lsn) -> (partition, max_lsn), and per-log/store-wide metadata
// buckets. Grounded on the teacher's BoltStore (single bbolt file,
// bucket-per-entity, JSON-encoded values), generalized to bucket-per-
// partition.
type Store struct {
	db  *bolt.DB
	cfg *config.Settings

	mu       sync.Mutex
	latest   *PartitionInfo
	dirCache map[dirCacheKey]types.LSN
}

// Open creates or recovers a Store rooted at dataDir/logsdb.db, creating the
// latest partition if none exists yet.
func Open(dataDir string, cfg *config.Settings) (*Store, error) {
	dbPath := filepath.Join(dataDir, "logsdb.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening logsdb %s: %w", dbPath, err)
	}

	s := &Store{db: db, cfg: cfg, dirCache: make(map[dirCacheKey]types.LSN)}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDirectory, bucketLogMeta, bucketStoreMeta, bucketPartitionIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return s.loadDirCacheLocked(tx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := s.loadLatestPartition(); err != nil {
		db.Close()
		return nil, err
	}
	if s.latest == nil {
		if err := s.createPartition(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the underlying bbolt file.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) loadDirCacheLocked(tx *bolt.Tx) error {
	b := tx.Bucket(bucketDirectory)
	return b.ForEach(func(k, v []byte) error {
		logID, minLSN := decodeDirectoryKey(k)
		partitionID, _ := decodeDirectoryValue(v)
		s.dirCache[dirCacheKey{logID, partitionID}] = minLSN
		return nil
	})
}

func (s *Store) loadLatestPartition() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitionIndex)
		c := b.Cursor()
		_, v := c.Last()
		if v == nil {
			return nil
		}
		var info PartitionInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return fmt.Errorf("decoding partition index entry: %w", err)
		}
		s.latest = &info
		return nil
	})
}

// createPartition rolls over to a fresh partition and designates it latest,
// mirroring the original's "atomically create and designate latest" column
// family swap (original_source PartitionedRocksDBStore): here the swap is
// just repointing s.latest under mu plus an index-bucket write in the same
// transaction as the bucket creation.
func (s *Store) createPartition() error {
	var id uint64
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitionIndex)
		c := b.Cursor()
		k, _ := c.Last()
		if k != nil {
			id = decodePartitionIndexKey(k) + 1
		}
		if _, err := tx.CreateBucketIfNotExists(partitionBucketName(id)); err != nil {
			return err
		}
		info := &PartitionInfo{ID: id, CreatedAtMS: nowMS()}
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		if err := b.Put(partitionIndexKey(id), data); err != nil {
			return err
		}
		s.latest = info
		return nil
	})
}

// needsRollover reports whether the latest partition has crossed any of the
// configured thresholds (spec §6.5 PartitionDuration / PartitionSizeLimit /
// PartitionFileLimit, the last reinterpreted as a record-count ceiling since
// bbolt is a single file and does not expose per-bucket byte accounting).
func (s *Store) needsRollover() bool {
	if s.latest == nil {
		return true
	}
	age := time.Duration(nowMS()-s.latest.CreatedAtMS) * time.Millisecond
	if s.cfg.PartitionDuration > 0 && age >= s.cfg.PartitionDuration {
		return true
	}
	if s.cfg.PartitionSizeLimit > 0 && s.latest.ApproxBytes >= s.cfg.PartitionSizeLimit {
		return true
	}
	if s.cfg.PartitionFileLimit > 0 && s.latest.RecordCount >= int64(s.cfg.PartitionFileLimit) {
		return true
	}
	return false
}

// Put durably appends rec into the latest partition, rolling over first if
// the latest partition has crossed a configured threshold, and extends the
// directory entry for (rec.LogID, latest partition).
func (s *Store) Put(rec types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.needsRollover() {
		if err := s.createPartition(); err != nil {
			return fmt.Errorf("rolling over partition: %w", err)
		}
	}
	partitionID := s.latest.ID

	err := s.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(partitionBucketName(partitionID))
		value, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		if err := pb.Put(recordKey(rec.LogID, rec.LSN), value); err != nil {
			return err
		}

		dk := dirCacheKey{rec.LogID, partitionID}
		minLSN, ok := s.dirCache[dk]
		if !ok {
			minLSN = rec.LSN
			s.dirCache[dk] = minLSN
		}
		db := tx.Bucket(bucketDirectory)
		maxLSN := rec.LSN
		if v := db.Get(directoryKey(rec.LogID, minLSN)); v != nil {
			if _, prev := decodeDirectoryValue(v); prev > maxLSN {
				maxLSN = prev
			}
		}
		if err := db.Put(directoryKey(rec.LogID, minLSN), directoryValue(partitionID, maxLSN)); err != nil {
			return err
		}

		ib := tx.Bucket(bucketPartitionIndex)
		s.latest.RecordCount++
		s.latest.ApproxBytes += int64(len(value))
		if s.latest.MinTimestampMS == 0 || rec.Timestamp < s.latest.MinTimestampMS {
			s.latest.MinTimestampMS = rec.Timestamp
		}
		if rec.Timestamp > s.latest.MaxTimestampMS {
			s.latest.MaxTimestampMS = rec.Timestamp
		}
		data, err := json.Marshal(s.latest)
		if err != nil {
			return err
		}
		return ib.Put(partitionIndexKey(partitionID), data)
	})
	if err != nil {
		return fmt.Errorf("putting record log=%d lsn=%s: %w", rec.LogID, rec.LSN, err)
	}
	return nil
}

// DropOldestPartitions enforces retention by dropping whole partitions
// (spec §4.4 "retention is enforced by dropping whole partitions, never by
// deleting individual records") until only the newest keep partitions
// remain, always preserving the latest partition (keep below 1 is treated
// as 1).
func (s *Store) DropOldestPartitions(keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPartitionIndex).ForEach(func(k, _ []byte) error {
			ids = append(ids, decodePartitionIndexKey(k))
			return nil
		})
	})
	if err != nil {
		return err
	}
	if keep < 1 {
		keep = 1
	}
	if len(ids) <= keep {
		return nil
	}
	drop := ids[:len(ids)-keep]

	return s.db.Update(func(tx *bolt.Tx) error {
		ib := tx.Bucket(bucketPartitionIndex)
		db := tx.Bucket(bucketDirectory)
		for _, id := range drop {
			if err := tx.DeleteBucket(partitionBucketName(id)); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("dropping partition %d: %w", id, err)
			}
			if err := ib.Delete(partitionIndexKey(id)); err != nil {
				return err
			}
			var staleKeys [][]byte
			c := db.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				partitionID, _ := decodeDirectoryValue(v)
				if partitionID == id {
					staleKeys = append(staleKeys, append([]byte(nil), k...))
				}
			}
			for _, k := range staleKeys {
				logID, _ := decodeDirectoryKey(k)
				delete(s.dirCache, dirCacheKey{logID, id})
				if err := db.Delete(k); err != nil {
					return err
				}
			}
			log.WithComponent("logsdb").Info().Uint64("partition_id", id).Msg("dropped partition")
		}
		return nil
	})
}

// PutLogMetadata persists md for logID.
func (s *Store) PutLogMetadata(logID types.LogID, md *LogMetadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLogMeta).Put(logMetaKey(logID), data)
	})
}

// LogMetadata returns logID's metadata, or a zero-value record if none has
// been written yet.
func (s *Store) LogMetadata(logID types.LogID) (*LogMetadata, error) {
	md := &LogMetadata{}
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLogMeta).Get(logMetaKey(logID))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, md)
	})
	return md, err
}

// StoreMetadata returns the singleton store-wide metadata record (spec
// §6.4), creating it with defaults on first access.
func (s *Store) StoreMetadata() (*StoreMetadata, error) {
	sm := newStoreMetadata()
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketStoreMeta).Get([]byte(storeMetaKey))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, sm)
	})
	return sm, err
}

// PutStoreMetadata overwrites the singleton store-wide metadata record.
func (s *Store) PutStoreMetadata(sm *StoreMetadata) error {
	data, err := json.Marshal(sm)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStoreMeta).Put([]byte(storeMetaKey), data)
	})
}

func encodeRecord(rec types.Record) ([]byte, error) { return json.Marshal(rec) }

func decodeRecord(data []byte) (types.Record, error) {
	var rec types.Record
	err := json.Unmarshal(data, &rec)
	return rec, err
}

// nowMS is overridden in tests; production code takes the wall clock.
var nowMS = func() int64 { return time.Now().UnixMilli() }
