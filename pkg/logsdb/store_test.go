package logsdb

import (
	"testing"

	"github.com/logdevice/logdevice/pkg/config"
	"github.com/logdevice/logdevice/pkg/types"
	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/require"
)

func testSettings(partitionFileLimit int) *config.Settings {
	s := config.Default()
	s.PartitionFileLimit = partitionFileLimit
	s.PartitionSizeLimit = 0
	s.PartitionDuration = 0
	return s
}

func openTestStore(t *testing.T, partitionFileLimit int) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), testSettings(partitionFileLimit))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func readAll(t *testing.T, s *Store, logID types.LogID) []types.Record {
	t.Helper()
	it, err := NewPerLogIterator(s, logID, nil)
	require.NoError(t, err)
	defer it.Close()

	it.Seek(0, types.MaxLSN)
	var out []types.Record
	for it.State() == AtRecord {
		out = append(out, it.Record())
		it.Next()
	}
	require.NotEqual(t, IteratorError, it.State(), it.Err())
	return out
}

func TestPutAndPerLogIteratorOrder(t *testing.T) {
	s := openTestStore(t, 2) // roll over every 2 records, forcing multiple partitions
	logID := types.LogID(42)

	for i := 1; i <= 5; i++ {
		rec := types.Record{LogID: logID, LSN: types.LSN(i), Timestamp: int64(i)}
		require.NoError(t, s.Put(rec))
	}

	got := readAll(t, s, logID)
	require.Len(t, got, 5)
	for i, rec := range got {
		require.Equal(t, types.LSN(i+1), rec.LSN)
	}
}

func TestPerLogIteratorIsolatesOtherLogs(t *testing.T) {
	s := openTestStore(t, 100)
	a, b := types.LogID(1), types.LogID(2)

	require.NoError(t, s.Put(types.Record{LogID: a, LSN: 1}))
	require.NoError(t, s.Put(types.Record{LogID: b, LSN: 1}))
	require.NoError(t, s.Put(types.Record{LogID: a, LSN: 2}))

	got := readAll(t, s, a)
	require.Len(t, got, 2)
	require.Equal(t, types.LSN(1), got[0].LSN)
	require.Equal(t, types.LSN(2), got[1].LSN)
}

func TestPerLogIteratorLimitReached(t *testing.T) {
	s := openTestStore(t, 100)
	logID := types.LogID(7)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Put(types.Record{LogID: logID, LSN: types.LSN(i)}))
	}

	it, err := NewPerLogIterator(s, logID, nil)
	require.NoError(t, err)
	defer it.Close()

	it.Seek(0, types.LSN(2))
	require.Equal(t, AtRecord, it.State())
	require.Equal(t, types.LSN(1), it.Record().LSN)
	it.Next()
	require.Equal(t, AtRecord, it.State())
	require.Equal(t, types.LSN(2), it.Record().LSN)
	it.Next()
	require.Equal(t, LimitReached, it.State())
}

// TestOrphanRecordsAreSuppressed exercises spec §8 invariant 7: a record
// key written past its partition's directory-recorded max_lsn must not be
// surfaced by iteration, since the directory update for it never committed
// (simulated here by writing a record directly into the partition bucket
// without going through Put's directory update).
func TestOrphanRecordsAreSuppressed(t *testing.T) {
	s := openTestStore(t, 100)
	logID := types.LogID(9)
	require.NoError(t, s.Put(types.Record{LogID: logID, LSN: 1}))

	err := s.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(partitionBucketName(s.latest.ID))
		val, err := encodeRecord(types.Record{LogID: logID, LSN: 2})
		if err != nil {
			return err
		}
		return pb.Put(recordKey(logID, 2), val)
	})
	require.NoError(t, err)

	got := readAll(t, s, logID)
	require.Len(t, got, 1, "orphan record at lsn 2 must be suppressed")
	require.Equal(t, types.LSN(1), got[0].LSN)
}

func TestDropOldestPartitionsPreservesLatest(t *testing.T) {
	s := openTestStore(t, 1) // every Put rolls into its own partition
	logID := types.LogID(3)
	for i := 1; i <= 4; i++ {
		require.NoError(t, s.Put(types.Record{LogID: logID, LSN: types.LSN(i)}))
	}

	require.NoError(t, s.DropOldestPartitions(1))

	got := readAll(t, s, logID)
	require.Len(t, got, 1)
	require.Equal(t, types.LSN(4), got[0].LSN, "only the latest partition's record should remain")
}

func TestAllLogsIteratorWalksEveryPartition(t *testing.T) {
	s := openTestStore(t, 1)
	require.NoError(t, s.Put(types.Record{LogID: 1, LSN: 1}))
	require.NoError(t, s.Put(types.Record{LogID: 2, LSN: 1}))
	require.NoError(t, s.Put(types.Record{LogID: 1, LSN: 2}))

	it, err := NewAllLogsIterator(s, nil)
	require.NoError(t, err)
	defer it.Close()

	count := 0
	for it.Next(); it.State() == AtRecord; it.Next() {
		count++
	}
	require.Equal(t, 3, count)
}

func TestLogMetadataRoundTrip(t *testing.T) {
	s := openTestStore(t, 100)
	logID := types.LogID(5)

	md, err := s.LogMetadata(logID)
	require.NoError(t, err)
	require.Equal(t, types.LSN(0), md.TrimPoint)

	md.TrimPoint = 42
	md.Sealed = true
	require.NoError(t, s.PutLogMetadata(logID, md))

	got, err := s.LogMetadata(logID)
	require.NoError(t, err)
	require.Equal(t, types.LSN(42), got.TrimPoint)
	require.True(t, got.Sealed)
}

func TestStoreMetadataDefaultsThenPersists(t *testing.T) {
	s := openTestStore(t, 100)

	sm, err := s.StoreMetadata()
	require.NoError(t, err)
	require.Equal(t, 1, sm.SchemaVersion)

	sm.RebuildingComplete[types.ShardIndex(3)] = true
	require.NoError(t, s.PutStoreMetadata(sm))

	got, err := s.StoreMetadata()
	require.NoError(t, err)
	require.True(t, got.RebuildingComplete[types.ShardIndex(3)])
}

func TestPartitionRolloverByRecordCount(t *testing.T) {
	s := openTestStore(t, 2)
	logID := types.LogID(11)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Put(types.Record{LogID: logID, LSN: types.LSN(i)}))
	}
	require.Equal(t, uint64(1), s.latest.ID, "third record should have rolled into a second partition (id 1)")
}
