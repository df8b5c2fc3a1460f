package rebuilding

import (
	"context"
	"fmt"
	"sync"

	"github.com/logdevice/logdevice/pkg/logsdb"
	"github.com/logdevice/logdevice/pkg/storagepool"
	"github.com/logdevice/logdevice/pkg/types"
)

// Replicator re-replicates one donor record to a non-dirty copyset,
// standing in for spec §4.5 step 3's STORE-message dispatch over the wire.
// The real send belongs to pkg/transport, which this package does not
// depend on directly so it can be exercised with an in-memory fake in
// tests; cmd/logdeviced wires the transport-backed implementation in.
type Replicator interface {
	Replicate(ctx context.Context, rec types.Record, copyset []types.ShardID) error
}

// dirtyRangeFilter implements logsdb.ReadFilter, skipping whole partitions
// that cannot possibly intersect any dirty shard's recorded range (spec
// §4.5 step 4, applied at partition granularity before the record-level
// checks in runChunk).
type dirtyRangeFilter struct {
	planner *RebuildingPlanner
}

func (f *dirtyRangeFilter) ShouldProcessTimeRange(minMS, maxMS int64) bool {
	for _, st := range f.planner.dirty {
		if len(st.DirtyRanges) == 0 {
			return true // fully dirty shard: every partition is in scope
		}
		for _, r := range st.DirtyRanges {
			if r.Start <= maxMS && r.End >= minMS {
				return true
			}
		}
	}
	return false
}

// ShardRebuilding streams every record this node's local store holds whose
// copyset intersects a dirty shard, and re-replicates it to a non-dirty
// copyset, per spec §4.5's donor algorithm. Iteration is driven a chunk at
// a time by repeatedly re-enqueuing itself onto a storagepool.Pool's SLOW
// class, matching RebuildingReadStorageTaskV2's storage-task-per-batch
// shape rather than occupying one worker thread for the whole rebuild.
type ShardRebuilding struct {
	planner        *RebuildingPlanner
	restartVersion uint64
	chunkSize      int
	replicator     Replicator

	mu             sync.Mutex
	it             *logsdb.AllLogsIterator
	started        bool
	done           bool
	blocked        bool
	// parked is set when the iterator rests on a record that hit the
	// window; the next chunk re-examines that record before advancing.
	parked         bool
	err            error
	nextTimestamp  int64
	recordsSent    int64
	malformedCount int
	maxMalformed   int

	// windowGate reports whether ts is within the current global window
	// (spec §4.5 step 6); a record past the window pauses this shard's
	// progress until the coordinator slides the window and re-enqueues it.
	windowGate func(ts int64) bool
	// onProgress is invoked after each chunk with this shard's furthest
	// processed timestamp, feeding the coordinator's global window calc.
	onProgress func(nextTS int64)
	// onComplete is invoked exactly once when the iterator is exhausted or
	// a permanent error (too many malformed records) is hit.
	onComplete func(err error)
}

// NewShardRebuilding constructs a donor-side rebuild for one restart
// version. The store's iterator is opened by Start, so construction
// never opens a bolt transaction.
func NewShardRebuilding(planner *RebuildingPlanner, restartVersion uint64, chunkSize, maxMalformed int, replicator Replicator, windowGate func(int64) bool, onProgress func(int64), onComplete func(error)) *ShardRebuilding {
	return &ShardRebuilding{
		planner:        planner,
		restartVersion: restartVersion,
		chunkSize:      chunkSize,
		maxMalformed:   maxMalformed,
		replicator:     replicator,
		windowGate:     windowGate,
		onProgress:     onProgress,
		onComplete:     onComplete,
	}
}

// NextTimestamp returns the furthest timestamp this shard has processed so
// far, used by the coordinator's global-window slide (spec §4.5 step 6).
func (r *ShardRebuilding) NextTimestamp() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextTimestamp
}

// Done reports whether this ShardRebuilding has finished (successfully or
// with a permanent error).
func (r *ShardRebuilding) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Close releases the underlying iterator's read transaction, if one was
// opened. Safe to call multiple times.
func (r *ShardRebuilding) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.it != nil {
		err := r.it.Close()
		r.it = nil
		return err
	}
	return nil
}

// chunkTask is one storage-thread-pool dispatch of runChunk, SLOW class
// per spec §4.4's thread-class table (full-store scans are never
// latency-sensitive).
type chunkTask struct {
	storagepool.BaseTask
	sr  *ShardRebuilding
	pool *storagepool.Pool
}

func (t *chunkTask) PayloadSize() int { return 0 }

func (t *chunkTask) Execute(ctx context.Context) error {
	result, err := t.sr.runChunk(ctx)
	if err != nil {
		t.sr.finish(err)
		return err
	}
	if result == chunkMore {
		t.sr.enqueueNext(t.pool)
	}
	return nil
}

// Start opens the iterator and submits the first chunk task to pool.
// Returns an error only if the underlying store could not be opened.
func (r *ShardRebuilding) Start(pool *storagepool.Pool, store *logsdb.Store) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	it, err := logsdb.NewAllLogsIterator(store, &dirtyRangeFilter{planner: r.planner})
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("opening all-logs iterator for rebuilding: %w", err)
	}
	r.it = it
	r.started = true
	r.mu.Unlock()

	r.enqueueNext(pool)
	return nil
}

func (r *ShardRebuilding) enqueueNext(pool *storagepool.Pool) {
	r.mu.Lock()
	r.blocked = false
	r.mu.Unlock()
	task := &chunkTask{BaseTask: storagepool.NewBaseTask(storagepool.ClassSlow, storagepool.PriorityLow, storagepool.DurabilityNone), sr: r, pool: pool}
	task.OnDoneFn = func(error) {}
	pool.TryPutTask(task)
}

// Resume re-enqueues a chunk task if this shard is currently parked on the
// global window (spec §4.5 step 6: "donors above the window pause until
// it slides"). A no-op if the shard is done or not currently blocked.
func (r *ShardRebuilding) Resume(pool *storagepool.Pool) {
	r.mu.Lock()
	blocked := r.blocked && !r.done
	r.mu.Unlock()
	if blocked {
		r.enqueueNext(pool)
	}
}

type chunkResult int

const (
	chunkMore chunkResult = iota
	chunkBlocked
	chunkDone
)

// runChunk processes up to chunkSize eligible records, re-replicating each
// to its non-dirty copyset. Returns chunkMore if there is more work and a
// follow-up chunk should be enqueued immediately, chunkBlocked if this
// shard hit a record past the current global window (the coordinator must
// call Resume once the window slides), chunkDone if the iterator is
// exhausted, and a non-nil error once malformedCount crosses maxMalformed
// (spec §4.5 step 5's "tolerated-malformed-count raises a permanent
// error").
func (r *ShardRebuilding) runChunk(ctx context.Context) (chunkResult, error) {
	r.mu.Lock()
	it := r.it
	r.mu.Unlock()

	processed := 0
	for processed < r.chunkSize {
		r.mu.Lock()
		parked := r.parked
		r.parked = false
		r.mu.Unlock()
		if !parked {
			it.Next()
		}
		switch it.State() {
		case logsdb.AtEnd:
			r.finish(nil)
			return chunkDone, nil
		case logsdb.IteratorError:
			r.mu.Lock()
			r.malformedCount++
			count := r.malformedCount
			r.mu.Unlock()
			if count > r.maxMalformed {
				return chunkDone, fmt.Errorf("rebuilding: malformed record count exceeded %d", r.maxMalformed)
			}
			continue
		}

		rec := it.Record()
		if !r.planner.RecordNeedsRebuild(rec) || !r.planner.IntersectsDirtyRange(rec) {
			continue
		}
		if rec.Flags&types.StoreRebuilding != 0 {
			// Idempotence mark: already written by a prior rebuilding pass.
			continue
		}
		if r.windowGate != nil && !r.windowGate(rec.Timestamp) {
			// Stop short of the global window; the coordinator calls
			// Resume once the window slides past rec.Timestamp.
			r.mu.Lock()
			r.nextTimestamp = rec.Timestamp
			r.blocked = true
			r.parked = true
			r.mu.Unlock()
			if r.onProgress != nil {
				r.onProgress(rec.Timestamp)
			}
			return chunkBlocked, nil
		}

		copyset := r.planner.NonDirtyCopyset(rec)
		if err := r.replicator.Replicate(ctx, rec, copyset); err != nil {
			r.mu.Lock()
			r.malformedCount++
			count := r.malformedCount
			r.mu.Unlock()
			if count > r.maxMalformed {
				return chunkDone, fmt.Errorf("rebuilding: re-replication failure count exceeded %d: %w", r.maxMalformed, err)
			}
			continue
		}

		r.mu.Lock()
		r.nextTimestamp = rec.Timestamp
		r.recordsSent++
		r.mu.Unlock()
		processed++
	}

	if r.onProgress != nil {
		r.onProgress(r.NextTimestamp())
	}
	return chunkMore, nil
}

func (r *ShardRebuilding) finish(err error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.err = err
	r.mu.Unlock()

	if r.onComplete != nil {
		r.onComplete(err)
	}
}
