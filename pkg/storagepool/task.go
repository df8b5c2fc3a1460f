// Package storagepool implements the per-shard storage-thread pool named in
// spec §4.4: four thread classes, each with an independent prioritized
// queue, a task contract (execute/durability/isDroppable/payload size), a
// syncing-thread hop for durable writes, drop-on-overload, and shutdown.
//
// Grounded on original_source's PrioritizedQueue.h and StorageThreadPool.h
// for the queue and pool shapes; folly::MPMCQueue's lock-free concurrent
// push/pop is rendered here as a buffered Go channel per priority level,
// which gives the same "many concurrent inserters, no explicit per-item
// lock" property channels provide natively. The teacher's goroutine-per-
// resource-class pattern (one pool of worker goroutines per named class,
// pkg/worker's health/secrets/volumes handlers each owning their own
// lifecycle) grounds the one-goroutine-group-per-ThreadClass wiring.
package storagepool

import "context"

// Priority orders tasks within one thread class's queue, highest serviced
// first.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityMax
	NumPriorities
)

// Durability is the persistence guarantee a task's execute() provides
// before onDone fires (spec §4.4 "Task contract").
type Durability int

const (
	DurabilityNone Durability = iota
	DurabilityMemory
	DurabilityAsyncWrite
	DurabilitySyncWrite
)

// ThreadClass is one of the four independent worker pools a shard owns.
type ThreadClass int

const (
	ClassSlow ThreadClass = iota
	ClassFastTimeSensitive
	ClassFastStallable
	ClassMetadata
	NumClasses
)

func (c ThreadClass) String() string {
	switch c {
	case ClassSlow:
		return "slow"
	case ClassFastTimeSensitive:
		return "fast_time_sensitive"
	case ClassFastStallable:
		return "fast_stallable"
	case ClassMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// Task is one unit of storage I/O work, handed to a worker thread of its
// declared class.
type Task interface {
	Class() ThreadClass
	Priority() Priority
	Durability() Durability
	// IsDroppable reports whether this task may be discarded under
	// overload rather than executed. Defaults to true for most task kinds.
	IsDroppable() bool
	// PayloadSize informs the byte limit batching enforces.
	PayloadSize() int

	// Execute runs on a worker thread of the declared class. Must not
	// block on other shards' state.
	Execute(ctx context.Context) error

	// OnDone is scheduled once execute (and, for SYNC_WRITE, the syncing
	// thread) has finished.
	OnDone(err error)
	// OnDropped fires instead of OnDone when the task was discarded
	// unexecuted by dropTaskQueue.
	OnDropped()
	// OnSynced fires for a SYNC_WRITE task on the pool's syncing thread,
	// strictly before OnDone. The pool issues no fsync of its own; the
	// local store's commit is what makes the write durable.
	OnSynced(err error)
}

// BaseTask provides the non-execute parts of the Task contract with the
// defaults spec §4.4 names (isDroppable defaults true), so callers only
// need to embed it and implement Execute and PayloadSize.
type BaseTask struct {
	Pri        Priority
	Cls        ThreadClass
	Dur        Durability
	Droppable  bool
	OnDoneFn   func(error)
	OnDropFn   func()
	OnSyncedFn func(error)
}

// NewBaseTask returns a BaseTask with IsDroppable defaulted true, per spec.
func NewBaseTask(cls ThreadClass, pri Priority, dur Durability) BaseTask {
	return BaseTask{Cls: cls, Pri: pri, Dur: dur, Droppable: true}
}

func (b *BaseTask) Priority() Priority     { return b.Pri }
func (b *BaseTask) Class() ThreadClass     { return b.Cls }
func (b *BaseTask) Durability() Durability { return b.Dur }
func (b *BaseTask) IsDroppable() bool      { return b.Droppable }

func (b *BaseTask) OnDone(err error) {
	if b.OnDoneFn != nil {
		b.OnDoneFn(err)
	}
}

func (b *BaseTask) OnDropped() {
	if b.OnDropFn != nil {
		b.OnDropFn()
	}
}

func (b *BaseTask) OnSynced(err error) {
	if b.OnSyncedFn != nil {
		b.OnSyncedFn(err)
	}
}
