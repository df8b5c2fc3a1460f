package storagepool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/logdevice/logdevice/pkg/status"
	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	BaseTask
	size    int
	execErr error
	done    chan error
	synced  chan struct{}
	dropped chan struct{}
}

func newFakeTask(cls ThreadClass, pri Priority, dur Durability) *fakeTask {
	return &fakeTask{
		BaseTask: NewBaseTask(cls, pri, dur),
		done:     make(chan error, 1),
		synced:   make(chan struct{}, 1),
		dropped:  make(chan struct{}, 1),
	}
}

func (f *fakeTask) PayloadSize() int { return f.size }
func (f *fakeTask) Execute(ctx context.Context) error { return f.execErr }
func (f *fakeTask) OnDone(err error)                  { f.done <- err }
func (f *fakeTask) OnDropped()                         { close(f.dropped) }
func (f *fakeTask) OnSynced(err error)                { f.synced <- struct{}{} }

func TestPrioritizedQueueServicesHighestFirst(t *testing.T) {
	pq := NewPrioritizedQueue(10)
	low := newFakeTask(ClassSlow, PriorityLow, DurabilityNone)
	high := newFakeTask(ClassSlow, PriorityHigh, DurabilityNone)
	require.True(t, pq.WriteIfNotFull(low))
	require.True(t, pq.WriteIfNotFull(high))

	first, ok := pq.Read()
	require.True(t, ok)
	require.Same(t, high, first)

	second, ok := pq.Read()
	require.True(t, ok)
	require.Same(t, low, second)

	_, ok = pq.Read()
	require.False(t, ok)
}

func TestPrioritizedQueueReadBatchSinglePriority(t *testing.T) {
	pq := NewPrioritizedQueue(10)
	for i := 0; i < 3; i++ {
		task := newFakeTask(ClassFastStallable, PriorityHigh, DurabilityNone)
		task.size = 100
		require.True(t, pq.WriteIfNotFull(task))
	}
	low := newFakeTask(ClassFastStallable, PriorityLow, DurabilityNone)
	low.size = 100
	require.True(t, pq.WriteIfNotFull(low))

	batch := pq.ReadBatchSinglePriority(10, 1000)
	require.Len(t, batch, 3, "batch must stop at the priority boundary even though maxCount/maxBytes allow more")

	rest := pq.ReadBatchSinglePriority(10, 1000)
	require.Len(t, rest, 1)
}

func TestPoolExecutesAndCallsOnDone(t *testing.T) {
	p := New(0, Config{NThreads: [NumClasses]int{ClassSlow: 1}, QueuePerClass: 10, WriteQueuePerClass: 10})
	defer func() { p.ShutDown(false); p.Join() }()

	task := newFakeTask(ClassSlow, PriorityNormal, DurabilityMemory)
	require.Equal(t, status.OK, p.TryPutTask(task))

	select {
	case err := <-task.done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("task never completed")
	}
}

func TestPoolSyncWriteCallsOnSyncedBeforeOnDone(t *testing.T) {
	p := New(0, Config{NThreads: [NumClasses]int{ClassFastStallable: 1}, QueuePerClass: 10, WriteQueuePerClass: 10})
	defer func() { p.ShutDown(false); p.Join() }()

	task := newFakeTask(ClassFastStallable, PriorityNormal, DurabilitySyncWrite)
	require.Equal(t, status.OK, p.TryPutWrite(task))

	select {
	case <-task.synced:
	case <-time.After(time.Second):
		t.Fatal("onSynced never fired")
	}
	select {
	case err := <-task.done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("onDone never fired")
	}
}

func TestPoolDropsDroppableTasksUnderOverload(t *testing.T) {
	p := New(0, Config{NThreads: [NumClasses]int{ClassSlow: 0}, QueuePerClass: 10, WriteQueuePerClass: 10})
	// No worker goroutine for ClassSlow: enqueue directly, mark for drop,
	// then start a worker manually to observe the drop.
	task := newFakeTask(ClassSlow, PriorityNormal, DurabilityNone)
	require.True(t, p.classes[ClassSlow].queue.WriteIfNotFull(task))
	p.DropTaskQueue(ClassSlow, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	p.wg.Add(1)
	go func() { defer wg.Done(); p.runWorker(ClassSlow) }()

	select {
	case <-task.dropped:
	case <-time.After(time.Second):
		t.Fatal("task was not dropped")
	}

	p.ShutDown(false)
	wg.Wait()
	p.Join()
}

func TestPoolShutDownStopsNewEnqueues(t *testing.T) {
	p := New(0, Config{NThreads: [NumClasses]int{ClassMetadata: 1}, QueuePerClass: 10, WriteQueuePerClass: 10})
	p.ShutDown(false)
	p.Join()

	task := newFakeTask(ClassMetadata, PriorityNormal, DurabilityNone)
	require.Equal(t, status.SHUTDOWN, p.TryPutTask(task))
}
