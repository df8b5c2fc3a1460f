package storagepool

import "sync"

// PrioritizedQueue is a vector of per-priority MPMC sub-queues behind a
// single counting semaphore, per original_source's PrioritizedQueue.h.
// Each priority level's channel gives concurrent lock-free push/pop the way
// folly::MPMCQueue does; introspectionMu stands in for folly::SharedMutex —
// RLock during ordinary insert/read (many readers/writers run concurrently,
// same as the "shared_lock" sites in the original), Lock during Snapshot to
// take a drain-and-refill consistent view.
type PrioritizedQueue struct {
	introspectionMu sync.RWMutex
	queues          [NumPriorities]chan Task
	sem             chan struct{}
}

// NewPrioritizedQueue allocates a queue with capacityPerPriority slots at
// each of the NumPriorities levels.
func NewPrioritizedQueue(capacityPerPriority int) *PrioritizedQueue {
	pq := &PrioritizedQueue{sem: make(chan struct{}, capacityPerPriority*int(NumPriorities))}
	for i := range pq.queues {
		pq.queues[i] = make(chan Task, capacityPerPriority)
	}
	return pq
}

// WriteIfNotFull enqueues task without blocking, returning false if its
// priority level's sub-queue is full.
func (pq *PrioritizedQueue) WriteIfNotFull(task Task) bool {
	pq.introspectionMu.RLock()
	defer pq.introspectionMu.RUnlock()
	select {
	case pq.queues[task.Priority()] <- task:
		pq.postSem()
		return true
	default:
		return false
	}
}

// BlockingWrite enqueues task, blocking until its priority level has room.
func (pq *PrioritizedQueue) BlockingWrite(task Task) {
	pq.introspectionMu.RLock()
	defer pq.introspectionMu.RUnlock()
	pq.queues[task.Priority()] <- task
	pq.postSem()
}

func (pq *PrioritizedQueue) postSem() {
	select {
	case pq.sem <- struct{}{}:
	default:
		// Semaphore capacity (sum of all sub-queue capacities) can never be
		// exceeded by a successful channel send above, so this never blocks
		// in practice; default guards against it anyway.
	}
}

// Read dequeues the single highest-priority available task without
// blocking, returning false if every sub-queue was empty.
func (pq *PrioritizedQueue) Read() (Task, bool) {
	select {
	case <-pq.sem:
	default:
		return nil, false
	}
	return pq.readGuaranteedNonEmpty(), true
}

// BlockingRead dequeues the single highest-priority task, blocking until
// one is available.
func (pq *PrioritizedQueue) BlockingRead() Task {
	<-pq.sem
	return pq.readGuaranteedNonEmpty()
}

// readGuaranteedNonEmpty assumes the semaphore wait already guaranteed at
// least one task is enqueued somewhere; it scans high-to-low, and if a race
// with another reader empties the queue it noticed non-empty, retries the
// scan indefinitely in the opposite direction, matching the original's
// documented double-scan-on-race behavior.
func (pq *PrioritizedQueue) readGuaranteedNonEmpty() Task {
	pq.introspectionMu.RLock()
	defer pq.introspectionMu.RUnlock()

	for pri := int(NumPriorities) - 1; pri >= 0; pri-- {
		select {
		case t := <-pq.queues[pri]:
			return t
		default:
		}
	}
	for {
		for pri := 0; pri < int(NumPriorities); pri++ {
			select {
			case t := <-pq.queues[pri]:
				return t
			default:
			}
		}
	}
}

// ReadPriority dequeues a task at exactly the given priority level, or
// returns false (restoring the semaphore count) if that level is empty.
func (pq *PrioritizedQueue) ReadPriority(pri Priority) (Task, bool) {
	select {
	case <-pq.sem:
	default:
		return nil, false
	}
	pq.introspectionMu.RLock()
	defer pq.introspectionMu.RUnlock()
	select {
	case t := <-pq.queues[pri]:
		return t, true
	default:
		pq.postSem()
		return nil, false
	}
}

// ReadBatchSinglePriority drains up to maxCount tasks or maxBytes of
// payload, all within the single highest non-empty priority observed on
// the first read, preserving priority ordering across batches.
func (pq *PrioritizedQueue) ReadBatchSinglePriority(maxCount, maxBytes int) []Task {
	var res []Task
	var bytes int
	havePriority := false
	var pri Priority

	for len(res) < maxCount && bytes < maxBytes {
		var t Task
		var ok bool
		if !havePriority {
			t, ok = pq.Read()
			if ok {
				pri = t.Priority()
				havePriority = true
			}
		} else {
			t, ok = pq.ReadPriority(pri)
		}
		if !ok {
			break
		}
		res = append(res, t)
		bytes += t.PayloadSize()
	}
	return res
}

// Snapshot takes the introspection-exclusive lock, draining every
// sub-queue and refilling it in place, to give admin listing a consistent
// view without losing any enqueued task.
func (pq *PrioritizedQueue) Snapshot() []Task {
	pq.introspectionMu.Lock()
	defer pq.introspectionMu.Unlock()

	var all []Task
	for pri := 0; pri < int(NumPriorities); pri++ {
		var level []Task
		for {
			select {
			case t := <-pq.queues[pri]:
				level = append(level, t)
			default:
				goto drained
			}
		}
	drained:
		for _, t := range level {
			pq.queues[pri] <- t
		}
		all = append(all, level...)
	}
	return all
}
