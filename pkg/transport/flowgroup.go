package transport

import (
	"sync"
	"time"

	"github.com/logdevice/logdevice/pkg/metrics"
)

// FlowGroup is a token-bucket budget shared across sockets that serve the
// same traffic class (spec §4.2's "per-priority token buckets"). Each
// worker owns one FlowGroup per Priority; messages above the bucket's
// remaining budget queue instead of being released to the socket's sendq.
type FlowGroup struct {
	mu sync.Mutex

	priority   Priority
	capacity   int64 // bytes released per refill interval
	budget     int64 // bytes remaining this interval
	interval   time.Duration
	lastRefill time.Time

	waiters []chan struct{}
}

// NewFlowGroup creates a FlowGroup that releases capacity bytes every
// interval.
func NewFlowGroup(priority Priority, capacity int64, interval time.Duration) *FlowGroup {
	return &FlowGroup{
		priority:   priority,
		capacity:   capacity,
		budget:     capacity,
		interval:   interval,
		lastRefill: time.Now(),
	}
}

// refillLocked tops the budget back up to capacity if an interval elapsed.
// Caller holds fg.mu.
func (fg *FlowGroup) refillLocked() {
	if fg.interval <= 0 {
		fg.budget = fg.capacity
		return
	}
	now := time.Now()
	if now.Sub(fg.lastRefill) < fg.interval {
		return
	}
	fg.budget = fg.capacity
	fg.lastRefill = now
	for _, w := range fg.waiters {
		close(w)
	}
	fg.waiters = nil
}

// TryConsume deducts cost from the budget and reports whether there was
// enough. A failed TryConsume does not block; callers enqueue the envelope
// on the socket's pendingq and retry on the next refill (or on Wait).
func (fg *FlowGroup) TryConsume(cost int) bool {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.refillLocked()
	if int64(cost) > fg.budget {
		metrics.FlowControlDeferred.WithLabelValues(priorityLabel(fg.priority)).Inc()
		return false
	}
	fg.budget -= int64(cost)
	return true
}

// Wait blocks until the next refill fires or the context-less deadline
// passes, whichever happens first. Used by a socket's pendingq drain loop
// when TryConsume has failed and there is nothing else useful to do.
func (fg *FlowGroup) Wait(timeout time.Duration) {
	fg.mu.Lock()
	if fg.interval <= 0 {
		fg.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	fg.waiters = append(fg.waiters, ch)
	fg.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(timeout):
	}
}

// Budget reports the bytes currently available, for introspection/metrics.
func (fg *FlowGroup) Budget() int64 {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.refillLocked()
	return fg.budget
}

func priorityLabel(p Priority) string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityMax:
		return "max"
	default:
		return "unknown"
	}
}
