package store

import (
	"sync"
	"sync/atomic"
)

// snapshotQueue is a count-bounded FIFO of pending snapshots.
//
// It decouples store mutation from subscriber delivery so an emitter never
// blocks on a slow observer. Overflow drops the newest snapshot and counts
// it; a dropped delta is gone for that subscription, so the bound is sized
// far beyond any burst a room's documents can produce.
type snapshotQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxPending int
	pending    []Snapshot

	drops atomic.Uint64
}

const defaultMaxPendingSnapshots = 1024

func newSnapshotQueue(maxPending int) *snapshotQueue {
	if maxPending <= 0 {
		maxPending = defaultMaxPendingSnapshots
	}
	q := &snapshotQueue{maxPending: maxPending}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *snapshotQueue) DropCount() uint64 { return q.drops.Load() }

// Enqueue appends snap if the queue has room. It never blocks.
func (q *snapshotQueue) Enqueue(snap Snapshot) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.pending) >= q.maxPending {
		q.drops.Add(1)
		return false
	}
	q.pending = append(q.pending, snap)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a snapshot is available or the queue is closed and
// drained.
func (q *snapshotQueue) Dequeue() (Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.pending) == 0 {
		return Snapshot{}, false
	}
	snap := q.pending[0]
	copy(q.pending, q.pending[1:])
	q.pending = q.pending[:len(q.pending)-1]
	return snap, true
}

func (q *snapshotQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
