// Copyright 2025 James Ross
package jobqueue

import (
	"sync"
	"time"
)

// Job is a unit of work owned by a queue until dequeued.
type Job interface {
	Execute()
}

// JobFunc adapts a closure to the Job interface.
type JobFunc func()

func (f JobFunc) Execute() { f() }

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Enqueued    uint64
	Dequeued    uint64
	DroppedOld  uint64
	DroppedNew  uint64
	Grown       uint64
	BlockedFull uint64
}

// Queue is a multi-producer multi-consumer FIFO. A capacity of zero
// means unbounded; bounded queues apply the configured overflow policy
// when full at insertion time. Insertion order is preserved per
// producer; there is no ordering between concurrent producers.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	jobs     []Job
	capacity int
	policy   OverflowPolicy

	stopped bool
	muted   bool
	signal  chan<- struct{}

	stats Stats
}

// New returns an unbounded queue.
func New() *Queue { return NewBounded(0, DropNewest()) }

// NewBounded returns a queue limited to capacity jobs governed by the
// given overflow policy. capacity <= 0 means unbounded.
func NewBounded(capacity int, policy OverflowPolicy) *Queue {
	q := &Queue{capacity: capacity, policy: policy}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// SetSignal registers a channel pinged (non-blocking) on every
// successful enqueue, letting a pool wait on several queues at once.
func (q *Queue) SetSignal(ch chan<- struct{}) {
	q.mu.Lock()
	q.signal = ch
	q.mu.Unlock()
}

// MuteNotify suppresses waiter notification on enqueue. Used by batch
// producers that notify once themselves.
func (q *Queue) MuteNotify(muted bool) {
	q.mu.Lock()
	q.muted = muted
	q.mu.Unlock()
}

// Len returns the current number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Cap returns the current capacity, zero when unbounded.
func (q *Queue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Enqueue appends one job, applying the overflow policy when the queue
// is bounded and full. One waiter is notified unless muted.
func (q *Queue) Enqueue(job Job) error {
	if job == nil {
		return ErrInvalidJob
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	if err := q.makeRoomLocked(1); err != nil {
		return err
	}
	q.jobs = append(q.jobs, job)
	q.stats.Enqueued++
	q.notifyLocked(false)
	return nil
}

// EnqueueBatch validates the whole batch, then inserts all jobs or
// none. A single notification follows a successful batch.
func (q *Queue) EnqueueBatch(jobs []Job) error {
	for _, j := range jobs {
		if j == nil {
			return ErrInvalidJob
		}
	}
	if len(jobs) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	if err := q.makeRoomLocked(len(jobs)); err != nil {
		return err
	}
	q.jobs = append(q.jobs, jobs...)
	q.stats.Enqueued += uint64(len(jobs))
	q.notifyLocked(false)
	return nil
}

// makeRoomLocked ensures space for n more jobs per the overflow policy.
// Returns ErrQueueFull when the insert must be rejected.
func (q *Queue) makeRoomLocked(n int) error {
	if q.capacity <= 0 {
		return nil
	}
	for len(q.jobs)+n > q.capacity {
		switch q.policy.Kind {
		case OverflowDropOldest:
			q.dropFrontLocked()
		case OverflowDropNewest:
			q.stats.DroppedNew += uint64(n)
			return ErrQueueFull
		case OverflowBlock:
			if !q.waitForSpaceLocked(n) {
				q.stats.BlockedFull++
				return ErrQueueFull
			}
		case OverflowGrow:
			if q.capacity >= q.policy.GrowMax {
				q.dropFrontLocked()
				continue
			}
			grown := int(float64(q.capacity) * q.policy.GrowFactor)
			if grown <= q.capacity {
				grown = q.capacity + 1
			}
			if grown > q.policy.GrowMax {
				grown = q.policy.GrowMax
			}
			q.capacity = grown
			q.stats.Grown++
		case OverflowCustom:
			if q.policy.Custom != nil && q.policy.Custom(len(q.jobs), q.capacity) {
				q.dropFrontLocked()
				continue
			}
			q.stats.DroppedNew += uint64(n)
			return ErrQueueFull
		default:
			q.stats.DroppedNew += uint64(n)
			return ErrQueueFull
		}
	}
	return nil
}

func (q *Queue) dropFrontLocked() {
	q.jobs = q.jobs[1:]
	q.stats.DroppedOld++
}

// waitForSpaceLocked blocks on the not-full condition until space for n
// jobs exists or the policy timeout elapses. Returns false on timeout
// or stop.
func (q *Queue) waitForSpaceLocked(n int) bool {
	deadline := time.Now().Add(q.policy.BlockTimeout)
	for len(q.jobs)+n > q.capacity {
		if q.stopped {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		// Cond has no timed wait; a timer nudges the waiter awake.
		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			q.notFull.Broadcast()
			q.mu.Unlock()
		})
		q.notFull.Wait()
		timer.Stop()
	}
	return true
}

func (q *Queue) notifyLocked(all bool) {
	if !q.muted {
		if all {
			q.notEmpty.Broadcast()
		} else {
			q.notEmpty.Signal()
		}
	}
	if q.signal != nil {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
}

// Dequeue blocks until a job is available or the queue is stopped.
// ErrQueueEmpty is returned only when the waiter was woken by stop.
func (q *Queue) Dequeue() (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.jobs) == 0 {
		if q.stopped {
			return nil, ErrQueueEmpty
		}
		q.notEmpty.Wait()
	}
	return q.popLocked(), nil
}

// TryDequeue never blocks.
func (q *Queue) TryDequeue() (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, ErrQueueEmpty
	}
	return q.popLocked(), nil
}

// DequeueAll atomically drains the queue and wakes all waiters.
func (q *Queue) DequeueAll() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.jobs
	q.jobs = nil
	q.stats.Dequeued += uint64(len(out))
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
	return out
}

func (q *Queue) popLocked() Job {
	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	q.stats.Dequeued++
	q.notFull.Broadcast()
	return job
}

// StopWaiting signals shutdown: blocked and future Dequeue calls return
// ErrQueueEmpty once the queue is empty, and Enqueue returns
// ErrQueueStopped. Idempotent.
func (q *Queue) StopWaiting() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Stopped reports whether StopWaiting has been called.
func (q *Queue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}
