package collection

import (
	"sync"
)

// orderLane serializes bulk reorders against each other.
const orderLane = "\x00order"

// keyedQueue runs jobs in enqueue order per key. A job holding several keys
// starts only after every earlier job on any of them has finished. Jobs with
// disjoint keys run concurrently.
type keyedQueue struct {
	mu      sync.Mutex
	tails   map[string]chan struct{}
	pending int
	waiters []chan struct{}
}

func newKeyedQueue() *keyedQueue {
	return &keyedQueue{tails: make(map[string]chan struct{})}
}

func (q *keyedQueue) enqueue(keys []string, job func()) {
	q.push(keys, false, job)
}

// enqueueBarrier runs job after every job enqueued before it, whatever its
// keys. Later jobs on keys wait for it as usual.
func (q *keyedQueue) enqueueBarrier(keys []string, job func()) {
	q.push(keys, true, job)
}

func (q *keyedQueue) push(keys []string, barrier bool, job func()) {
	q.mu.Lock()
	var waits []chan struct{}
	if barrier {
		seen := make(map[chan struct{}]bool, len(q.tails))
		for _, tail := range q.tails {
			if !seen[tail] {
				seen[tail] = true
				waits = append(waits, tail)
			}
		}
	} else {
		for _, k := range keys {
			if tail, ok := q.tails[k]; ok {
				waits = append(waits, tail)
			}
		}
	}
	done := make(chan struct{})
	for _, k := range keys {
		q.tails[k] = done
	}
	q.pending++
	q.mu.Unlock()

	go func() {
		defer q.release(keys, done)
		for _, w := range waits {
			<-w
		}
		job()
	}()
}

// release marks a job finished. It runs even when the job does not return
// normally, so later jobs on the same keys are never stranded.
func (q *keyedQueue) release(keys []string, done chan struct{}) {
	close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, k := range keys {
		if q.tails[k] == done {
			delete(q.tails, k)
		}
	}
	q.pending--
	if q.pending == 0 {
		for _, w := range q.waiters {
			close(w)
		}
		q.waiters = nil
	}
}

// idle returns a channel closed once no job is queued or running.
func (q *keyedQueue) idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch := make(chan struct{})
	if q.pending == 0 {
		close(ch)
		return ch
	}
	q.waiters = append(q.waiters, ch)
	return ch
}
