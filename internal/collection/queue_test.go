package collection

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not happen", what)
	}
}

func TestQueueRunsSameKeyInOrder(t *testing.T) {
	q := newKeyedQueue()
	var mu sync.Mutex
	var got []int
	for i := 0; i < 5; i++ {
		q.enqueue([]string{"A"}, func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	waitClosed(t, q.idle(), "queue drain")
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestQueueBarrierWaitsForEveryKey(t *testing.T) {
	q := newKeyedQueue()
	gate := make(chan struct{})
	q.enqueue([]string{"A"}, func() { <-gate })

	ran := make(chan struct{})
	q.enqueueBarrier([]string{"B"}, func() { close(ran) })

	select {
	case <-ran:
		t.Fatal("barrier ran before the earlier job on another key")
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	waitClosed(t, ran, "barrier job")
}

func TestQueueJobThatExitsEarlyReleasesKey(t *testing.T) {
	q := newKeyedQueue()
	q.enqueue([]string{"A"}, func() { runtime.Goexit() })

	ran := make(chan struct{})
	q.enqueue([]string{"A"}, func() { close(ran) })

	waitClosed(t, ran, "job after an aborted job")
	waitClosed(t, q.idle(), "queue drain")
	q.mu.Lock()
	defer q.mu.Unlock()
	require.Empty(t, q.tails)
}
