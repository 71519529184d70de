// Copyright 2025 James Ross
package jobqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testJob struct{ id string }

func (j *testJob) Execute() {}

func ids(jobs []Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.(*testJob).id)
	}
	return out
}

func drain(t *testing.T, q *Queue) []string {
	t.Helper()
	var out []string
	for {
		j, err := q.TryDequeue()
		if err != nil {
			return out
		}
		out = append(out, j.(*testJob).id)
	}
}

func TestFIFOSingleProducer(t *testing.T) {
	q := New()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(&testJob{id: id}))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, drain(t, q))
}

func TestEnqueueNilRejected(t *testing.T) {
	q := New()
	assert.ErrorIs(t, q.Enqueue(nil), ErrInvalidJob)
}

func TestEnqueueAfterStop(t *testing.T) {
	q := New()
	q.StopWaiting()
	assert.ErrorIs(t, q.Enqueue(&testJob{id: "x"}), ErrQueueStopped)
	// Idempotent stop.
	q.StopWaiting()
	assert.True(t, q.Stopped())
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()
	got := make(chan string, 1)
	go func() {
		j, err := q.Dequeue()
		if err == nil {
			got <- j.(*testJob).id
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(&testJob{id: "late"}))
	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-time.After(time.Second):
		t.Fatal("dequeue never woke")
	}
}

func TestDequeueReturnsEmptyOnStop(t *testing.T) {
	q := New()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue()
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.StopWaiting()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrQueueEmpty)
	case <-time.After(time.Second):
		t.Fatal("dequeue never woke on stop")
	}
}

func TestTryDequeueNeverBlocks(t *testing.T) {
	q := New()
	_, err := q.TryDequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestEnqueueBatchAtomic(t *testing.T) {
	q := New()
	batch := []Job{&testJob{id: "a"}, nil, &testJob{id: "c"}}
	assert.ErrorIs(t, q.EnqueueBatch(batch), ErrInvalidJob)
	assert.Equal(t, 0, q.Len())

	ok := []Job{&testJob{id: "a"}, &testJob{id: "b"}}
	require.NoError(t, q.EnqueueBatch(ok))
	assert.Equal(t, []string{"a", "b"}, drain(t, q))
}

func TestEnqueueBatchRejectedWholeWhenFull(t *testing.T) {
	q := NewBounded(2, DropNewest())
	require.NoError(t, q.Enqueue(&testJob{id: "a"}))
	err := q.EnqueueBatch([]Job{&testJob{id: "b"}, &testJob{id: "c"}})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, []string{"a"}, drain(t, q))
}

func TestDequeueAllDrains(t *testing.T) {
	q := New()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(&testJob{id: id}))
	}
	all := q.DequeueAll()
	assert.Equal(t, []string{"a", "b", "c"}, ids(all))
	assert.Equal(t, 0, q.Len())
}

func TestOverflowDropOldest(t *testing.T) {
	q := NewBounded(3, DropOldest())
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		require.NoError(t, q.Enqueue(&testJob{id: id}))
	}
	assert.Equal(t, []string{"C", "D", "E"}, drain(t, q))
	assert.Equal(t, uint64(2), q.Stats().DroppedOld)
}

func TestOverflowDropNewest(t *testing.T) {
	q := NewBounded(3, DropNewest())
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, q.Enqueue(&testJob{id: id}))
	}
	assert.ErrorIs(t, q.Enqueue(&testJob{id: "D"}), ErrQueueFull)
	assert.ErrorIs(t, q.Enqueue(&testJob{id: "E"}), ErrQueueFull)
	assert.Equal(t, []string{"A", "B", "C"}, drain(t, q))
	assert.Equal(t, uint64(2), q.Stats().DroppedNew)
}

func TestOverflowGrow(t *testing.T) {
	q := NewBounded(2, Grow(2, 4))
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(&testJob{id: id}))
	}
	assert.Equal(t, 4, q.Cap())
	// At the cap, grow falls back to drop-oldest.
	require.NoError(t, q.Enqueue(&testJob{id: "e"}))
	assert.Equal(t, []string{"b", "c", "d", "e"}, drain(t, q))
	st := q.Stats()
	assert.Equal(t, uint64(1), st.Grown)
	assert.Equal(t, uint64(1), st.DroppedOld)
}

func TestOverflowBlockTimesOut(t *testing.T) {
	q := NewBounded(1, Block(50*time.Millisecond))
	require.NoError(t, q.Enqueue(&testJob{id: "a"}))
	start := time.Now()
	err := q.Enqueue(&testJob{id: "b"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestOverflowBlockWakesOnSpace(t *testing.T) {
	q := NewBounded(1, Block(2*time.Second))
	require.NoError(t, q.Enqueue(&testJob{id: "a"}))
	done := make(chan error, 1)
	go func() { done <- q.Enqueue(&testJob{id: "b"}) }()
	time.Sleep(20 * time.Millisecond)
	_, err := q.TryDequeue()
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked producer never admitted")
	}
	assert.Equal(t, []string{"b"}, drain(t, q))
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := New()
	const producers, perProducer = 4, 100
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Enqueue(&testJob{id: "x"})
			}
		}()
	}
	var consumed sync.WaitGroup
	count := make(chan struct{}, producers*perProducer)
	for c := 0; c < 4; c++ {
		consumed.Add(1)
		go func() {
			defer consumed.Done()
			for {
				_, err := q.Dequeue()
				if err != nil {
					return
				}
				count <- struct{}{}
			}
		}()
	}
	wg.Wait()
	deadline := time.After(2 * time.Second)
	for n := 0; n < producers*perProducer; n++ {
		select {
		case <-count:
		case <-deadline:
			t.Fatalf("only %d of %d jobs consumed", n, producers*perProducer)
		}
	}
	q.StopWaiting()
	consumed.Wait()
}
