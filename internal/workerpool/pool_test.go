// Copyright 2025 James Ross
package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flyingrobots/go-message-fabric/internal/jobqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStartTwiceFails(t *testing.T) {
	q := jobqueue.New()
	p := New(2, zaptest.NewLogger(t), q)
	require.NoError(t, p.Start())
	defer p.Stop(true)
	assert.ErrorIs(t, p.Start(), ErrAlreadyRunning)
}

func TestStopWithoutStartFails(t *testing.T) {
	p := New(1, zaptest.NewLogger(t), jobqueue.New())
	assert.ErrorIs(t, p.Stop(true), ErrNotRunning)
}

func TestSubmitExecutes(t *testing.T) {
	q := jobqueue.New()
	p := New(3, zaptest.NewLogger(t), q)
	require.NoError(t, p.Start())
	defer p.Stop(true)

	var done sync.WaitGroup
	var count atomic.Int64
	const jobs = 50
	done.Add(jobs)
	for i := 0; i < jobs; i++ {
		require.NoError(t, p.Submit(func() {
			count.Add(1)
			done.Done()
		}))
	}
	waitDone(t, &done)
	assert.Equal(t, int64(jobs), count.Load())
	assert.GreaterOrEqual(t, p.Executed(), uint64(jobs))
}

func TestSubmitNilRejected(t *testing.T) {
	p := New(1, zaptest.NewLogger(t), jobqueue.New())
	assert.ErrorIs(t, p.Submit(nil), jobqueue.ErrInvalidJob)
}

func TestGracefulStopDrains(t *testing.T) {
	q := jobqueue.New()
	p := New(1, zaptest.NewLogger(t), q)
	var count atomic.Int64
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(jobqueue.JobFunc(func() { count.Add(1) })))
	}
	require.NoError(t, p.Start())
	require.NoError(t, p.Stop(false))
	assert.Equal(t, int64(20), count.Load())
}

func TestImmediateStopFinishesInFlightOnly(t *testing.T) {
	q := jobqueue.New()
	p := New(1, zaptest.NewLogger(t), q)
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, q.Enqueue(jobqueue.JobFunc(func() {
		close(started)
		<-release
		finished.Store(true)
	})))
	var skipped atomic.Bool
	require.NoError(t, q.Enqueue(jobqueue.JobFunc(func() { skipped.Store(true) })))

	require.NoError(t, p.Start())
	<-started
	stopDone := make(chan struct{})
	go func() {
		_ = p.Stop(true)
		close(stopDone)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("stop never returned")
	}
	// The in-flight job ran to completion; the queued one did not.
	assert.True(t, finished.Load())
	assert.False(t, skipped.Load())
	assert.Equal(t, 1, q.Len())
}

func TestIdleCount(t *testing.T) {
	q := jobqueue.New()
	p := New(2, zaptest.NewLogger(t), q)
	require.NoError(t, p.Start())
	defer p.Stop(true)
	assert.Eventually(t, func() bool { return p.IdleCount() == 2 },
		time.Second, 10*time.Millisecond)
}

func TestPriorityOrderAcrossQueues(t *testing.T) {
	high := jobqueue.New()
	low := jobqueue.New()
	p := New(1, zaptest.NewLogger(t), high, low)

	var mu sync.Mutex
	var order []string
	push := func(q *jobqueue.Queue, label string) {
		require.NoError(t, q.Enqueue(jobqueue.JobFunc(func() {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
		})))
	}
	push(low, "low1")
	push(low, "low2")
	push(high, "high1")
	push(high, "high2")

	require.NoError(t, p.Start())
	require.NoError(t, p.Stop(false))

	assert.Equal(t, []string{"high1", "high2", "low1", "low2"}, order)
}

func waitDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs never completed")
	}
}
