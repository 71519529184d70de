// Copyright 2025 James Ross
package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestAddRejectsBadSpecs(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	_, err := s.Add(Spec{Mode: Interval, Interval: time.Second})
	assert.ErrorIs(t, err, ErrInvalidSpec) // missing Fire
	_, err = s.Add(Spec{Mode: Interval, Fire: func(time.Time) {}})
	assert.ErrorIs(t, err, ErrInvalidSpec) // missing interval
	_, err = s.Add(Spec{Mode: Cron, Expr: "not a cron", Fire: func(time.Time) {}})
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = s.Add(Spec{Mode: Once, Fire: func(time.Time) {}})
	assert.ErrorIs(t, err, ErrInvalidSpec) // missing instant
}

func TestIntervalFiringAccuracy(t *testing.T) {
	s := testScheduler(t)
	const d = 50 * time.Millisecond

	var mu sync.Mutex
	var fires []time.Time
	id, err := s.Add(Spec{
		Name:     "tick",
		Mode:     Interval,
		Interval: d,
		Fire: func(time.Time) {
			mu.Lock()
			fires = append(fires, time.Now())
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer s.Remove(id)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fires) >= 5
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < 5; i++ {
		gap := fires[i].Sub(fires[i-1])
		assert.InDelta(t, float64(d), float64(gap), float64(10*time.Millisecond),
			"inter-fire gap %d was %v", i, gap)
	}
}

func TestCronModeComputesNext(t *testing.T) {
	s := testScheduler(t)
	// Every minute; never fires inside this test, only validates wiring.
	id, err := s.Add(Spec{Name: "cron", Mode: Cron, Expr: "* * * * *", Fire: func(time.Time) {}})
	require.NoError(t, err)
	n, err := s.Fired(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
	require.NoError(t, s.Remove(id))
}

func TestEnableDisable(t *testing.T) {
	s := testScheduler(t)
	var mu sync.Mutex
	count := 0
	id, err := s.Add(Spec{
		Mode:     Interval,
		Interval: 20 * time.Millisecond,
		Fire: func(time.Time) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer s.Remove(id)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Disable(id))
	mu.Lock()
	frozen := count
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.LessOrEqual(t, count, frozen+1, "disabled schedule kept firing")
	mu.Unlock()

	require.NoError(t, s.Enable(id))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count > frozen+1
	}, time.Second, 5*time.Millisecond)
}

func TestRemoveUnknown(t *testing.T) {
	s := testScheduler(t)
	assert.ErrorIs(t, s.Remove("missing"), ErrNotFound)
	assert.ErrorIs(t, s.Enable("missing"), ErrNotFound)
}

func TestOnceFiresAndRemoves(t *testing.T) {
	s := testScheduler(t)
	fired := make(chan time.Time, 1)
	_, err := s.Add(Spec{
		Mode: Once,
		At:   time.Now().Add(30 * time.Millisecond),
		Fire: func(at time.Time) { fired <- at },
	})
	require.NoError(t, err)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("once schedule never fired")
	}
	assert.Eventually(t, func() bool { return s.Len() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestStartStop(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
	// Schedules survive a restart.
	_, err := s.Add(Spec{Mode: Interval, Interval: time.Hour, Fire: func(time.Time) {}})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Equal(t, 1, s.Len())
	require.NoError(t, s.Stop())
}
