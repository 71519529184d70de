// Copyright 2025 James Ross
package aggregation

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/go-message-fabric/internal/backpressure"
	"go.uber.org/zap"
)

// StorageSink receives flushed snapshots. The fabric treats storage as
// an external collaborator.
type StorageSink interface {
	Store(ctx context.Context, snapshots []Snapshot) error
}

// MemorySink retains flushed snapshots for inspection and tests.
type MemorySink struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (s *MemorySink) Store(_ context.Context, snapshots []Snapshot) error {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snapshots...)
	s.mu.Unlock()
	return nil
}

// Flushed returns every snapshot stored so far.
func (s *MemorySink) Flushed() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

// ManagerOptions tune a buffer manager.
type ManagerOptions struct {
	WindowSize    int
	Percentiles   []float64
	FlushInterval time.Duration
	// Adaptive, when set, lets the backpressure controller steer the
	// flush interval and batch size.
	Adaptive *backpressure.Controller
	Sink     StorageSink
	Logger   *zap.Logger
}

// Manager holds one rolling window per metric name and flushes
// aggregated snapshots to the storage sink at fixed or adaptive
// intervals.
type Manager struct {
	opts ManagerOptions
	log  *zap.Logger

	mu      sync.Mutex
	windows map[string]*Window
	pending map[string]bool

	runMu   sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	flushes uint64
}

// NewManager builds a stopped manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WindowSize < 2 {
		opts.WindowSize = 2
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	return &Manager{
		opts:    opts,
		log:     opts.Logger,
		windows: map[string]*Window{},
		pending: map[string]bool{},
	}
}

// Record folds one sample into the metric's window, creating it on
// first use.
func (m *Manager) Record(name string, value float64) {
	m.mu.Lock()
	w, ok := m.windows[name]
	if !ok {
		w = NewWindow(name, m.opts.WindowSize, m.opts.Percentiles)
		m.windows[name] = w
	}
	m.pending[name] = true
	m.mu.Unlock()
	w.Record(value)
}

// Window returns the live window for a metric, nil when never recorded.
func (m *Manager) Window(name string) *Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windows[name]
}

// Flush pushes a snapshot of every metric touched since the last flush.
// With an adaptive controller at most BatchSize snapshots go out per
// call; the remaining metrics stay pending for the next flush.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	batch := make([]Snapshot, 0, len(m.pending))
	limit := 0
	if m.opts.Adaptive != nil {
		limit = m.opts.Adaptive.BatchSize()
	}
	for name := range m.pending {
		batch = append(batch, m.windows[name].Snapshot())
		delete(m.pending, name)
		if limit > 0 && len(batch) >= limit {
			break
		}
	}
	m.mu.Unlock()
	if len(batch) == 0 || m.opts.Sink == nil {
		return nil
	}
	start := time.Now()
	err := m.opts.Sink.Store(ctx, batch)
	if err != nil {
		m.log.Warn("aggregation flush failed", zap.Int("snapshots", len(batch)), zap.Error(err))
		return err
	}
	m.flushes++
	if m.opts.Adaptive != nil {
		// Feed flush latency back into the controller; fill ratio is
		// how much of the batch budget this flush consumed.
		fill := 0.0
		if limit > 0 {
			fill = float64(len(batch)) / float64(limit)
		}
		m.opts.Adaptive.Observe(fill, time.Since(start))
	}
	return nil
}

// interval returns the current flush cadence.
func (m *Manager) interval() time.Duration {
	if m.opts.Adaptive != nil {
		return m.opts.Adaptive.FlushInterval()
	}
	return m.opts.FlushInterval
}

// Start launches the periodic flush loop.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.done = make(chan struct{})
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the loop and performs one final flush.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.done)
	m.runMu.Unlock()
	m.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.Flush(ctx)
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		timer := time.NewTimer(m.interval())
		select {
		case <-m.done:
			timer.Stop()
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = m.Flush(ctx)
			cancel()
		}
	}
}
