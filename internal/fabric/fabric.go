// Copyright 2025 James Ross
package fabric

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/go-message-fabric/internal/aggregation"
	"github.com/flyingrobots/go-message-fabric/internal/backpressure"
	"github.com/flyingrobots/go-message-fabric/internal/boundary"
	"github.com/flyingrobots/go-message-fabric/internal/bus"
	"github.com/flyingrobots/go-message-fabric/internal/config"
	"github.com/flyingrobots/go-message-fabric/internal/deadletter"
	"github.com/flyingrobots/go-message-fabric/internal/jobqueue"
	"github.com/flyingrobots/go-message-fabric/internal/obs"
	"github.com/flyingrobots/go-message-fabric/internal/reliability"
	"github.com/flyingrobots/go-message-fabric/internal/task"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// System is the ownership root: it builds and owns the bus, the task
// system, the degradation manager, the backpressure controller and the
// aggregation buffers, and hands components borrowed references.
type System struct {
	cfg *config.Config
	log *zap.Logger

	Bus         *bus.Bus
	Tasks       *task.System
	Degradation *boundary.DegradationManager
	Pressure    *backpressure.Controller
	Metrics     *aggregation.Manager
	DeadLetter  deadletter.Sink

	rdb *redis.Client

	mu      sync.Mutex
	running bool
	sample  chan struct{}
	wg      sync.WaitGroup
}

// overflowPolicy maps the config string onto a queue policy.
func overflowPolicy(q config.Queue) jobqueue.OverflowPolicy {
	kind, ok := jobqueue.ParseOverflowKind(q.OverflowPolicy)
	if !ok {
		return jobqueue.DropNewest()
	}
	switch kind {
	case jobqueue.OverflowDropOldest:
		return jobqueue.DropOldest()
	case jobqueue.OverflowBlock:
		return jobqueue.Block(q.BlockTimeout)
	case jobqueue.OverflowGrow:
		return jobqueue.Grow(q.GrowFactor, q.GrowMax)
	default:
		return jobqueue.DropNewest()
	}
}

func retryStrategy(s string) reliability.RetryStrategy {
	switch s {
	case "fixed":
		return reliability.Fixed
	case "fibonacci":
		return reliability.Fibonacci
	default:
		return reliability.Exponential
	}
}

// New assembles a stopped system from validated configuration.
func New(cfg *config.Config, log *zap.Logger) (*System, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &System{cfg: cfg, log: log}

	var dlq deadletter.Sink
	var aggSink aggregation.StorageSink
	if cfg.Redis.Enabled {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		dlq = deadletter.NewRedisSink(s.rdb, cfg.Redis.DeadLetterKey, cfg.Redis.DeadLetterMax, log)
		aggSink = aggregation.NewRedisSink(s.rdb, cfg.Redis.MetricsKeyBase, 0, log)
	} else {
		dlq = deadletter.NewMemorySink(4096)
		aggSink = &aggregation.MemorySink{}
	}
	s.DeadLetter = dlq

	overflow := overflowPolicy(cfg.Queue)

	onShutdown := bus.DropQueued
	if cfg.Bus.DeadLetterOnClose {
		onShutdown = bus.DeadLetterQueued
	}
	s.Bus = bus.New(bus.Options{
		WorkerCount:   cfg.Worker.Count,
		QueueCapacity: cfg.Queue.Capacity,
		Overflow:      overflow,
		GracePeriod:   cfg.Bus.GracePeriod,
		OnShutdown:    onShutdown,
		DeadLetter:    dlq,
		Logger:        log,
	})

	tasks, err := task.NewSystem(task.Options{
		WorkerCount:     cfg.Worker.Count,
		QueueCapacity:   cfg.Queue.Capacity,
		Overflow:        overflow,
		ResultRetention: cfg.Task.ResultRetention,
		Breaker: reliability.BreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
			ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		},
		Retry: reliability.RetryConfig{
			MaxAttempts: cfg.Task.MaxRetries + 1,
			BaseDelay:   cfg.Task.RetryBaseDelay,
			Multiplier:  cfg.Task.RetryMultiplier,
			Strategy:    retryStrategy(cfg.Task.RetryStrategy),
			Jitter:      cfg.Task.RetryJitter,
		},
		DefaultTimeout: cfg.Task.DefaultTimeout,
		DeadLetter:     dlq,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	s.Tasks = tasks

	s.Degradation = boundary.NewDegradationManager(log)

	pressure, err := backpressure.NewController(backpressure.Config{
		MinBatch:       cfg.Backpressure.MinBatch,
		MaxBatch:       cfg.Backpressure.MaxBatch,
		MinFlush:       cfg.Backpressure.MinFlush,
		MaxFlush:       cfg.Backpressure.MaxFlush,
		LowThreshold:   cfg.Backpressure.LoadLow,
		HighThreshold:  cfg.Backpressure.LoadHigh,
		Smoothing:      cfg.Backpressure.Smoothing,
		AdaptationRate: cfg.Backpressure.AdaptationRate,
		TargetLatency:  cfg.Backpressure.TargetLatency,
	}, log)
	if err != nil {
		return nil, err
	}
	s.Pressure = pressure

	var adaptive *backpressure.Controller
	if cfg.Aggregation.Adaptive {
		adaptive = pressure
	}
	s.Metrics = aggregation.NewManager(aggregation.ManagerOptions{
		WindowSize:    cfg.Aggregation.WindowSize,
		Percentiles:   cfg.Aggregation.Percentiles,
		FlushInterval: cfg.Aggregation.FlushInterval,
		Adaptive:      adaptive,
		Sink:          aggSink,
		Logger:        log,
	})
	return s, nil
}

// Start brings every subsystem up in dependency order.
func (s *System) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return task.ErrSystemRunning
	}
	if err := s.Bus.Start(); err != nil {
		return err
	}
	if err := s.Tasks.Start(); err != nil {
		_ = s.Bus.Stop(context.Background())
		return err
	}
	s.Metrics.Start()
	s.sample = make(chan struct{})
	s.wg.Add(1)
	go s.sampleLoop()
	s.running = true
	s.log.Info("fabric started")
	return nil
}

// Stop tears the subsystems down in reverse order.
func (s *System) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return task.ErrSystemStopped
	}
	close(s.sample)
	s.wg.Wait()
	s.Metrics.Stop()
	if err := s.Tasks.Stop(); err != nil {
		s.log.Warn("task system stop", zap.Error(err))
	}
	if err := s.Bus.Stop(ctx); err != nil {
		s.log.Warn("bus stop", zap.Error(err))
	}
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	s.running = false
	s.log.Info("fabric stopped")
	return nil
}

// Ready is the readiness probe for the HTTP server.
func (s *System) Ready(ctx context.Context) error {
	if s.Bus.State() != bus.Running {
		return bus.ErrBusNotRunning
	}
	if s.rdb != nil {
		return s.rdb.Ping(ctx).Err()
	}
	return nil
}

// sampleLoop feeds queue depth into the gauges, the backpressure
// controller and the rolling metric windows.
func (s *System) sampleLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.sample:
			return
		case <-ticker.C:
			total := 0
			for name, depth := range s.Tasks.QueueLengths() {
				obs.QueueLength.WithLabelValues(name).Set(float64(depth))
				s.Metrics.Record("queue_depth."+name, float64(depth))
				total += depth
			}
			obs.WorkerIdle.Set(float64(s.Tasks.IdleWorkers()))
			fill := 0.0
			if s.cfg.Queue.Capacity > 0 {
				fill = float64(total) / float64(s.cfg.Queue.Capacity)
			}
			before := s.Pressure.Snapshot().Adaptations
			s.Pressure.Observe(fill, 0)
			if after := s.Pressure.Snapshot().Adaptations; after > before {
				obs.Adaptations.Add(float64(after - before))
			}
			for service, level := range s.Degradation.Snapshot() {
				obs.DegradationLevel.WithLabelValues(service).Set(float64(level))
			}
		}
	}
}

var (
	defaultMu  sync.Mutex
	defaultSys *System
)

// Default is the opt-in process-wide singleton built on the explicit
// API; most callers should construct their own System.
func Default() (*System, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSys != nil {
		return defaultSys, nil
	}
	sys, err := New(config.Default(), zap.NewNop())
	if err != nil {
		return nil, err
	}
	defaultSys = sys
	return defaultSys, nil
}
