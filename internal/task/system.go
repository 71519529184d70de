// Copyright 2025 James Ross
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/go-message-fabric/internal/deadletter"
	"github.com/flyingrobots/go-message-fabric/internal/jobqueue"
	"github.com/flyingrobots/go-message-fabric/internal/obs"
	"github.com/flyingrobots/go-message-fabric/internal/reliability"
	"github.com/flyingrobots/go-message-fabric/internal/scheduler"
	"github.com/flyingrobots/go-message-fabric/internal/workerpool"
	"github.com/flyingrobots/go-message-fabric/internal/container"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options tune a task system.
type Options struct {
	WorkerCount     int
	QueueCapacity   int
	Overflow        jobqueue.OverflowPolicy
	ResultRetention int
	Breaker         reliability.BreakerConfig
	Retry           reliability.RetryConfig
	DefaultTimeout  time.Duration
	DeadLetter      deadletter.Sink
	Logger          *zap.Logger
}

// DefaultOptions mirror the fabric defaults.
func DefaultOptions() Options {
	return Options{
		WorkerCount:     8,
		QueueCapacity:   1024,
		Overflow:        jobqueue.DropNewest(),
		ResultRetention: 1024,
		Breaker:         reliability.DefaultBreakerConfig(),
		Retry:           reliability.DefaultRetryConfig(),
		DefaultTimeout:  time.Minute,
	}
}

// record tracks one submitted task through its lifecycle.
type record struct {
	mu            sync.Mutex
	task          *Task
	state         State
	ctx           *Context
	err           error
	cancelPending bool
}

func (r *record) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// System owns the handler registry, the named queues, the worker pool
// and the per-task lifecycle.
type System struct {
	opts Options
	log  *zap.Logger

	regMu    sync.RWMutex
	registry map[string]Handler

	queueMu sync.Mutex
	queues  map[string]*jobqueue.Queue
	order   []string

	trackMu sync.RWMutex
	tracked map[string]*record

	results  *lru.Cache[string, *container.ValueContainer]
	breakers *reliability.BreakerRegistry
	sched    *scheduler.Scheduler
	pool     *workerpool.Pool

	mu      sync.Mutex
	running bool
}

// NewSystem builds a stopped task system with the default queue in
// place.
func NewSystem(opts Options) (*System, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WorkerCount < 1 {
		opts.WorkerCount = 1
	}
	if opts.ResultRetention < 1 {
		opts.ResultRetention = 1
	}
	results, err := lru.New[string, *container.ValueContainer](opts.ResultRetention)
	if err != nil {
		return nil, err
	}
	s := &System{
		opts:     opts,
		log:      opts.Logger,
		registry: map[string]Handler{},
		queues:   map[string]*jobqueue.Queue{},
		tracked:  map[string]*record{},
		results:  results,
		breakers: reliability.NewBreakerRegistry(opts.Breaker),
		sched:    scheduler.New(opts.Logger),
	}
	s.ensureQueue(DefaultQueue)
	return s, nil
}

// Scheduler exposes the embedded scheduler for periodic task templates.
func (s *System) Scheduler() *scheduler.Scheduler { return s.sched }

// BreakerState reports the breaker guarding one handler.
func (s *System) BreakerState(handler string) reliability.BreakerState {
	return s.breakers.Get(handler).State()
}

// RegisterHandler binds a name to a handler. Duplicates fail.
func (s *System) RegisterHandler(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("register %q: %w", name, ErrInvalidTask)
	}
	s.regMu.Lock()
	defer s.regMu.Unlock()
	if _, ok := s.registry[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrHandlerExists)
	}
	s.registry[name] = h
	return nil
}

func (s *System) handler(name string) (Handler, bool) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	h, ok := s.registry[name]
	return h, ok
}

// ensureQueue returns the named queue, creating it before Start. After
// Start the queue set is fixed and unknown names fall back to default.
func (s *System) ensureQueue(name string) *jobqueue.Queue {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if q, ok := s.queues[name]; ok {
		return q
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		s.log.Warn("queue created after start, using default", zap.String("queue", name))
		return s.queues[DefaultQueue]
	}
	q := jobqueue.NewBounded(s.opts.QueueCapacity, s.opts.Overflow)
	s.queues[name] = q
	s.order = append(s.order, name)
	return q
}

// CreateQueue pre-declares a named queue before Start.
func (s *System) CreateQueue(name string) { s.ensureQueue(name) }

// Start spins up the pool and the scheduler.
func (s *System) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSystemRunning
	}
	s.running = true
	s.mu.Unlock()

	s.queueMu.Lock()
	qs := make([]*jobqueue.Queue, 0, len(s.order))
	for _, name := range s.order {
		qs = append(qs, s.queues[name])
	}
	s.queueMu.Unlock()

	s.pool = workerpool.New(s.opts.WorkerCount, s.log, qs...)
	if err := s.pool.Start(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	if err := s.sched.Start(); err != nil && !errors.Is(err, scheduler.ErrAlreadyRunning) {
		return err
	}
	s.log.Info("task system started", zap.Int("workers", s.opts.WorkerCount))
	return nil
}

// Stop drains the queues and stops the pool and scheduler.
func (s *System) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSystemStopped
	}
	s.running = false
	s.mu.Unlock()

	_ = s.sched.Stop()
	if err := s.pool.Stop(false); err != nil {
		return err
	}
	s.log.Info("task system stopped")
	return nil
}

// taskJob carries one task through the pool.
type taskJob struct {
	sys *System
	rec *record
}

func (j *taskJob) Execute() { j.sys.execute(j.rec) }

// Submit validates the task, assigns an id when absent and places it on
// its queue. Tasks scheduled in the future are held by the scheduler
// and submitted when due.
func (s *System) Submit(t *Task) (string, error) {
	if t == nil {
		return "", ErrInvalidTask
	}
	if _, ok := s.handler(t.HandlerName); !ok {
		return "", fmt.Errorf("handler %q: %w", t.HandlerName, ErrNoHandler)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Queue == "" {
		t.Queue = DefaultQueue
	}
	if t.MaxAttempts < 1 {
		t.MaxAttempts = 1
	}
	if t.Timeout <= 0 {
		t.Timeout = s.opts.DefaultTimeout
	}
	t.SubmittedAt = time.Now()

	rec := &record{task: t, state: Pending}
	s.trackMu.Lock()
	s.tracked[t.ID] = rec
	s.trackMu.Unlock()
	obs.TasksSubmitted.Inc()

	if !t.ScheduledAt.IsZero() && t.ScheduledAt.After(time.Now()) {
		_, err := s.sched.Add(scheduler.Spec{
			Name: fmt.Sprintf("task:%s", t.ID),
			Mode: scheduler.Once,
			At:   t.ScheduledAt,
			Fire: func(time.Time) {
				obs.SchedulerFires.Inc()
				s.enqueue(rec)
			},
		})
		if err != nil {
			return "", err
		}
		return t.ID, nil
	}
	if err := s.enqueueErr(rec); err != nil {
		return "", err
	}
	return t.ID, nil
}

func (s *System) enqueue(rec *record) {
	if err := s.enqueueErr(rec); err != nil {
		s.log.Error("scheduled task could not be enqueued",
			zap.String("task_id", rec.task.ID), zap.Error(err))
	}
}

func (s *System) enqueueErr(rec *record) error {
	q := s.ensureQueue(rec.task.Queue)
	if err := q.Enqueue(&taskJob{sys: s, rec: rec}); err != nil {
		s.fail(rec, fmt.Errorf("enqueue task %s: %w", rec.task.ID, err))
		return err
	}
	return nil
}

// transition applies a lifecycle edge, refusing anything not in the
// monotone state machine.
func (s *System) transition(rec *record, to State) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !allowedTransition(rec.state, to) {
		return false
	}
	rec.state = to
	return true
}

// execute is the worker-side entry point for one task.
func (s *System) execute(rec *record) {
	t := rec.task
	if rec.currentState() == Cancelled {
		// Cancelled while pending: never runs.
		return
	}
	if !s.transition(rec, Running) {
		return
	}
	h, ok := s.handler(t.HandlerName)
	if !ok {
		s.fail(rec, fmt.Errorf("handler %q: %w", t.HandlerName, ErrNoHandler))
		return
	}

	start := time.Now()
	var result *container.ValueContainer
	attempt := 0

	run := func() error {
		attempt++
		t.Attempt = attempt
		if attempt > 1 && !s.transition(rec, Running) {
			return ErrTaskCancelled
		}
		tctx := newContext(t.ID, attempt, s.log)
		rec.mu.Lock()
		if rec.cancelPending {
			tctx.Cancel()
		}
		rec.ctx = tctx
		rec.mu.Unlock()

		spanCtx, span := obs.StartTaskSpan(context.Background(), t.ID, t.HandlerName, attempt)
		out, err := s.invoke(h, t, tctx)
		tctx.finish()
		if err != nil {
			obs.RecordError(spanCtx, err)
			span.End()
			return err
		}
		obs.SetSpanSuccess(spanCtx)
		span.End()
		result = out
		for _, child := range tctx.takeChildren() {
			if _, cerr := s.Submit(child); cerr != nil {
				s.log.Warn("child task rejected",
					zap.String("parent_id", t.ID), zap.Error(cerr))
			}
		}
		return nil
	}

	retryCfg := s.opts.Retry
	retryCfg.MaxAttempts = t.MaxAttempts
	userShould := retryCfg.ShouldRetry
	retryCfg.ShouldRetry = func(err error) bool {
		if errors.Is(err, ErrTaskCancelled) {
			return false
		}
		if userShould != nil {
			return userShould(err)
		}
		return true
	}
	retryCfg.OnRetry = func(n int, err error, delay time.Duration) {
		obs.TasksRetried.Inc()
		s.transition(rec, Retrying)
		s.log.Warn("task retrying",
			zap.String("task_id", t.ID),
			zap.Int("attempt", n),
			zap.Duration("backoff", delay),
			zap.Error(err))
	}

	policy, perr := reliability.NewPolicyWithBreaker(reliability.PolicyConfig{
		EnableBreaker: true,
		EnableRetry:   true,
		BreakerFirst:  true,
		Timeout:       t.Timeout,
		Breaker:       s.opts.Breaker,
		Retry:         retryCfg,
	}, s.breakers.Get(t.HandlerName))
	if perr != nil {
		s.fail(rec, perr)
		return
	}

	err := policy.Execute(context.Background(), run)
	obs.TaskDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		s.results.Add(t.ID, result)
		if s.transition(rec, Completed) {
			obs.TasksCompleted.Inc()
			s.log.Info("task completed",
				zap.String("task_id", t.ID),
				zap.String("handler", t.HandlerName),
				zap.Int("attempts", attempt))
		}
	case errors.Is(err, ErrTaskCancelled):
		if s.transition(rec, Cancelled) {
			obs.TasksCancelled.Inc()
			s.log.Info("task cancelled", zap.String("task_id", t.ID))
		}
	default:
		s.deadLetter(rec, err)
	}
}

// invoke runs the handler, converting panics into handler failures at
// this single boundary.
func (s *System) invoke(h Handler, t *Task, tctx *Context) (out *container.ValueContainer, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &ExecutionError{
				TaskID:  t.ID,
				Handler: t.HandlerName,
				Attempt: tctx.Attempt(),
				Err:     fmt.Errorf("%w: panic: %v", ErrOperationFailed, r),
			}
		}
	}()
	if tctx.IsCancelled() {
		return nil, ErrTaskCancelled
	}
	out, err = h(t, tctx)
	if err != nil && !errors.Is(err, ErrTaskCancelled) {
		err = &ExecutionError{
			TaskID:  t.ID,
			Handler: t.HandlerName,
			Attempt: tctx.Attempt(),
			Err:     fmt.Errorf("%w: %v", ErrOperationFailed, err),
		}
	}
	return out, err
}

// fail marks a task terminally failed without dead-lettering.
func (s *System) fail(rec *record, err error) {
	rec.mu.Lock()
	rec.err = err
	rec.mu.Unlock()
	if s.transition(rec, Failed) {
		obs.TasksFailed.Inc()
		s.log.Error("task failed", zap.String("task_id", rec.task.ID), zap.Error(err))
	}
}

// deadLetter routes an exhausted task to the sink, or marks it Failed
// when no sink is configured.
func (s *System) deadLetter(rec *record, cause error) {
	t := rec.task
	rec.mu.Lock()
	rec.err = cause
	rec.mu.Unlock()
	if s.opts.DeadLetter == nil {
		s.fail(rec, cause)
		return
	}
	if !s.transition(rec, DeadLettered) {
		return
	}
	var payload []byte
	if t.Payload != nil {
		if b, err := t.Payload.Serialize(); err == nil {
			payload = b
		}
	}
	entry := deadletter.Entry{
		ID:       t.ID,
		Kind:     "task",
		Handler:  t.HandlerName,
		Payload:  payload,
		Reason:   cause.Error(),
		Attempts: t.Attempt,
		At:       time.Now().UTC(),
	}
	if err := s.opts.DeadLetter.Accept(context.Background(), entry); err != nil {
		s.log.Error("dead letter sink rejected task",
			zap.String("task_id", t.ID), zap.Error(err))
	}
	obs.TasksDeadLettered.Inc()
	s.log.Error("task dead-lettered",
		zap.String("task_id", t.ID),
		zap.String("handler", t.HandlerName),
		zap.Int("attempts", t.Attempt),
		zap.Error(cause))
}

// Cancel requests cooperative cancellation. A pending task transitions
// straight to Cancelled and never runs; a running task's handler sees
// the flag on its next poll.
func (s *System) Cancel(taskID string) error {
	rec, err := s.lookup(taskID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.state {
	case Pending:
		if allowedTransition(rec.state, Cancelled) {
			rec.state = Cancelled
			obs.TasksCancelled.Inc()
		}
	case Running, Retrying:
		rec.cancelPending = true
		if rec.ctx != nil {
			rec.ctx.Cancel()
		}
	}
	return nil
}

func (s *System) lookup(taskID string) (*record, error) {
	s.trackMu.RLock()
	defer s.trackMu.RUnlock()
	rec, ok := s.tracked[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	return rec, nil
}

// State reports a task's lifecycle state.
func (s *System) State(taskID string) (State, error) {
	rec, err := s.lookup(taskID)
	if err != nil {
		return 0, err
	}
	return rec.currentState(), nil
}

// Progress reports the latest fraction and message of the current (or
// last) attempt.
func (s *System) Progress(taskID string) (float64, string, error) {
	rec, err := s.lookup(taskID)
	if err != nil {
		return 0, "", err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.ctx == nil {
		return 0, "", nil
	}
	f, msg := rec.ctx.Progress()
	return f, msg, nil
}

// Result returns the stored result container. Results become visible
// strictly after the handler returns and stay for up to the configured
// retention.
func (s *System) Result(taskID string) (*container.ValueContainer, bool) {
	return s.results.Get(taskID)
}

// Err returns the terminal error of a failed or dead-lettered task.
func (s *System) Err(taskID string) (error, bool) {
	rec, err := s.lookup(taskID)
	if err != nil {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.err, rec.err != nil
}

// QueueLengths snapshots the queue depths for observability.
func (s *System) QueueLengths() map[string]int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	out := make(map[string]int, len(s.queues))
	for name, q := range s.queues {
		out[name] = q.Len()
	}
	return out
}

// IdleWorkers exposes the pool idle count.
func (s *System) IdleWorkers() int {
	if s.pool == nil {
		return 0
	}
	return s.pool.IdleCount()
}
