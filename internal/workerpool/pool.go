// Copyright 2025 James Ross
package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flyingrobots/go-message-fabric/internal/jobqueue"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("worker pool already running")
	ErrNotRunning     = errors.New("worker pool not running")
)

// Pool runs a fixed set of workers draining one or more job queues.
// Queues are polled in slice order, so earlier queues act as higher
// priority. Cancellation is cooperative: an immediate stop lets the
// in-flight job finish.
type Pool struct {
	mu      sync.Mutex
	queues  []*jobqueue.Queue
	count   int
	log     *zap.Logger
	running bool

	idle      atomic.Int64
	executed  atomic.Uint64
	stopCh    chan struct{}
	drainMode atomic.Bool
	signal    chan struct{}
	wg        sync.WaitGroup
}

// idlePoll bounds how long an idle worker sleeps between queue sweeps
// when no enqueue signal arrives.
const idlePoll = 50 * time.Millisecond

// New builds a pool of count workers over the given queues.
func New(count int, log *zap.Logger, queues ...*jobqueue.Queue) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if count < 1 {
		count = 1
	}
	p := &Pool{
		queues: queues,
		count:  count,
		log:    log,
		signal: make(chan struct{}, 1),
	}
	for _, q := range queues {
		q.SetSignal(p.signal)
	}
	return p
}

// Start spawns the workers. Starting a running pool fails.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}
	p.running = true
	p.drainMode.Store(false)
	p.stopCh = make(chan struct{})
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.log.Debug("worker pool started", zap.Int("workers", p.count), zap.Int("queues", len(p.queues)))
	return nil
}

// Stop shuts the pool down. With immediate false, workers drain the
// queues before exiting; with immediate true they exit after finishing
// the job in flight.
func (p *Pool) Stop(immediate bool) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running = false
	stopCh := p.stopCh
	p.mu.Unlock()

	if !immediate {
		p.drainMode.Store(true)
	}
	close(stopCh)
	p.wg.Wait()
	p.log.Debug("worker pool stopped", zap.Bool("immediate", immediate))
	return nil
}

// Submit wraps a closure as a job on the first queue. Success reflects
// the enqueue only.
func (p *Pool) Submit(fn func()) error {
	if fn == nil {
		return jobqueue.ErrInvalidJob
	}
	if len(p.queues) == 0 {
		return ErrNotRunning
	}
	return p.queues[0].Enqueue(jobqueue.JobFunc(fn))
}

// IdleCount reports how many workers are blocked waiting for work.
func (p *Pool) IdleCount() int { return int(p.idle.Load()) }

// Executed reports the total number of jobs run.
func (p *Pool) Executed() uint64 { return p.executed.Load() }

// Running reports whether the pool has been started and not stopped.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		job := p.next()
		if job == nil {
			if p.drainMode.Load() || p.stopRequested() {
				return
			}
			continue
		}
		p.execute(id, job)
		if p.stopRequested() && !p.drainMode.Load() {
			return
		}
	}
}

func (p *Pool) stopRequested() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// next sweeps the queues in priority order, then waits idle for an
// enqueue signal. A nil return means no work was found and the caller
// should consult the stop state.
func (p *Pool) next() jobqueue.Job {
	for _, q := range p.queues {
		if job, err := q.TryDequeue(); err == nil {
			return job
		}
	}
	if p.drainMode.Load() || p.stopRequested() {
		return nil
	}
	p.idle.Add(1)
	defer p.idle.Add(-1)
	timer := time.NewTimer(idlePoll)
	defer timer.Stop()
	select {
	case <-p.stopCh:
	case <-p.signal:
	case <-timer.C:
	}
	return nil
}

func (p *Pool) execute(id int, job jobqueue.Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job panicked", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	job.Execute()
	p.executed.Add(1)
}
