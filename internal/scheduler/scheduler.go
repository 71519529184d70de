// Copyright 2025 James Ross
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("schedule not found")
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
	ErrInvalidSpec    = errors.New("invalid schedule specification")
)

// Mode selects how the next fire time is derived.
type Mode int

const (
	// Interval fires every d, re-armed as now + d after each fire.
	Interval Mode = iota
	// Cron fires on the next cron-expression match.
	Cron
	// Once fires a single time at the configured instant, then the
	// schedule removes itself.
	Once
)

// FireFunc receives the nominal fire time.
type FireFunc func(at time.Time)

// Spec describes a schedule to add.
type Spec struct {
	Name     string
	Mode     Mode
	Interval time.Duration
	Expr     string
	At       time.Time
	Fire     FireFunc
}

type schedule struct {
	id       string
	name     string
	mode     Mode
	interval time.Duration
	cronExpr cron.Schedule
	fire     FireFunc
	enabled  bool
	next     time.Time
	fired    uint64
}

// Scheduler is a single-goroutine time wheel. Each tick fires every due
// enabled schedule exactly once; a delayed tick does not replay missed
// occurrences.
type Scheduler struct {
	mu        sync.Mutex
	schedules map[string]*schedule
	log       *zap.Logger

	running bool
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New returns a stopped scheduler.
func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{schedules: map[string]*schedule{}, log: log}
}

// Add registers a schedule and returns its id. The schedule is enabled
// immediately.
func (s *Scheduler) Add(spec Spec) (string, error) {
	if spec.Fire == nil {
		return "", fmt.Errorf("fire callback: %w", ErrInvalidSpec)
	}
	sch := &schedule{
		id:      uuid.NewString(),
		name:    spec.Name,
		mode:    spec.Mode,
		fire:    spec.Fire,
		enabled: true,
	}
	now := time.Now()
	switch spec.Mode {
	case Interval:
		if spec.Interval <= 0 {
			return "", fmt.Errorf("interval %v: %w", spec.Interval, ErrInvalidSpec)
		}
		sch.interval = spec.Interval
		sch.next = now.Add(spec.Interval)
	case Cron:
		expr, err := cron.ParseStandard(spec.Expr)
		if err != nil {
			return "", fmt.Errorf("cron %q: %w", spec.Expr, ErrInvalidSpec)
		}
		sch.cronExpr = expr
		sch.next = expr.Next(now)
	case Once:
		if spec.At.IsZero() {
			return "", fmt.Errorf("once without instant: %w", ErrInvalidSpec)
		}
		sch.next = spec.At
	default:
		return "", ErrInvalidSpec
	}

	s.mu.Lock()
	s.schedules[sch.id] = sch
	s.mu.Unlock()
	s.nudge()
	return sch.id, nil
}

// Enable re-arms a disabled schedule.
func (s *Scheduler) Enable(id string) error { return s.setEnabled(id, true) }

// Disable pauses a schedule without removing it.
func (s *Scheduler) Disable(id string) error { return s.setEnabled(id, false) }

func (s *Scheduler) setEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	if enabled && !sch.enabled {
		// Re-arm relative to now so a long pause does not fire a
		// backlog of stale occurrences.
		now := time.Now()
		switch sch.mode {
		case Interval:
			sch.next = now.Add(sch.interval)
		case Cron:
			sch.next = sch.cronExpr.Next(now)
		}
	}
	sch.enabled = enabled
	s.nudgeLocked()
	return nil
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(s.schedules, id)
	s.nudgeLocked()
	return nil
}

// Fired returns how many times a schedule has fired.
func (s *Scheduler) Fired(id string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return 0, ErrNotFound
	}
	return sch.fired, nil
}

// Len returns the number of registered schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedules)
}

// Start spawns the tick loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.wake = make(chan struct{}, 1)
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the tick loop; schedules stay registered.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) nudge() {
	s.mu.Lock()
	s.nudgeLocked()
	s.mu.Unlock()
}

func (s *Scheduler) nudgeLocked() {
	if s.wake == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// idleWait bounds the sleep when no schedule is armed.
const idleWait = time.Second

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		wait := s.fireDue()
		timer := time.NewTimer(wait)
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// fireDue fires every due schedule once and returns how long to sleep
// until the earliest next occurrence.
func (s *Scheduler) fireDue() time.Duration {
	now := time.Now()
	var due []*schedule
	var remove []string

	s.mu.Lock()
	wait := idleWait
	for id, sch := range s.schedules {
		if !sch.enabled {
			continue
		}
		if !sch.next.After(now) {
			due = append(due, sch)
			sch.fired++
			switch sch.mode {
			case Interval:
				// Fire-once semantics: a delayed tick advances from
				// now, it does not replay the missed occurrences.
				sch.next = now.Add(sch.interval)
			case Cron:
				sch.next = sch.cronExpr.Next(now)
			case Once:
				remove = append(remove, id)
				continue
			}
		}
		if d := sch.next.Sub(now); d < wait {
			wait = d
		}
	}
	for _, id := range remove {
		delete(s.schedules, id)
	}
	s.mu.Unlock()

	for _, sch := range due {
		sch.fire(now)
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}
