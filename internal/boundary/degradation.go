// Copyright 2025 James Ross
package boundary

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// serviceState is one service's current operating grade.
type serviceState struct {
	level  Level
	reason string
	since  time.Time
}

// DegradationManager tracks per-service levels. Degrade only raises a
// level; Recover is the single way back to Normal.
type DegradationManager struct {
	mu       sync.RWMutex
	services map[string]serviceState
	log      *zap.Logger
	changes  uint64
}

// NewDegradationManager returns an empty manager.
func NewDegradationManager(log *zap.Logger) *DegradationManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &DegradationManager{services: map[string]serviceState{}, log: log}
}

// Degrade monotonically raises the service's level. Lower requests are
// ignored, never applied.
func (m *DegradationManager) Degrade(service string, level Level, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degradeLocked(service, level, reason)
}

func (m *DegradationManager) degradeLocked(service string, level Level, reason string) {
	cur := m.services[service]
	if level <= cur.level {
		return
	}
	m.services[service] = serviceState{level: level, reason: reason, since: time.Now()}
	m.changes++
	m.log.Warn("service degraded",
		zap.String("service", service),
		zap.String("level", level.String()),
		zap.String("reason", reason))
}

// Recover resets the service to Normal.
func (m *DegradationManager) Recover(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.services[service]
	if !ok || cur.level == Normal {
		return
	}
	delete(m.services, service)
	m.changes++
	m.log.Info("service recovered", zap.String("service", service), zap.String("from", cur.level.String()))
}

// Level returns the current level; unknown services run Normal.
func (m *DegradationManager) Level(service string) Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.services[service].level
}

// Reason returns why the service was degraded.
func (m *DegradationManager) Reason(service string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.services[service].reason
}

// Snapshot lists every degraded service and its level.
func (m *DegradationManager) Snapshot() map[string]Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Level, len(m.services))
	for name, st := range m.services {
		out[name] = st.level
	}
	return out
}

// Plan names services to push to a common target level and a disjoint
// set to push to Emergency.
type Plan struct {
	Name      string
	Target    Level
	Services  []string
	Emergency []string
}

// Validate rejects overlapping service sets.
func (p Plan) Validate() error {
	seen := map[string]bool{}
	for _, s := range p.Services {
		seen[s] = true
	}
	for _, s := range p.Emergency {
		if seen[s] {
			return fmt.Errorf("plan %s: service %q in both sets", p.Name, s)
		}
	}
	return nil
}

// Execute applies the plan atomically: all transitions happen under one
// lock, in sorted order so repeated runs transition identically.
func (m *DegradationManager) Execute(p Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ordered := append([]string(nil), p.Services...)
	sort.Strings(ordered)
	emergency := append([]string(nil), p.Emergency...)
	sort.Strings(emergency)

	m.mu.Lock()
	defer m.mu.Unlock()
	reason := fmt.Sprintf("degradation plan %s", p.Name)
	for _, s := range ordered {
		m.degradeLocked(s, p.Target, reason)
	}
	for _, s := range emergency {
		m.degradeLocked(s, Emergency, reason)
	}
	return nil
}

// DegradableService selects between a normal and a degraded code path
// based on the managed level.
type DegradableService struct {
	Name     string
	Manager  *DegradationManager
	NormalFn Fn
	// DegradedFn runs whenever the level is above Normal; nil means the
	// call fails with ErrServiceDegraded instead.
	DegradedFn Fn
}

// Call runs the path matching the service's current level.
func (d *DegradableService) Call() (interface{}, error) {
	if d.Manager.Level(d.Name) == Normal {
		return d.NormalFn()
	}
	if d.DegradedFn == nil {
		return nil, fmt.Errorf("service %s: %w", d.Name, ErrServiceDegraded)
	}
	return d.DegradedFn()
}
