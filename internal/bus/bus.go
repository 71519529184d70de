// Copyright 2025 James Ross
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flyingrobots/go-message-fabric/internal/deadletter"
	"github.com/flyingrobots/go-message-fabric/internal/jobqueue"
	"github.com/flyingrobots/go-message-fabric/internal/obs"
	"github.com/flyingrobots/go-message-fabric/internal/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeliveryMode selects where a subscription's handler runs.
type DeliveryMode int

const (
	// Inline runs the handler synchronously on the publisher's
	// goroutine, in publish order.
	Inline DeliveryMode = iota
	// Worker admits the handler invocation to the pool, ordered by
	// message priority.
	Worker
)

// Handler consumes a message. The message must be treated as read-only.
type Handler func(*Message) error

// Filter decides whether a subscription sees a message.
type Filter func(*Message) bool

// Transformer produces the message actually dispatched; the original is
// never mutated.
type Transformer func(*Message) *Message

// Subscription binds a topic pattern to a handler.
type Subscription struct {
	ID      string
	Pattern string
	Mode    DeliveryMode
	handler Handler
	filter  Filter
}

// State is the bus lifecycle.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ShutdownBehavior decides the fate of messages still queued when the
// grace period expires.
type ShutdownBehavior int

const (
	DropQueued ShutdownBehavior = iota
	DeadLetterQueued
)

// Options tune a bus instance.
type Options struct {
	WorkerCount   int
	QueueCapacity int
	Overflow      jobqueue.OverflowPolicy
	GracePeriod   time.Duration
	OnShutdown    ShutdownBehavior
	DeadLetter    deadletter.Sink
	Logger        *zap.Logger
}

// DefaultOptions mirror the fabric defaults: one admission queue per
// priority, drop-newest on overflow with a warning event.
func DefaultOptions() Options {
	return Options{
		WorkerCount:   4,
		QueueCapacity: 1024,
		Overflow:      jobqueue.DropNewest(),
		GracePeriod:   5 * time.Second,
		OnShutdown:    DropQueued,
	}
}

// Bus is the process-wide pub/sub router. One instance per system.
type Bus struct {
	opts  Options
	log   *zap.Logger
	state atomic.Int32

	subMu    sync.Mutex
	subs     map[string]*Subscription
	snapshot atomic.Pointer[[]*Subscription]

	filterMu    sync.RWMutex
	globalF     Filter
	transformer Transformer

	// One admission queue per priority, drained critical-first.
	queues [priorityCount]*jobqueue.Queue
	pool   *workerpool.Pool

	stats counters
}

// New builds a stopped bus.
func New(opts Options) *Bus {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WorkerCount < 1 {
		opts.WorkerCount = 1
	}
	b := &Bus{opts: opts, log: opts.Logger, subs: map[string]*Subscription{}}
	empty := make([]*Subscription, 0)
	b.snapshot.Store(&empty)
	return b
}

// State returns the current lifecycle state.
func (b *Bus) State() State { return State(b.state.Load()) }

// Start transitions Stopped -> Starting -> Running, building the
// admission queues and pool.
func (b *Bus) Start() error {
	if !b.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return fmt.Errorf("start in state %s: %w", b.State(), ErrBusRunning)
	}
	queues := make([]*jobqueue.Queue, 0, priorityCount)
	for i := priorityCount - 1; i >= 0; i-- {
		q := jobqueue.NewBounded(b.opts.QueueCapacity, b.opts.Overflow)
		b.queues[i] = q
		queues = append(queues, q) // critical first
	}
	b.pool = workerpool.New(b.opts.WorkerCount, b.log, queues...)
	if err := b.pool.Start(); err != nil {
		b.state.Store(int32(Stopped))
		return err
	}
	b.state.Store(int32(Running))
	b.log.Info("message bus running", zap.Int("workers", b.opts.WorkerCount))
	return nil
}

// Stop drains in-flight dispatches for the grace period, then forcibly
// stops; messages still queued are dropped or dead-lettered per config.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return fmt.Errorf("stop in state %s: %w", b.State(), ErrBusNotRunning)
	}
	deadline := time.Now().Add(b.opts.GracePeriod)
	for time.Now().Before(deadline) && b.queuedLocked() > 0 {
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(10 * time.Millisecond):
		}
	}
	// Pull whatever survived the grace period before stopping workers.
	var leftovers []jobqueue.Job
	for i := priorityCount - 1; i >= 0; i-- {
		q := b.queues[i]
		q.StopWaiting()
		leftovers = append(leftovers, q.DequeueAll()...)
	}
	_ = b.pool.Stop(true)
	for _, j := range leftovers {
		d, ok := j.(*dispatchJob)
		if !ok {
			continue
		}
		b.stats.dropped.Add(1)
		if b.opts.OnShutdown == DeadLetterQueued && b.opts.DeadLetter != nil {
			b.forwardDeadLetter(d.msg, "bus_shutdown")
		}
	}
	b.state.Store(int32(Stopped))
	b.log.Info("message bus stopped", zap.Int("undelivered", len(leftovers)))
	return nil
}

func (b *Bus) queuedLocked() int {
	total := 0
	for _, q := range b.queues {
		if q != nil {
			total += q.Len()
		}
	}
	return total
}

// Subscribe registers a handler for a topic pattern and returns the
// subscription id. Extra filters beyond the first are ignored.
func (b *Bus) Subscribe(pattern string, handler Handler, mode DeliveryMode, filter ...Filter) (string, error) {
	if pattern == "" {
		return "", ErrInvalidPattern
	}
	if handler == nil {
		return "", ErrInvalidHandler
	}
	sub := &Subscription{
		ID:      uuid.NewString(),
		Pattern: pattern,
		Mode:    mode,
		handler: handler,
	}
	if len(filter) > 0 {
		sub.filter = filter[0]
	}
	b.subMu.Lock()
	b.subs[sub.ID] = sub
	b.rebuildSnapshotLocked()
	b.subMu.Unlock()
	return sub.ID, nil
}

// Unsubscribe removes by id. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.subMu.Lock()
	if _, ok := b.subs[id]; ok {
		delete(b.subs, id)
		b.rebuildSnapshotLocked()
	}
	b.subMu.Unlock()
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subs)
}

func (b *Bus) rebuildSnapshotLocked() {
	snap := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		snap = append(snap, s)
	}
	b.snapshot.Store(&snap)
}

// SetGlobalFilter installs a filter consulted before every dispatch.
func (b *Bus) SetGlobalFilter(f Filter) {
	b.filterMu.Lock()
	b.globalF = f
	b.filterMu.Unlock()
}

// SetTransformer installs a copy-on-transform hook applied before
// dispatch.
func (b *Bus) SetTransformer(t Transformer) {
	b.filterMu.Lock()
	b.transformer = t
	b.filterMu.Unlock()
}

// dispatchJob carries one subscriber invocation through the pool.
type dispatchJob struct {
	bus *Bus
	sub *Subscription
	msg *Message
}

func (d *dispatchJob) Execute() { d.bus.invoke(d.sub, d.msg) }

// Publish routes the message to all matching subscribers and returns
// how many were dispatched (invoked inline or admitted to the pool).
func (b *Bus) Publish(msg *Message) (int, error) {
	if msg == nil {
		return 0, ErrInvalidMessage
	}
	if !IsValidPriority(msg.Priority) {
		return 0, ErrInvalidPriority
	}
	if b.State() != Running {
		return 0, fmt.Errorf("publish %s: %w", msg.ID, ErrBusNotRunning)
	}
	b.stats.published.Add(1)
	obs.MessagesPublished.Inc()

	b.filterMu.RLock()
	globalF := b.globalF
	transformer := b.transformer
	b.filterMu.RUnlock()

	if transformer != nil {
		// Copy-on-transform: hand the hook its own clone.
		if out := transformer(msg.Clone()); out != nil {
			msg = out
		}
	}

	snap := *b.snapshot.Load()
	dispatched := 0
	for _, sub := range snap {
		if !MatchTopic(sub.Pattern, msg.Topic) {
			continue
		}
		if globalF != nil && !globalF(msg) {
			b.stats.filtered.Add(1)
			obs.MessagesFiltered.Inc()
			continue
		}
		if sub.filter != nil && !sub.filter(msg) {
			b.stats.filtered.Add(1)
			obs.MessagesFiltered.Inc()
			continue
		}
		if sub.Mode == Inline {
			b.invoke(sub, msg)
			dispatched++
			continue
		}
		q := b.queues[msg.Priority]
		if err := q.Enqueue(&dispatchJob{bus: b, sub: sub, msg: msg}); err != nil {
			b.stats.dropped.Add(1)
			b.log.Warn("admission queue rejected message",
				zap.String("message_id", msg.ID),
				zap.String("priority", msg.Priority.String()),
				zap.Error(err))
			continue
		}
		dispatched++
	}
	b.stats.dispatched.Add(uint64(dispatched))
	return dispatched, nil
}

// invoke runs one subscriber, isolating failures and panics.
func (b *Bus) invoke(sub *Subscription, msg *Message) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("subscriber panic: %v", r)
			}
		}()
		return sub.handler(msg)
	}()
	if err == nil {
		b.stats.processed.Add(1)
		obs.MessagesProcessed.Inc()
		return
	}
	b.stats.failed.Add(1)
	obs.MessagesFailed.Inc()
	derr := &DispatchError{SubscriptionID: sub.ID, Topic: msg.Topic, MessageID: msg.ID, Err: err}
	b.log.Warn("subscriber failed", zap.Error(derr))
	b.forwardDeadLetter(msg, err.Error())
}

func (b *Bus) forwardDeadLetter(msg *Message, reason string) {
	if b.opts.DeadLetter == nil {
		return
	}
	payload, perr := msg.PayloadBytes()
	if perr != nil {
		payload = nil
	}
	meta := make(map[string]string, len(msg.Metadata)+1)
	for k, v := range msg.Metadata {
		meta[k] = v
	}
	meta["failure_reason"] = reason
	entry := deadletter.Entry{
		ID:       msg.ID,
		Kind:     "message",
		Topic:    msg.Topic,
		Payload:  payload,
		Metadata: meta,
		Reason:   reason,
		Attempts: 1,
		At:       time.Now().UTC(),
	}
	if err := b.opts.DeadLetter.Accept(context.Background(), entry); err != nil {
		b.log.Error("dead letter sink rejected message", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	b.stats.deadLetter.Add(1)
}

// Stats returns a lock-free counter snapshot.
func (b *Bus) Stats() StatsSnapshot {
	size := 0
	if b.State() == Running || b.State() == Stopping {
		size = b.queuedLocked()
	}
	return b.stats.snapshot(size)
}

// IdleWorkers exposes the pool idle gauge for observability.
func (b *Bus) IdleWorkers() int {
	if b.pool == nil {
		return 0
	}
	return b.pool.IdleCount()
}
