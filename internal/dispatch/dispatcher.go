package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesahub/mesa/internal/circuitbreaker"
	"github.com/mesahub/mesa/internal/metrics"
	"github.com/mesahub/mesa/internal/sched"
)

// ErrDeliveryTimeout indicates no complete acknowledgment arrived within
// the delivery timeout. Recoverable; drives the notification queue's
// backoff.
var ErrDeliveryTimeout = errors.New("delivery timed out awaiting acknowledgment")

// ErrDeliveryFailed indicates the event exhausted its retry budget.
var ErrDeliveryFailed = errors.New("delivery failed")

// ConnectionSource resolves a target to its live connection ids. The
// registry implements it; tests substitute fakes.
type ConnectionSource interface {
	MembersOf(groupID string) []string
	ConnectionsForPrincipal(principalID string) []string
	ConnectionsForRole(role string) []string
	AllConnectionIDs() []string
}

// Pusher writes one frame to one connection. The websocket hub implements
// it; tests substitute fakes.
type Pusher interface {
	Push(ctx context.Context, connID string, frame Frame) error
}

// Config holds dispatcher tuning.
type Config struct {
	BaseDelay     time.Duration // retry backoff base
	MaxDelay      time.Duration // retry backoff cap
	MaxAttempts   int           // default retry ceiling
	StaleLowAfter time.Duration // low-priority events older than this are dropped
	AckTimeout    time.Duration // per-attempt acknowledgment deadline
}

// Dispatcher owns the two-tier priority queue and the acknowledgment
// bookkeeping. All queue state is private and mutex-guarded.
type Dispatcher struct {
	mu       sync.Mutex
	highQ    []*Event // FIFO within the tier, drained before normQ
	normQ    []*Event // normal and low share the lower tier
	inflight map[string]*Event

	conns    ConnectionSource
	pusher   Pusher
	store    *Store
	breakers map[TargetKind]*circuitbreaker.Breaker
	clock    sched.Clock
	logger   *zap.Logger
	cfg      Config
	wake     chan struct{}
}

// New creates a Dispatcher.
func New(conns ConnectionSource, pusher Pusher, store *Store, clock sched.Clock, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.StaleLowAfter <= 0 {
		cfg.StaleLowAfter = 30 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}

	breakers := make(map[TargetKind]*circuitbreaker.Breaker)
	for _, kind := range []TargetKind{TargetGroup, TargetPrincipal, TargetRole, TargetBroadcast} {
		breakers[kind] = circuitbreaker.New(circuitbreaker.DefaultConfig(string(kind)), logger)
	}

	return &Dispatcher{
		inflight: make(map[string]*Event),
		conns:    conns,
		pusher:   pusher,
		store:    store,
		breakers: breakers,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
	}
}

// Wake returns the channel the scheduler listens on for immediate passes.
func (d *Dispatcher) Wake() <-chan struct{} { return d.wake }

// EmitToGroup queues an event for every connection in a group.
func (d *Dispatcher) EmitToGroup(groupID, kind string, payload json.RawMessage, opts Options) *Event {
	return d.emit(Target{Kind: TargetGroup, ID: groupID}, kind, payload, opts)
}

// EmitToPrincipal queues an event for every connection of a principal.
func (d *Dispatcher) EmitToPrincipal(principalID, kind string, payload json.RawMessage, opts Options) *Event {
	return d.emit(Target{Kind: TargetPrincipal, ID: principalID}, kind, payload, opts)
}

// EmitToRole queues an event for every connection holding a role.
func (d *Dispatcher) EmitToRole(role, kind string, payload json.RawMessage, opts Options) *Event {
	return d.emit(Target{Kind: TargetRole, ID: role}, kind, payload, opts)
}

// EmitToAll queues a broadcast event.
func (d *Dispatcher) EmitToAll(kind string, payload json.RawMessage, opts Options) *Event {
	return d.emit(Target{Kind: TargetBroadcast}, kind, payload, opts)
}

// Emit queues an event toward an arbitrary target.
func (d *Dispatcher) Emit(target Target, kind string, payload json.RawMessage, opts Options) *Event {
	return d.emit(target, kind, payload, opts)
}

func (d *Dispatcher) emit(target Target, kind string, payload json.RawMessage, opts Options) *Event {
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}

	ev := &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		Target:    target,
		Priority:  opts.Priority,
		Persist:   opts.Persist,
		CreatedAt: d.clock.Now(),
		Status:    StatusPending,
		done:      make(chan struct{}),
	}
	if opts.MaxAttempts > 0 {
		ev.maxAttemptsOverride = opts.MaxAttempts
	}

	if ev.Persist {
		d.store.Put(target.Key(), Frame{EventID: ev.ID, Kind: kind, Payload: payload})
	}

	d.mu.Lock()
	d.enqueue(ev)
	d.mu.Unlock()

	metrics.RecordEventEmitted(string(ev.Priority), string(target.Kind))
	d.kick()
	return ev
}

// Deliver emits an event and blocks until it is fully acknowledged, fails
// terminally, or the timeout elapses. The notification queue's push path.
func (d *Dispatcher) Deliver(ctx context.Context, target Target, kind string, payload json.RawMessage, priority Priority, timeout time.Duration) error {
	ev := d.emit(target, kind, payload, Options{Priority: priority, Persist: true})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ev.done:
		if ev.Status == StatusDelivered {
			return nil
		}
		return ErrDeliveryFailed
	case <-timer.C:
		return ErrDeliveryTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleAck records an acknowledgment from one connection. The event is
// delivered once every connection in its emission-time snapshot has acked.
func (d *Dispatcher) HandleAck(eventID, connID string) {
	d.mu.Lock()
	ev, ok := d.inflight[eventID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(ev.awaiting, connID)
	complete := len(ev.awaiting) == 0
	// Attempts is mutated by requeue under d.mu; snapshot it here rather
	// than reading it after the unlock.
	attempts := ev.Attempts
	if complete {
		delete(d.inflight, eventID)
		ev.Status = StatusDelivered
		close(ev.done)
	}
	d.mu.Unlock()

	if complete {
		d.breakers[ev.Target.Kind].RecordSuccess()
		metrics.RecordEventAcked()
		d.logger.Debug("event fully acknowledged",
			zap.String("event_id", eventID),
			zap.String("target", ev.Target.Key()),
			zap.Int("attempts", attempts),
		)
	}
}

// MissedEventsSince returns persisted frames for a target key newer than
// the client's last-seen timestamp, flagged as replays. Duplicate
// suppression is the consumer's job, keyed by event id.
func (d *Dispatcher) MissedEventsSince(key string, since time.Time) []Frame {
	return d.store.Since(key, since)
}

// SweepStore evicts expired replay entries.
func (d *Dispatcher) SweepStore(ctx context.Context) {
	if n := d.store.Sweep(); n > 0 {
		d.logger.Debug("swept replay store", zap.Int("evicted", n))
	}
}

// ProcessPending runs one drain pass: expires overdue acknowledgments,
// then attempts every due event in priority order.
func (d *Dispatcher) ProcessPending(ctx context.Context) {
	now := d.clock.Now()

	d.expireInflight(now)

	d.mu.Lock()
	batch := d.takeDue(now)
	d.mu.Unlock()

	for _, ev := range batch {
		d.attempt(ctx, ev, now)
	}
}

// attempt resolves the target and pushes one frame per live connection.
func (d *Dispatcher) attempt(ctx context.Context, ev *Event, now time.Time) {
	// Stale low-priority events are dropped, not retried
	if ev.Priority == PriorityLow && now.Sub(ev.CreatedAt) > d.cfg.StaleLowAfter {
		d.finalize(ev, StatusFailed)
		metrics.RecordEventDropped("stale_low_priority")
		d.logger.Info("dropped stale low-priority event",
			zap.String("event_id", ev.ID),
			zap.String("kind", ev.Kind),
			zap.Duration("age", now.Sub(ev.CreatedAt)),
		)
		return
	}

	breaker := d.breakers[ev.Target.Kind]
	if !breaker.Allow() {
		d.requeue(ev, now)
		return
	}

	connIDs := d.resolve(ev.Target)
	if len(connIDs) == 0 {
		d.requeue(ev, now)
		return
	}

	// Register the ack snapshot before pushing so a fast ack cannot race
	// the bookkeeping. A connection whose push fails simply never acks
	// and the attempt expires into a retry.
	awaiting := make(map[string]struct{}, len(connIDs))
	for _, connID := range connIDs {
		awaiting[connID] = struct{}{}
	}
	d.mu.Lock()
	ev.awaiting = awaiting
	ev.deadline = now.Add(d.cfg.AckTimeout)
	d.inflight[ev.ID] = ev
	d.mu.Unlock()

	frame := Frame{EventID: ev.ID, Kind: ev.Kind, Payload: ev.Payload}
	pushed := 0
	for _, connID := range connIDs {
		if err := d.pusher.Push(ctx, connID, frame); err != nil {
			d.logger.Warn("push failed",
				zap.Error(err),
				zap.String("event_id", ev.ID),
				zap.String("connection_id", connID),
			)
			continue
		}
		pushed++
	}

	if pushed == 0 {
		d.mu.Lock()
		_, still := d.inflight[ev.ID]
		if still {
			delete(d.inflight, ev.ID)
			ev.awaiting = nil
		}
		d.mu.Unlock()
		if still {
			breaker.RecordFailure()
			d.requeue(ev, now)
		}
	}
}

// requeue schedules a retry with exponential backoff, or fails the event
// once its attempt budget is spent.
func (d *Dispatcher) requeue(ev *Event, now time.Time) {
	d.mu.Lock()
	if ev.Status != StatusPending {
		d.mu.Unlock()
		return
	}
	ev.Attempts++

	if ev.Attempts >= d.maxAttempts(ev) {
		ev.Status = StatusFailed
		close(ev.done)
		d.mu.Unlock()

		metrics.RecordEventDropped("retry_exhausted")
		d.logger.Warn("event failed, retry budget exhausted",
			zap.String("event_id", ev.ID),
			zap.String("kind", ev.Kind),
			zap.String("target", ev.Target.Key()),
			zap.Int("attempts", ev.Attempts),
		)
		return
	}

	delay := Backoff(d.cfg.BaseDelay, ev.Attempts, d.cfg.MaxDelay)
	ev.NotBefore = now.Add(delay)

	// Back of the priority tier, not the original position, so a stuck
	// event cannot head-of-line-block its tier
	d.enqueue(ev)
	d.mu.Unlock()
}

// expireInflight re-queues events whose acknowledgment deadline passed.
func (d *Dispatcher) expireInflight(now time.Time) {
	d.mu.Lock()
	var expired []*Event
	for id, ev := range d.inflight {
		if !ev.deadline.After(now) {
			delete(d.inflight, id)
			ev.awaiting = nil
			expired = append(expired, ev)
		}
	}
	d.mu.Unlock()

	for _, ev := range expired {
		d.breakers[ev.Target.Kind].RecordFailure()
		d.logger.Debug("acknowledgment deadline passed",
			zap.String("event_id", ev.ID),
			zap.Int("attempts", ev.Attempts+1),
		)
		d.requeue(ev, now)
	}
}

// enqueue must be called with the mutex held. High is its own tier;
// normal and low share the lower tier in arrival order.
func (d *Dispatcher) enqueue(ev *Event) {
	if ev.Priority == PriorityHigh {
		d.highQ = append(d.highQ, ev)
	} else {
		d.normQ = append(d.normQ, ev)
	}
}

// takeDue removes due events from both tiers, high tier first, preserving
// FIFO order within each tier. Must be called with the mutex held.
func (d *Dispatcher) takeDue(now time.Time) []*Event {
	var due []*Event
	d.highQ, due = splitDue(d.highQ, now, due)
	d.normQ, due = splitDue(d.normQ, now, due)
	return due
}

func splitDue(queue []*Event, now time.Time, due []*Event) ([]*Event, []*Event) {
	kept := queue[:0]
	for _, ev := range queue {
		if ev.NotBefore.After(now) {
			kept = append(kept, ev)
		} else {
			due = append(due, ev)
		}
	}
	return kept, due
}

func (d *Dispatcher) resolve(target Target) []string {
	switch target.Kind {
	case TargetGroup:
		return d.conns.MembersOf(target.ID)
	case TargetPrincipal:
		return d.conns.ConnectionsForPrincipal(target.ID)
	case TargetRole:
		return d.conns.ConnectionsForRole(target.ID)
	case TargetBroadcast:
		return d.conns.AllConnectionIDs()
	}
	return nil
}

func (d *Dispatcher) finalize(ev *Event, status string) {
	d.mu.Lock()
	if ev.Status == StatusPending {
		ev.Status = status
		close(ev.done)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) maxAttempts(ev *Event) int {
	if ev.maxAttemptsOverride > 0 {
		return ev.maxAttemptsOverride
	}
	return d.cfg.MaxAttempts
}

func (d *Dispatcher) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// QueueDepth returns the number of queued (not in-flight) events.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.highQ) + len(d.normQ)
}

// Backoff computes min(base * 2^attempts, cap). Successive delays for the
// same event are non-decreasing.
func Backoff(base time.Duration, attempts int, cap time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
