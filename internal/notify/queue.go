package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesahub/mesa/internal/dispatch"
	"github.com/mesahub/mesa/internal/metrics"
	"github.com/mesahub/mesa/internal/sched"
)

// ErrRetryLimitExceeded indicates a notification hit its type's attempt
// ceiling and was marked failed.
var ErrRetryLimitExceeded = errors.New("notification retry limit exceeded")

// ErrUnknownEventKind indicates an event kind with no notification
// mapping.
var ErrUnknownEventKind = errors.New("unknown event kind")

// Store is the durable layer the queue runs on. The pgx Repository
// implements it; tests substitute an in-memory fake.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id uuid.UUID) (*Notification, error)
	DuePending(ctx context.Context, now time.Time, limit int) ([]*Notification, error)
	Transition(ctx context.Context, n *Notification, toStatus, reason string, metadata json.RawMessage) error
	History(ctx context.Context, id uuid.UUID) ([]StatusHistory, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Emitter pushes one notification through the real-time dispatcher and
// blocks until it is acknowledged or the timeout elapses.
type Emitter interface {
	Deliver(ctx context.Context, target dispatch.Target, kind string, payload json.RawMessage, priority dispatch.Priority, timeout time.Duration) error
}

// Presence answers whether a target currently has a live connection. The
// connection registry implements it.
type Presence interface {
	Reachable(targetType, targetID string) bool
}

// RateChecker enforces the per-(type, target) admission limits.
type RateChecker interface {
	Check(ctx context.Context, notifType, targetType, targetID string) error
}

// Config holds queue tuning.
type Config struct {
	BatchSize       int           // pending rows pulled per tick
	DeliveryTimeout time.Duration // per-attempt acknowledgment budget
	BackoffCap      time.Duration // retry delay ceiling
	BufferTTL       time.Duration // in-memory buffer entry lifetime
	Retention       time.Duration // durable row lifetime
}

// Metrics is a point-in-time queue summary.
type Metrics struct {
	Queued       int64   `json:"queued"`
	Delivered    int64   `json:"delivered"`
	Failed       int64   `json:"failed"`
	Buffered     int     `json:"buffered"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Queue is the durable notification layer: admission, scheduled delivery
// through the dispatcher, buffering for unreachable targets, and the
// retention sweep.
type Queue struct {
	store    Store
	emitter  Emitter
	presence Presence
	limits   RateChecker
	buffer   *Buffer
	clock    sched.Clock
	logger   *zap.Logger
	cfg      Config

	mu           sync.Mutex
	queued       int64
	delivered    int64
	failed       int64
	latencySum   time.Duration
	latencyCount int64
}

// NewQueue creates a notification queue.
func NewQueue(store Store, emitter Emitter, presence Presence, limits RateChecker, clock sched.Clock, cfg Config, logger *zap.Logger) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.BufferTTL <= 0 {
		cfg.BufferTTL = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}

	return &Queue{
		store:    store,
		emitter:  emitter,
		presence: presence,
		limits:   limits,
		buffer:   NewBuffer(cfg.BufferTTL, clock),
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
	}
}

// QueueNotification validates, rate-limits, and persists a notification
// as pending with its initial audit row.
func (q *Queue) QueueNotification(ctx context.Context, n *Notification) error {
	if err := ValidatePayload(n.Type, n.Payload); err != nil {
		return err
	}
	if err := q.limits.Check(ctx, n.Type, n.TargetType, n.TargetID); err != nil {
		return err
	}

	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.Status = StatusPending
	if n.Priority == "" {
		n.Priority = PolicyFor(n.Type).Priority
	}

	if err := q.store.Create(ctx, n); err != nil {
		return fmt.Errorf("queue notification: %w", err)
	}

	q.mu.Lock()
	q.queued++
	q.mu.Unlock()

	metrics.RecordNotificationQueued(n.Type)
	return nil
}

// QueueFromEvent maps a business event kind to its notification type and
// priority, then queues it. The entry point for order, table, and waiter
// collaborators after a state change commits.
func (q *Queue) QueueFromEvent(ctx context.Context, eventKind string, payload json.RawMessage, targetType, targetID string) (*Notification, error) {
	notifType, priority, ok := MapEventKind(eventKind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventKind, eventKind)
	}

	n := &Notification{
		ID:         uuid.New(),
		Type:       notifType,
		Priority:   priority,
		Payload:    payload,
		TargetType: targetType,
		TargetID:   targetID,
	}
	if err := q.QueueNotification(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// ProcessOnce runs one queue pass: pulls due pending notifications in
// priority order and attempts each.
func (q *Queue) ProcessOnce(ctx context.Context) {
	now := q.clock.Now()

	batch, err := q.store.DuePending(ctx, now, q.cfg.BatchSize)
	if err != nil {
		q.logger.Error("failed to pull pending notifications", zap.Error(err))
		return
	}

	for _, n := range batch {
		q.processOne(ctx, n, now)
	}
}

func (q *Queue) processOne(ctx context.Context, n *Notification, now time.Time) {
	policy := PolicyFor(n.Type)

	if n.Attempts >= policy.MaxAttempts {
		if err := q.store.Transition(ctx, n, StatusFailed, ReasonRetryLimitExceeded, nil); err != nil {
			q.logger.Error("failed to mark notification failed", zap.Error(err),
				zap.String("notification_id", n.ID.String()))
			return
		}
		q.mu.Lock()
		q.failed++
		q.mu.Unlock()
		metrics.RecordNotificationProcessed(StatusFailed, n.Type)
		q.logger.Warn("notification failed, retry limit exceeded",
			zap.String("notification_id", n.ID.String()),
			zap.String("type", n.Type),
			zap.Int("attempts", n.Attempts),
		)
		return
	}

	if !q.presence.Reachable(n.TargetType, n.TargetID) {
		q.bufferNotification(ctx, n, now)
		return
	}

	q.attemptDelivery(ctx, n, now)
}

// bufferNotification parks a notification for an unreachable target. The
// durable row stays pending with scheduled_for pushed past the buffer
// TTL, so a restart re-discovers it without the tick re-buffering it
// every second.
func (q *Queue) bufferNotification(ctx context.Context, n *Notification, now time.Time) {
	retryAt := now.Add(q.cfg.BufferTTL)
	n.ScheduledFor = &retryAt

	if err := q.store.Transition(ctx, n, StatusPending, ReasonTargetDisconnected, nil); err != nil {
		q.logger.Error("failed to record buffering", zap.Error(err),
			zap.String("notification_id", n.ID.String()))
		return
	}

	q.buffer.Put(n)
	q.logger.Debug("notification buffered, target unreachable",
		zap.String("notification_id", n.ID.String()),
		zap.String("target", n.TargetType+":"+n.TargetID),
	)
}

func (q *Queue) attemptDelivery(ctx context.Context, n *Notification, now time.Time) {
	err := q.emitter.Deliver(ctx, n.Target(), n.Type, n.Payload,
		dispatch.Priority(n.Priority), q.cfg.DeliveryTimeout)

	if err == nil {
		deliveredAt := q.clock.Now()
		n.DeliveredAt = &deliveredAt
		n.ScheduledFor = nil
		if terr := q.store.Transition(ctx, n, StatusDelivered, ReasonDeliverySuccess, nil); terr != nil {
			q.logger.Error("failed to record delivery", zap.Error(terr),
				zap.String("notification_id", n.ID.String()))
			return
		}

		latency := deliveredAt.Sub(n.CreatedAt)
		q.mu.Lock()
		q.delivered++
		q.latencySum += latency
		q.latencyCount++
		q.mu.Unlock()

		metrics.RecordNotificationProcessed(StatusDelivered, n.Type)
		metrics.RecordDeliveryLatency(n.Type, latency)
		return
	}

	policy := PolicyFor(n.Type)
	n.Attempts++
	delay := dispatch.Backoff(policy.BackoffBase, n.Attempts, q.cfg.BackoffCap)
	retryAt := now.Add(delay)
	n.ScheduledFor = &retryAt

	meta, _ := json.Marshal(map[string]any{
		"error":   err.Error(),
		"attempt": n.Attempts,
	})
	if terr := q.store.Transition(ctx, n, StatusPending, ReasonDeliveryFailure, meta); terr != nil {
		q.logger.Error("failed to record delivery failure", zap.Error(terr),
			zap.String("notification_id", n.ID.String()))
		return
	}

	q.logger.Warn("delivery attempt failed",
		zap.Error(err),
		zap.String("notification_id", n.ID.String()),
		zap.String("type", n.Type),
		zap.Int("attempt", n.Attempts),
		zap.Duration("retry_in", delay),
	)
}

// FlushTarget delivers every buffered notification for a target that just
// regained a live connection. Wired to the registry's presence callbacks.
func (q *Queue) FlushTarget(ctx context.Context, targetType, targetID string) {
	buffered := q.buffer.Take(targetType, targetID)
	if len(buffered) == 0 {
		return
	}

	now := q.clock.Now()
	q.logger.Info("flushing buffered notifications",
		zap.String("target", targetType+":"+targetID),
		zap.Int("count", len(buffered)),
	)

	for _, n := range buffered {
		n.ScheduledFor = nil
		if err := q.store.Transition(ctx, n, StatusPending, ReasonTargetReconnected, nil); err != nil {
			q.logger.Error("failed to record reconnect", zap.Error(err),
				zap.String("notification_id", n.ID.String()))
			continue
		}
		q.attemptDelivery(ctx, n, now)
	}
}

// UpdateStatus applies an operator-initiated status change with a
// manual_update audit entry.
func (q *Queue) UpdateStatus(ctx context.Context, id uuid.UUID, toStatus string, metadata json.RawMessage) (*Notification, error) {
	n, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := q.store.Transition(ctx, n, toStatus, ReasonManualUpdate, metadata); err != nil {
		return nil, err
	}
	return n, nil
}

// CleanupOnce purges notifications past the retention window.
func (q *Queue) CleanupOnce(ctx context.Context) {
	cutoff := q.clock.Now().Add(-q.cfg.Retention)
	if _, err := q.store.PurgeOlderThan(ctx, cutoff); err != nil {
		q.logger.Error("retention sweep failed", zap.Error(err))
	}
}

// PruneBufferOnce drops buffer entries past the buffer TTL. Their durable
// rows stay pending and are re-picked once scheduled_for passes.
func (q *Queue) PruneBufferOnce(ctx context.Context) {
	dropped := q.buffer.Prune()
	if len(dropped) > 0 {
		q.logger.Info("pruned stale buffer entries", zap.Int("count", len(dropped)))
	}
}

// Metrics returns delivery counters and the running average latency.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := Metrics{
		Queued:    q.queued,
		Delivered: q.delivered,
		Failed:    q.failed,
		Buffered:  q.buffer.Len(),
	}
	if q.latencyCount > 0 {
		m.AvgLatencyMS = float64(q.latencySum.Milliseconds()) / float64(q.latencyCount)
	}
	return m
}
