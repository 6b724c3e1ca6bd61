package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mesahub/mesa/internal/db"
)

// ErrNotificationNotFound indicates a lookup for an unknown notification id.
var ErrNotificationNotFound = errors.New("notification not found")

// TransitionMetric is one aggregated row of the status-transition report.
type TransitionMetric struct {
	Type       string  `json:"type"`
	FromStatus *string `json:"from_status,omitempty"`
	ToStatus   string  `json:"to_status"`
	Count      int64   `json:"count"`
	AvgSeconds float64 `json:"avg_seconds"`
}

// SuccessRate is the delivery outcome summary for one notification type.
type SuccessRate struct {
	Type      string  `json:"type"`
	Delivered int64   `json:"delivered"`
	Failed    int64   `json:"failed"`
	Total     int64   `json:"total"`
	Rate      float64 `json:"rate"`
}

// Repository handles durable notification state and its audit trail.
type Repository struct {
	db     *db.DB
	logger *zap.Logger
}

// NewRepository creates a notification repository.
func NewRepository(database *db.DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     database,
		logger: logger,
	}
}

// Create inserts a pending notification and its initial history row in
// one transaction.
func (r *Repository) Create(ctx context.Context, n *Notification) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertQuery := `
		INSERT INTO notifications (
			id, type, status, priority, payload,
			target_type, target_id, attempts, scheduled_for
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, insertQuery,
		n.ID,
		n.Type,
		n.Status,
		n.Priority,
		n.Payload,
		n.TargetType,
		n.TargetID,
		n.Attempts,
		n.ScheduledFor,
	).Scan(&n.CreatedAt, &n.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	historyQuery := `
		INSERT INTO notification_status_history (
			id, notification_id, from_status, to_status, reason, metadata
		) VALUES ($1, $2, NULL, $3, $4, $5)
	`

	if _, err = tx.Exec(ctx, historyQuery, uuid.New(), n.ID, n.Status, ReasonInitial, nil); err != nil {
		return fmt.Errorf("insert initial history: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("type", n.Type),
		zap.String("target", n.TargetType+":"+n.TargetID),
	)

	return nil
}

// Get retrieves a notification by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		SELECT
			id, type, status, priority, payload,
			target_type, target_id, attempts, scheduled_for,
			delivered_at, created_at, updated_at
		FROM notifications
		WHERE id = $1
	`

	var n Notification
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&n.ID,
		&n.Type,
		&n.Status,
		&n.Priority,
		&n.Payload,
		&n.TargetType,
		&n.TargetID,
		&n.Attempts,
		&n.ScheduledFor,
		&n.DeliveredAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return &n, nil
}

// DuePending pulls pending notifications due now, high priority first,
// oldest first within a tier.
func (r *Repository) DuePending(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	query := `
		SELECT
			id, type, status, priority, payload,
			target_type, target_id, attempts, scheduled_for,
			delivered_at, created_at, updated_at
		FROM notifications
		WHERE status = 'pending' AND (scheduled_for IS NULL OR scheduled_for <= $1)
		ORDER BY
			CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
			created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var n Notification
		err := rows.Scan(
			&n.ID,
			&n.Type,
			&n.Status,
			&n.Priority,
			&n.Payload,
			&n.TargetType,
			&n.TargetID,
			&n.Attempts,
			&n.ScheduledFor,
			&n.DeliveredAt,
			&n.CreatedAt,
			&n.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// Transition updates the notification row to match the struct's current
// attempts, scheduled_for and delivered_at, moves it to toStatus, and
// appends the audit row, all in one transaction. The struct's Status is
// updated on success.
func (r *Repository) Transition(ctx context.Context, n *Notification, toStatus, reason string, metadata json.RawMessage) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	updateQuery := `
		UPDATE notifications
		SET status = $1, attempts = $2, scheduled_for = $3, delivered_at = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at
	`

	err = tx.QueryRow(ctx, updateQuery,
		toStatus,
		n.Attempts,
		n.ScheduledFor,
		n.DeliveredAt,
		n.ID,
	).Scan(&n.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, n.ID)
	}
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}

	historyQuery := `
		INSERT INTO notification_status_history (
			id, notification_id, from_status, to_status, reason, metadata
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	if _, err = tx.Exec(ctx, historyQuery, uuid.New(), n.ID, n.Status, toStatus, reason, metadata); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("notification transitioned",
		zap.String("notification_id", n.ID.String()),
		zap.String("from", n.Status),
		zap.String("to", toStatus),
		zap.String("reason", reason),
	)

	n.Status = toStatus
	return nil
}

// History returns the full audit trail for a notification, oldest first.
func (r *Repository) History(ctx context.Context, notificationID uuid.UUID) ([]StatusHistory, error) {
	query := `
		SELECT id, notification_id, from_status, to_status, reason, metadata, created_at
		FROM notification_status_history
		WHERE notification_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []StatusHistory
	for rows.Next() {
		var h StatusHistory
		err := rows.Scan(
			&h.ID,
			&h.NotificationID,
			&h.FromStatus,
			&h.ToStatus,
			&h.Reason,
			&h.Metadata,
			&h.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		history = append(history, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return history, nil
}

// PurgeOlderThan deletes notifications created before the cutoff. Rows
// still pending are first failed with a system_cleanup audit entry so the
// transition is logged before the cascade removes it. Returns the number
// of notifications deleted.
func (r *Repository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	failQuery := `
		WITH stale AS (
			UPDATE notifications
			SET status = 'failed', updated_at = NOW()
			WHERE status = 'pending' AND created_at < $1
			RETURNING id
		)
		INSERT INTO notification_status_history (id, notification_id, from_status, to_status, reason)
		SELECT gen_random_uuid(), id, 'pending', 'failed', $2 FROM stale
	`

	if _, err = tx.Exec(ctx, failQuery, cutoff, ReasonSystemCleanup); err != nil {
		return 0, fmt.Errorf("fail stale notifications: %w", err)
	}

	result, err := tx.Exec(ctx, `DELETE FROM notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old notifications: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	deleted := result.RowsAffected()
	if deleted > 0 {
		r.logger.Info("purged old notifications",
			zap.Int64("count", deleted),
			zap.Time("cutoff", cutoff),
		)
	}

	return deleted, nil
}

// TransitionMetrics aggregates the audit trail within a date range:
// counts and average seconds-from-creation per (type, from, to).
func (r *Repository) TransitionMetrics(ctx context.Context, from, to time.Time) ([]TransitionMetric, error) {
	query := `
		SELECT
			n.type,
			h.from_status,
			h.to_status,
			COUNT(*),
			COALESCE(AVG(EXTRACT(EPOCH FROM (h.created_at - n.created_at))), 0)
		FROM notification_status_history h
		JOIN notifications n ON n.id = h.notification_id
		WHERE h.created_at >= $1 AND h.created_at < $2
		GROUP BY n.type, h.from_status, h.to_status
		ORDER BY n.type, h.to_status
	`

	rows, err := r.db.Pool().Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query transition metrics: %w", err)
	}
	defer rows.Close()

	var out []TransitionMetric
	for rows.Next() {
		var m TransitionMetric
		if err := rows.Scan(&m.Type, &m.FromStatus, &m.ToStatus, &m.Count, &m.AvgSeconds); err != nil {
			return nil, fmt.Errorf("scan transition metric: %w", err)
		}
		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return out, nil
}

// SuccessRates summarizes delivery outcomes per notification type.
func (r *Repository) SuccessRates(ctx context.Context) ([]SuccessRate, error) {
	query := `
		SELECT
			type,
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*)
		FROM notifications
		GROUP BY type
		ORDER BY type
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query success rates: %w", err)
	}
	defer rows.Close()

	var out []SuccessRate
	for rows.Next() {
		var s SuccessRate
		if err := rows.Scan(&s.Type, &s.Delivered, &s.Failed, &s.Total); err != nil {
			return nil, fmt.Errorf("scan success rate: %w", err)
		}
		if s.Total > 0 {
			s.Rate = float64(s.Delivered) / float64(s.Total)
		}
		out = append(out, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return out, nil
}
