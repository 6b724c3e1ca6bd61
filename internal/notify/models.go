package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mesahub/mesa/internal/dispatch"
)

// Notification types
const (
	TypeOrderStatus   = "order_status"
	TypeWaiterCall    = "waiter_call"
	TypeSessionUpdate = "session_update"
)

// Status constants
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Status-history reasons
const (
	ReasonInitial            = "initial"
	ReasonDeliverySuccess    = "delivery_success"
	ReasonDeliveryFailure    = "delivery_failure"
	ReasonRetryLimitExceeded = "retry_limit_exceeded"
	ReasonTargetDisconnected = "target_disconnected"
	ReasonTargetReconnected  = "target_reconnected"
	ReasonManualUpdate       = "manual_update"
	ReasonSystemCleanup      = "system_cleanup"
)

// Notification is the durable counterpart of a dispatched event. It
// survives restarts; the dispatcher's in-memory queue does not.
type Notification struct {
	ID           uuid.UUID       `json:"id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Priority     string          `json:"priority"`
	Payload      json.RawMessage `json:"payload"`
	TargetType   string          `json:"target_type"`
	TargetID     string          `json:"target_id"`
	Attempts     int             `json:"attempts"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Target builds the dispatch addressing descriptor for this notification.
func (n *Notification) Target() dispatch.Target {
	return dispatch.Target{Kind: dispatch.TargetKind(n.TargetType), ID: n.TargetID}
}

// StatusHistory is one append-only audit row. FromStatus is nil only for
// the initial row. Rows are never mutated or deleted while the
// notification lives.
type StatusHistory struct {
	ID             uuid.UUID       `json:"id"`
	NotificationID uuid.UUID       `json:"notification_id"`
	FromStatus     *string         `json:"from_status,omitempty"`
	ToStatus       string          `json:"to_status"`
	Reason         string          `json:"reason"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TypePolicy holds the per-type delivery policy. Order-status changes get
// the most retries and the tightest backoff because an operator acting on
// stale order state is the costliest failure in this domain.
type TypePolicy struct {
	Priority    string
	MaxAttempts int
	BackoffBase time.Duration
	RateLimit   int
	RateWindow  time.Duration
}

var typePolicies = map[string]TypePolicy{
	TypeOrderStatus: {
		Priority:    string(dispatch.PriorityHigh),
		MaxAttempts: 5,
		BackoffBase: 2 * time.Second,
		RateLimit:   100,
		RateWindow:  time.Minute,
	},
	TypeWaiterCall: {
		Priority:    string(dispatch.PriorityHigh),
		MaxAttempts: 3,
		BackoffBase: 5 * time.Second,
		RateLimit:   10,
		RateWindow:  30 * time.Second,
	},
	TypeSessionUpdate: {
		Priority:    string(dispatch.PriorityLow),
		MaxAttempts: 3,
		BackoffBase: 5 * time.Second,
		RateLimit:   50,
		RateWindow:  time.Minute,
	},
}

var defaultPolicy = TypePolicy{
	Priority:    string(dispatch.PriorityNormal),
	MaxAttempts: 3,
	BackoffBase: 5 * time.Second,
	RateLimit:   200,
	RateWindow:  time.Minute,
}

// PolicyFor returns the delivery policy for a notification type. Unknown
// types get the conservative default.
func PolicyFor(notifType string) TypePolicy {
	if p, ok := typePolicies[notifType]; ok {
		return p
	}
	return defaultPolicy
}

// eventKindMap translates business event kinds into a notification type
// and priority.
var eventKindMap = map[string]struct {
	Type     string
	Priority string
}{
	"new_order":       {Type: TypeOrderStatus, Priority: string(dispatch.PriorityHigh)},
	"order_updated":   {Type: TypeOrderStatus, Priority: string(dispatch.PriorityHigh)},
	"order_completed": {Type: TypeOrderStatus, Priority: string(dispatch.PriorityNormal)},
	"waiter_call":     {Type: TypeWaiterCall, Priority: string(dispatch.PriorityHigh)},
	"session_update":  {Type: TypeSessionUpdate, Priority: string(dispatch.PriorityLow)},
}

// MapEventKind resolves a business event kind to its notification type
// and priority. The second return is false for unknown kinds.
func MapEventKind(eventKind string) (notifType, priority string, ok bool) {
	m, ok := eventKindMap[eventKind]
	if !ok {
		return "", "", false
	}
	return m.Type, m.Priority, true
}
