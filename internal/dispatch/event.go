// Package dispatch implements the priority event dispatcher: queued
// delivery toward live connections with acknowledgment tracking,
// exponential backoff, and a replay store for reconnecting clients.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"
)

// TargetKind addresses an event.
type TargetKind string

const (
	TargetGroup     TargetKind = "group"
	TargetPrincipal TargetKind = "principal"
	TargetRole      TargetKind = "role"
	TargetBroadcast TargetKind = "broadcast"
)

// Target is the addressing descriptor an event is delivered to.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

// Key returns the replay-store key for the target.
func (t Target) Key() string {
	if t.Kind == TargetBroadcast {
		return string(TargetBroadcast)
	}
	return fmt.Sprintf("%s:%s", t.Kind, t.ID)
}

// Priority of a queued event. Only three levels exist, so the queue is a
// simple two-tier structure rather than a heap.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Options control one emission.
type Options struct {
	Priority Priority
	// Persist retains the event in the replay store so reconnecting
	// clients can recover it.
	Persist bool
	// MaxAttempts overrides the retry ceiling; zero means the default.
	MaxAttempts int
}

// Event status values.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Event is one in-flight delivery attempt.
type Event struct {
	ID        string
	Kind      string
	Payload   json.RawMessage
	Target    Target
	Priority  Priority
	Persist   bool
	Attempts  int
	CreatedAt time.Time
	NotBefore time.Time // backoff gate; zero means due now
	Status    string

	// awaiting is the ack snapshot taken at emission time. Connections
	// joining mid-flight are never added; they recover via replay.
	awaiting map[string]struct{}
	deadline time.Time // ack deadline for the current attempt

	maxAttemptsOverride int

	done chan struct{} // closed on terminal state
}

// Frame is the wire shape handed to the transport for one connection.
type Frame struct {
	EventID  string          `json:"eventId"`
	Kind     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	IsReplay bool            `json:"isReplay,omitempty"`
}
