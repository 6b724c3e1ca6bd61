package notify

import (
	"sync"
	"time"

	"github.com/mesahub/mesa/internal/metrics"
	"github.com/mesahub/mesa/internal/sched"
)

// bufferEntry holds a notification waiting for its target to reconnect.
type bufferEntry struct {
	notification *Notification
	bufferedAt   time.Time
}

// Buffer holds notifications whose targets were unreachable, keyed by
// (targetType, targetID). Entries idle past the TTL are pruned; the
// durable row stays pending so a restart loses nothing.
type Buffer struct {
	mu      sync.Mutex
	entries map[string][]bufferEntry
	count   int
	ttl     time.Duration
	clock   sched.Clock
}

// NewBuffer creates an empty buffer with the given entry lifetime.
func NewBuffer(ttl time.Duration, clock sched.Clock) *Buffer {
	return &Buffer{
		entries: make(map[string][]bufferEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func bufferKey(targetType, targetID string) string {
	return targetType + ":" + targetID
}

// Put adds a notification to the buffer for its target. Re-buffering an
// id already held refreshes its timestamp instead of adding a duplicate:
// the queue tick re-picks a still-unreachable row each buffer-TTL window.
func (b *Buffer) Put(n *Notification) {
	key := bufferKey(n.TargetType, n.TargetID)
	now := b.clock.Now()

	b.mu.Lock()
	for i, e := range b.entries[key] {
		if e.notification.ID == n.ID {
			b.entries[key][i].bufferedAt = now
			b.mu.Unlock()
			return
		}
	}
	b.entries[key] = append(b.entries[key], bufferEntry{
		notification: n,
		bufferedAt:   now,
	})
	b.count++
	count := b.count
	b.mu.Unlock()

	metrics.SetNotificationsBuffered(count)
}

// Take removes and returns every buffered notification for a target,
// oldest first.
func (b *Buffer) Take(targetType, targetID string) []*Notification {
	key := bufferKey(targetType, targetID)

	b.mu.Lock()
	entries := b.entries[key]
	if len(entries) > 0 {
		delete(b.entries, key)
		b.count -= len(entries)
	}
	count := b.count
	b.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	metrics.SetNotificationsBuffered(count)

	out := make([]*Notification, len(entries))
	for i, e := range entries {
		out[i] = e.notification
	}
	return out
}

// Prune drops entries buffered longer than the TTL and returns the
// dropped notifications.
func (b *Buffer) Prune() []*Notification {
	cutoff := b.clock.Now().Add(-b.ttl)

	b.mu.Lock()
	var dropped []*Notification
	for key, entries := range b.entries {
		kept := entries[:0]
		for _, e := range entries {
			if e.bufferedAt.Before(cutoff) {
				dropped = append(dropped, e.notification)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(b.entries, key)
		} else {
			b.entries[key] = kept
		}
	}
	b.count -= len(dropped)
	count := b.count
	b.mu.Unlock()

	if len(dropped) > 0 {
		metrics.SetNotificationsBuffered(count)
	}
	return dropped
}

// Len returns the number of buffered notifications.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
