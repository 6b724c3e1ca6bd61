package dispatch

import (
	"sync"
	"time"

	"github.com/mesahub/mesa/internal/sched"
)

// StoredEvent is a persisted event retained for replay.
type StoredEvent struct {
	Frame    Frame
	StoredAt time.Time
}

// Store is the bounded in-memory replay store, keyed by target key. It is
// a cache with TTL eviction, not authoritative state.
type Store struct {
	mu        sync.Mutex
	byKey     map[string][]StoredEvent
	ttl       time.Duration
	maxPerKey int
	clock     sched.Clock
}

// NewStore creates a replay store. Entries older than ttl are dropped by
// Sweep; each key holds at most maxPerKey events (oldest evicted first).
func NewStore(ttl time.Duration, maxPerKey int, clock sched.Clock) *Store {
	if maxPerKey <= 0 {
		maxPerKey = 500
	}
	return &Store{
		byKey:     make(map[string][]StoredEvent),
		ttl:       ttl,
		maxPerKey: maxPerKey,
		clock:     clock,
	}
}

// Put retains a frame under the target key.
func (s *Store) Put(key string, frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := append(s.byKey[key], StoredEvent{Frame: frame, StoredAt: s.clock.Now()})
	if len(events) > s.maxPerKey {
		events = events[len(events)-s.maxPerKey:]
	}
	s.byKey[key] = events
}

// Since returns the frames stored under key strictly after the given
// instant, flagged as replays.
func (s *Store) Since(key string, since time.Time) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	var frames []Frame
	for _, ev := range s.byKey[key] {
		if ev.StoredAt.After(since) {
			f := ev.Frame
			f.IsReplay = true
			frames = append(frames, f)
		}
	}
	return frames
}

// Sweep evicts expired entries and returns the number removed.
func (s *Store) Sweep() int {
	cutoff := s.clock.Now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, events := range s.byKey {
		kept := events[:0]
		for _, ev := range events {
			if ev.StoredAt.After(cutoff) {
				kept = append(kept, ev)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(s.byKey, key)
		} else {
			s.byKey[key] = kept
		}
	}
	return removed
}

// Len returns the total stored event count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, events := range s.byKey {
		n += len(events)
	}
	return n
}
