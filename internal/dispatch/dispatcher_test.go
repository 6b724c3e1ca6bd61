package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mesahub/mesa/internal/sched"
)

// fakeConns is a static connection source.
type fakeConns struct {
	groups     map[string][]string
	principals map[string][]string
	roles      map[string][]string
	all        []string
}

func (f *fakeConns) MembersOf(groupID string) []string { return f.groups[groupID] }

func (f *fakeConns) ConnectionsForPrincipal(p string) []string { return f.principals[p] }

func (f *fakeConns) ConnectionsForRole(role string) []string { return f.roles[role] }

func (f *fakeConns) AllConnectionIDs() []string { return f.all }

// fakePusher records pushes in order.
type fakePusher struct {
	mu     sync.Mutex
	pushes []pushRecord
	err    error
}

type pushRecord struct {
	connID string
	frame  Frame
}

func (f *fakePusher) Push(ctx context.Context, connID string, frame Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pushes = append(f.pushes, pushRecord{connID: connID, frame: frame})
	return nil
}

func (f *fakePusher) records() []pushRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pushRecord, len(f.pushes))
	copy(out, f.pushes)
	return out
}

func newTestDispatcher(conns ConnectionSource, pusher Pusher, clock sched.Clock) *Dispatcher {
	store := NewStore(24*time.Hour, 100, clock)
	return New(conns, pusher, store, clock, Config{
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		MaxAttempts:   5,
		StaleLowAfter: 30 * time.Second,
		AckTimeout:    10 * time.Second,
	}, zap.NewNop())
}

func payload(s string) json.RawMessage { return json.RawMessage(s) }

func TestDispatcher_HighPriorityDrainedFirst(t *testing.T) {
	conns := &fakeConns{groups: map[string][]string{"table:1": {"c1"}}}
	pusher := &fakePusher{}
	clock := sched.NewFakeClock(time.Unix(1000, 0))
	d := newTestDispatcher(conns, pusher, clock)

	evNormal := d.EmitToGroup("table:1", "session_update", payload(`{}`), Options{Priority: PriorityNormal})
	evHigh := d.EmitToGroup("table:1", "new_order", payload(`{}`), Options{Priority: PriorityHigh})

	d.ProcessPending(context.Background())

	recs := pusher.records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 pushes, got %d", len(recs))
	}
	if recs[0].frame.EventID != evHigh.ID {
		t.Errorf("high-priority event should be attempted first")
	}
	if recs[1].frame.EventID != evNormal.ID {
		t.Errorf("normal-priority event should follow")
	}
}

func TestDispatcher_EqualPriorityFIFO(t *testing.T) {
	conns := &fakeConns{groups: map[string][]string{"table:1": {"c1"}}}
	pusher := &fakePusher{}
	clock := sched.NewFakeClock(time.Unix(1000, 0))
	d := newTestDispatcher(conns, pusher, clock)

	first := d.EmitToGroup("table:1", "a", payload(`{}`), Options{})
	second := d.EmitToGroup("table:1", "b", payload(`{}`), Options{})

	d.ProcessPending(context.Background())

	recs := pusher.records()
	if len(recs) != 2 || recs[0].frame.EventID != first.ID || recs[1].frame.EventID != second.ID {
		t.Errorf("creation order not preserved within tier: %v", recs)
	}
}

func TestDispatcher_SinglePrincipalAckCompletes(t *testing.T) {
	conns := &fakeConns{principals: map[string][]string{"user-1": {"c1"}}}
	pusher := &fakePusher{}
	clock := sched.NewFakeClock(time.Unix(1000, 0))
	d := newTestDispatcher(conns, pusher, clock)

	ev := d.EmitToPrincipal("user-1", "order_status", payload(`{}`), Options{})
	d.ProcessPending(context.Background())

	d.HandleAck(ev.ID, "c1")

	select {
	case <-ev.done:
	default:
		t.Fatal("event should be terminal after full ack")
	}
	if ev.Status != StatusDelivered {
		t.Errorf("expected delivered, got %s", ev.Status)
	}
}

func TestDispatcher_AckSnapshotExcludesLateJoiners(t *testing.T) {
	conns := &fakeConns{groups: map[string][]string{"table:1": {"c1", "c2"}}}
	pusher := &fakePusher{}
	clock := sched.NewFakeClock(time.Unix(1000, 0))
	d := newTestDispatcher(conns, pusher, clock)

	ev := d.EmitToGroup("table:1", "waiter_call", payload(`{}`), Options{})
	d.ProcessPending(context.Background())

	d.HandleAck(ev.ID, "c1")
	if ev.Status != StatusPending {
		t.Fatal("event should still await c2")
	}

	// A late joiner is not added to the snapshot
	conns.groups["table:1"] = append(conns.groups["table:1"], "c3")

	d.HandleAck(ev.ID, "c2")
	if ev.Status != StatusDelivered {
		t.Errorf("expected delivered once the emission snapshot acked, got %s", ev.Status)
	}
}

func TestDispatcher_UnreachableTargetBacksOff(t *testing.T) {
	conns := &fakeConns{}
	pusher := &fakePusher{}
	clock := sched.NewFakeClock(time.Unix(1000, 0))
	d := newTestDispatcher(conns, pusher, clock)

	ev := d.EmitToGroup("table:9", "order_status", payload(`{}`), Options{})

	d.ProcessPending(context.Background())
	if ev.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", ev.Attempts)
	}
	if d.QueueDepth() != 1 {
		t.Fatal("event should be re-queued")
	}

	// Not yet due: backoff is 2s after the first attempt
	clock.Advance(time.Second)
	d.ProcessPending(context.Background())
	if ev.Attempts != 1 {
		t.Fatal("event attempted before its backoff elapsed")
	}

	clock.Advance(time.Second)
	d.ProcessPending(context.Background())
	if ev.Attempts != 2 {
		t.Fatalf("expected 2 attempts after backoff, got %d", ev.Attempts)
	}
}

func TestDispatcher_RetryBudgetExhaustionKeepsPersistedEvent(t *testing.T) {
	conns := &fakeConns{}
	pusher := &fakePusher{}
	clock := sched.NewFakeClock(time.Unix(1000, 0))
	d := newTestDispatcher(conns, pusher, clock)

	ev := d.EmitToGroup("table:9", "order_status", payload(`{"orderId":"o1"}`), Options{Persist: true})

	for i := 0; i < 10; i++ {
		d.ProcessPending(context.Background())
		clock.Advance(31 * time.Second)
	}

	if ev.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", ev.Status)
	}
	if ev.Attempts != 5 {
		t.Errorf("expected exactly 5 attempts, got %d", ev.Attempts)
	}

	// Persisted events stay recoverable after exhaustion
	frames := d.MissedEventsSince("group:table:9", time.Unix(0, 0))
	if len(frames) != 1 || frames[0].EventID != ev.ID {
		t.Errorf("persisted event missing from replay store: %v", frames)
	}
}

func TestDispatcher_StaleLowPriorityDropped(t *testing.T) {
	conns := &fakeConns{groups: map[string][]string{"table:1": {"c1"}}}
	pusher := &fakePusher{}
	clock := sched.NewFakeClock(time.Unix(1000, 0))
	d := newTestDispatcher(conns, pusher, clock)

	ev := d.EmitToGroup("table:1", "session_update", payload(`{}`), Options{Priority: PriorityLow})

	clock.Advance(31 * time.Second)
	d.ProcessPending(context.Background())

	if len(pusher.records()) != 0 {
		t.Error("stale low-priority event should not be pushed")
	}
	if ev.Status != StatusFailed {
		t.Errorf("expected failed, got %s", ev.Status)
	}
	if d.QueueDepth() != 0 {
		t.Error("stale event should be removed from the queue")
	}
}

func TestDispatcher_AckTimeoutRequeuesAtTierBack(t *testing.T) {
	conns := &fakeConns{groups: map[string][]string{"table:1": {"c1"}}}
	pusher := &fakePusher{}
	clock := sched.NewFakeClock(time.Unix(1000, 0))
	d := newTestDispatcher(conns, pusher, clock)

	ev := d.EmitToGroup("table:1", "order_status", payload(`{}`), Options{})
	d.ProcessPending(context.Background())
	if len(pusher.records()) != 1 {
		t.Fatal("expected initial push")
	}

	// No ack arrives; pass the deadline
	clock.Advance(11 * time.Second)
	d.ProcessPending(context.Background())
	if ev.Attempts != 1 {
		t.Fatalf("expected attempt counter 1 after timeout, got %d", ev.Attempts)
	}
	if d.QueueDepth() != 1 {
		t.Fatal("timed-out event should be re-queued")
	}

	// After the backoff the event is pushed again
	clock.Advance(2 * time.Second)
	d.ProcessPending(context.Background())
	if len(pusher.records()) != 2 {
		t.Errorf("expected second push after backoff, got %d", len(pusher.records()))
	}
}

func TestDispatcher_DeliverTimesOutWithoutAck(t *testing.T) {
	conns := &fakeConns{groups: map[string][]string{"table:1": {"c1"}}}
	pusher := &fakePusher{}
	clock := sched.NewFakeClock(time.Unix(1000, 0))
	d := newTestDispatcher(conns, pusher, clock)

	err := d.Deliver(context.Background(), Target{Kind: TargetGroup, ID: "table:1"},
		"waiter_call", payload(`{}`), PriorityHigh, 20*time.Millisecond)
	if err != ErrDeliveryTimeout {
		t.Fatalf("expected ErrDeliveryTimeout, got %v", err)
	}
}

func TestDispatcher_DeliverSucceedsOnAck(t *testing.T) {
	conns := &fakeConns{principals: map[string][]string{"user-1": {"c1"}}}
	pusher := &fakePusher{}
	clock := sched.NewFakeClock(time.Unix(1000, 0))
	d := newTestDispatcher(conns, pusher, clock)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Deliver(context.Background(), Target{Kind: TargetPrincipal, ID: "user-1"},
			"order_status", payload(`{}`), PriorityNormal, time.Second)
	}()

	// Wait for the push, then ack it
	var eventID string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d.ProcessPending(context.Background())
		if recs := pusher.records(); len(recs) > 0 {
			eventID = recs[0].frame.EventID
			break
		}
		time.Sleep(time.Millisecond)
	}
	if eventID == "" {
		t.Fatal("push never happened")
	}
	d.HandleAck(eventID, "c1")

	if err := <-errCh; err != nil {
		t.Fatalf("expected successful delivery, got %v", err)
	}
}

// Exercises acks racing drain passes; meaningful under the race detector.
func TestDispatcher_ConcurrentAcksDuringDrain(t *testing.T) {
	conns := &fakeConns{groups: map[string][]string{"table:1": {"c1", "c2"}}}
	pusher := &fakePusher{}
	clock := sched.NewFakeClock(time.Unix(1000, 0))
	d := newTestDispatcher(conns, pusher, clock)
	ctx := context.Background()

	ev := d.EmitToGroup("table:1", "order_updated", payload(`{}`), Options{Priority: PriorityHigh})
	d.ProcessPending(ctx)

	var wg sync.WaitGroup
	for _, connID := range []string{"c1", "c2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				d.HandleAck(ev.ID, id)
			}
		}(connID)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			d.ProcessPending(ctx)
		}
	}()
	wg.Wait()

	if ev.Status != StatusDelivered {
		t.Errorf("expected delivered after both connections acked, got %s", ev.Status)
	}
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	cap := 30 * time.Second

	var prev time.Duration
	for attempts := 1; attempts <= 10; attempts++ {
		delay := Backoff(base, attempts, cap)
		if delay < prev {
			t.Errorf("backoff decreased at attempt %d: %s < %s", attempts, delay, prev)
		}
		if delay > cap {
			t.Errorf("backoff exceeded cap at attempt %d: %s", attempts, delay)
		}
		prev = delay
	}

	if got := Backoff(base, 1, cap); got != 4*time.Second {
		t.Errorf("expected 4s for attempt 1, got %s", got)
	}
	if got := Backoff(base, 4, cap); got != 30*time.Second {
		t.Errorf("expected cap 30s for attempt 4, got %s", got)
	}
}
