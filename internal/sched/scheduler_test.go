package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestScheduler_RunsTaskOnTick(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	s := New(clock, zap.NewNop())

	var runs atomic.Int64
	s.Every("tick", time.Second, func(ctx context.Context) {
		runs.Add(1)
	})

	s.Start(context.Background())
	defer s.Stop()

	clock.Advance(time.Second)
	waitFor(t, func() bool { return runs.Load() == 1 })

	clock.Advance(3 * time.Second)
	// One pending slot per ticker, so a long advance coalesces
	waitFor(t, func() bool { return runs.Load() >= 2 })
}

func TestScheduler_WakeRunsImmediately(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	s := New(clock, zap.NewNop())

	wake := make(chan struct{}, 1)
	var runs atomic.Int64
	s.EveryWake("dispatch", time.Hour, wake, func(ctx context.Context) {
		runs.Add(1)
	})

	s.Start(context.Background())
	defer s.Stop()

	wake <- struct{}{}
	waitFor(t, func() bool { return runs.Load() == 1 })
}

func TestScheduler_StopHaltsTasks(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	s := New(clock, zap.NewNop())

	var runs atomic.Int64
	s.Every("tick", time.Second, func(ctx context.Context) {
		runs.Add(1)
	})

	s.Start(context.Background())
	clock.Advance(time.Second)
	waitFor(t, func() bool { return runs.Load() == 1 })

	s.Stop()
	before := runs.Load()
	clock.Advance(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if runs.Load() != before {
		t.Errorf("task ran after Stop: %d -> %d", before, runs.Load())
	}
}

func TestFakeClock_Advance(t *testing.T) {
	clock := NewFakeClock(time.Unix(100, 0))
	if got := clock.Now(); !got.Equal(time.Unix(100, 0)) {
		t.Fatalf("unexpected start time: %v", got)
	}

	ticker := clock.NewTicker(time.Minute)
	clock.Advance(30 * time.Second)
	select {
	case <-ticker.Chan():
		t.Fatal("ticker fired before interval elapsed")
	default:
	}

	clock.Advance(30 * time.Second)
	select {
	case <-ticker.Chan():
	default:
		t.Fatal("ticker should have fired")
	}
}
