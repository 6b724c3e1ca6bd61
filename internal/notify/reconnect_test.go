package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mesahub/mesa/internal/dispatch"
	"github.com/mesahub/mesa/internal/realtime"
	"github.com/mesahub/mesa/internal/sched"
	"github.com/mesahub/mesa/internal/ws"
)

func (s *memStore) statusOf(id *Notification) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifs[id.ID].Status
}

// Full wiring over a live socket: a notification buffered while its table
// group is empty must reach a client that joins the table afterward. The
// presence flush runs on its own goroutine, so the client's read loop is
// free to deliver the ack that completes the flush.
func TestQueue_ReconnectFlushDeliversOverSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := sched.RealClock()
	logger := zap.NewNop()

	registry := realtime.NewRegistry(logger)
	groups := realtime.NewGroupManager(registry, logger)
	hub := ws.NewHub(logger)

	store := dispatch.NewStore(time.Hour, 100, clock)
	disp := dispatch.New(registry, hub, store, clock, dispatch.Config{
		BaseDelay:     50 * time.Millisecond,
		MaxDelay:      200 * time.Millisecond,
		MaxAttempts:   5,
		StaleLowAfter: 30 * time.Second,
		AckTimeout:    2 * time.Second,
	}, logger)

	st := newMemStore(clock)
	queue := NewQueue(st, disp, registry, NewLimiter(nil), clock, Config{
		DeliveryTimeout: 2 * time.Second,
		BufferTTL:       time.Minute,
	}, logger)

	registry.OnPresence(func(targetType, targetID string) {
		go queue.FlushTarget(context.Background(), targetType, targetID)
	})

	// Drive the dispatcher the way the scheduler does.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-disp.Wake():
			case <-time.After(10 * time.Millisecond):
			}
			disp.ProcessPending(ctx)
		}
	}()

	srv := httptest.NewServer(ws.NewHandler(hub, registry, groups, disp, logger))
	defer srv.Close()

	// Queue a waiter call for an empty table group; the tick buffers it.
	n := &Notification{
		Type:       TypeWaiterCall,
		Payload:    json.RawMessage(`{"tableId":"9"}`),
		TargetType: realtime.TargetGroup,
		TargetID:   "table:9",
	}
	if err := queue.QueueNotification(ctx, n); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	queue.ProcessOnce(ctx)
	if got := st.statusOf(n); got != StatusPending {
		t.Fatalf("expected pending after buffering, got %s", got)
	}
	history, _ := st.History(ctx, n.ID)
	if countReason(history, ReasonTargetDisconnected) != 1 {
		t.Fatalf("expected target_disconnected history, got %v", reasons(history))
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	hello := `{"type":"hello","principalId":"w1","role":"waiter","tenantId":"rest-1"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
		t.Fatalf("hello failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join_table","tableId":"9"}`)); err != nil {
		t.Fatalf("join_table failed: %v", err)
	}

	// Read until the flushed frame arrives, then ack it.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	acked := false
	for !acked {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed before frame arrived: %v", err)
		}
		var frame struct {
			EventID string `json:"eventId"`
			Kind    string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil || frame.EventID == "" {
			continue
		}
		if frame.Kind != TypeWaiterCall {
			t.Fatalf("unexpected frame kind %q", frame.Kind)
		}
		ack := `{"type":"ack","eventId":"` + frame.EventID + `"}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ack)); err != nil {
			t.Fatalf("ack failed: %v", err)
		}
		acked = true
	}

	deadline := time.Now().Add(3 * time.Second)
	for st.statusOf(n) != StatusDelivered {
		if time.Now().After(deadline) {
			history, _ := st.History(ctx, n.ID)
			t.Fatalf("notification never delivered: status=%s history=%v",
				st.statusOf(n), reasons(history))
		}
		time.Sleep(10 * time.Millisecond)
	}

	history, _ = st.History(ctx, n.ID)
	if countReason(history, ReasonTargetReconnected) != 1 {
		t.Errorf("expected one target_reconnected, got %v", reasons(history))
	}
	if countReason(history, ReasonDeliverySuccess) != 1 {
		t.Errorf("expected one delivery_success, got %v", reasons(history))
	}
	if countReason(history, ReasonDeliveryFailure) != 0 {
		t.Errorf("flush must not burn an attempt, got %v", reasons(history))
	}
}
