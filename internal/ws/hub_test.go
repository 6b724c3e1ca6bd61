package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mesahub/mesa/internal/dispatch"
	"github.com/mesahub/mesa/internal/realtime"
)

func TestHub_PushToUnknownClient(t *testing.T) {
	hub := NewHub(zap.NewNop())

	err := hub.Push(context.Background(), "nope", dispatch.Frame{EventID: "e1"})
	if !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound, got %v", err)
	}
}

func TestHub_PushDeliversFrame(t *testing.T) {
	hub := NewHub(zap.NewNop())
	c := hub.register("c1")

	frame := dispatch.Frame{
		EventID: "e1",
		Kind:    "order_status",
		Payload: json.RawMessage(`{"orderId":"o-1"}`),
	}
	if err := hub.Push(context.Background(), "c1", frame); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	select {
	case data := <-c.send:
		var got dispatch.Frame
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.EventID != "e1" || got.Kind != "order_status" {
			t.Errorf("unexpected frame: %+v", got)
		}
	default:
		t.Fatal("frame not queued")
	}
}

func TestHub_SlowClientDropsFrames(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.register("c1")

	var dropped bool
	for i := 0; i < sendBufferSize+1; i++ {
		err := hub.Push(context.Background(), "c1", dispatch.Frame{EventID: "e"})
		if errors.Is(err, ErrSendBufferFull) {
			dropped = true
		}
	}
	if !dropped {
		t.Fatal("overflow push should be dropped, not block")
	}
}

func TestHub_UnregisterClosesSendChannel(t *testing.T) {
	hub := NewHub(zap.NewNop())
	c := hub.register("c1")
	hub.unregister("c1")

	select {
	case _, open := <-c.send:
		if open {
			t.Fatal("expected closed channel")
		}
	default:
		t.Fatal("channel should be closed, not empty")
	}
	if hub.Len() != 0 {
		t.Errorf("expected empty hub, got %d", hub.Len())
	}
}

// recordingDispatcher captures handler calls.
type recordingDispatcher struct {
	acks   []string
	frames map[string][]dispatch.Frame
}

func (d *recordingDispatcher) HandleAck(eventID, connID string) {
	d.acks = append(d.acks, eventID+"/"+connID)
}

func (d *recordingDispatcher) MissedEventsSince(key string, since time.Time) []dispatch.Frame {
	return d.frames[key]
}

func TestHandler_AckRoutedToDispatcher(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)
	registry := realtime.NewRegistry(logger)
	disp := &recordingDispatcher{}
	h := NewHandler(hub, registry, realtime.NewGroupManager(registry, logger), disp, logger)

	h.handleMessage("c1", inboundMessage{Type: "ack", EventID: "e7"})

	if len(disp.acks) != 1 || disp.acks[0] != "e7/c1" {
		t.Errorf("ack not routed: %v", disp.acks)
	}
}

func TestHandler_ResumeReplaysAcrossKeysWithoutDuplicates(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)
	registry := realtime.NewRegistry(logger)

	shared := dispatch.Frame{EventID: "e1", Kind: "order_status", IsReplay: true}
	disp := &recordingDispatcher{frames: map[string][]dispatch.Frame{
		"principal:u1":  {shared},
		"group:table:4": {shared, {EventID: "e2", Kind: "waiter_call", IsReplay: true}},
	}}
	h := NewHandler(hub, registry, realtime.NewGroupManager(registry, logger), disp, logger)

	conn := &realtime.Connection{ID: "c1", PrincipalID: "u1", Status: realtime.StatusAuthenticated}
	registry.Add(conn)
	if err := registry.AddToGroup("c1", "table:4"); err != nil {
		t.Fatalf("add to group: %v", err)
	}
	c := hub.register("c1")

	h.handleResume("c1", inboundMessage{Type: "resume", LastSeen: 0})

	var got []dispatch.Frame
	for {
		select {
		case data := <-c.send:
			var f dispatch.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got = append(got, f)
			continue
		default:
		}
		break
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 replayed frames, got %d", len(got))
	}
	for _, f := range got {
		if !f.IsReplay {
			t.Errorf("replayed frame %s must be flagged isReplay", f.EventID)
		}
	}
}
