// Package ws carries the websocket transport: the hub that owns per-client
// send buffers and the handler that speaks the client protocol.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mesahub/mesa/internal/dispatch"
)

// ErrClientNotFound indicates a push to a connection id the hub does not
// hold. The registry and hub can briefly disagree around disconnect; the
// dispatcher treats this as a failed push and retries.
var ErrClientNotFound = errors.New("websocket client not found")

// ErrSendBufferFull indicates a slow client whose outgoing buffer is
// full. The frame is dropped rather than blocking the dispatch loop.
var ErrSendBufferFull = errors.New("client send buffer full")

// sendBufferSize bounds the per-client outgoing queue.
const sendBufferSize = 32

// client is one connected websocket with its buffered outgoing channel.
type client struct {
	id   string
	send chan []byte
}

// Hub routes frames to connected clients. It implements the dispatcher's
// Pusher contract; writes never block the caller.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		logger:  logger,
	}
}

// register adds a client and returns its send channel.
func (h *Hub) register(connID string) *client {
	c := &client{
		id:   connID,
		send: make(chan []byte, sendBufferSize),
	}
	h.mu.Lock()
	h.clients[connID] = c
	h.mu.Unlock()
	return c
}

// unregister drops a client and closes its send channel, releasing the
// write pump.
func (h *Hub) unregister(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
	}
	h.mu.Unlock()

	if ok {
		close(c.send)
	}
}

// Push serializes a frame onto one client's outgoing buffer. A full
// buffer drops the frame; the dispatcher's retry loop covers the gap.
func (h *Hub) Push(ctx context.Context, connID string, frame dispatch.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := h.send(connID, data); err != nil {
		if errors.Is(err, ErrSendBufferFull) {
			h.logger.Warn("dropping frame for slow client",
				zap.String("connection_id", connID),
				zap.String("event_id", frame.EventID),
			)
		}
		return err
	}
	return nil
}

// send places raw bytes on one client's outgoing buffer without blocking.
// The write pump is the only goroutine that touches the socket.
func (h *Hub) send(connID string, data []byte) error {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, connID)
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrSendBufferFull, connID)
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
