package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mesahub/mesa/internal/dispatch"
	"github.com/mesahub/mesa/internal/metrics"
	"github.com/mesahub/mesa/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// Dispatcher is the slice of the event dispatcher the handler needs.
type Dispatcher interface {
	HandleAck(eventID, connID string)
	MissedEventsSince(key string, since time.Time) []dispatch.Frame
}

// inboundMessage is the client-to-server envelope. Fields are populated
// per message type.
type inboundMessage struct {
	Type        string `json:"type"`
	PrincipalID string `json:"principalId,omitempty"`
	Role        string `json:"role,omitempty"`
	TenantID    string `json:"tenantId,omitempty"`
	EventID     string `json:"eventId,omitempty"`
	SentAt      int64  `json:"sentAt,omitempty"`
	TableID     string `json:"tableId,omitempty"`
	LastSeen    int64  `json:"lastSeen,omitempty"` // unix milliseconds
}

type controlMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Handler upgrades HTTP requests to websocket sessions and speaks the
// client protocol: hello, ack, join_table, leave_table, resume.
type Handler struct {
	hub        *Hub
	registry   *realtime.Registry
	groups     *realtime.GroupManager
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewHandler creates the websocket handler.
func NewHandler(hub *Hub, registry *realtime.Registry, groups *realtime.GroupManager, dispatcher Dispatcher, logger *zap.Logger) *Handler {
	return &Handler{
		hub:        hub,
		registry:   registry,
		groups:     groups,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the connection and runs the session until the client
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	h.registry.Add(&realtime.Connection{
		ID:         connID,
		Status:     realtime.StatusConnected,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	c := h.hub.register(connID)
	metrics.SetConnectionsActive(h.hub.Len())

	h.sendControl(connID, controlMessage{Type: "welcome", ConnectionID: connID})

	go h.writePump(sock, c)
	h.readPump(sock, connID)

	h.hub.unregister(connID)
	h.registry.Remove(connID)
	metrics.SetConnectionsActive(h.hub.Len())
}

// writePump drains the client's send buffer onto the socket and keeps the
// connection alive with pings.
func (h *Handler) writePump(sock *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sock.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client messages until the socket closes.
func (h *Handler) readPump(sock *websocket.Conn, connID string) {
	sock.SetReadLimit(maxMessageSize)
	sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		sock.SetReadDeadline(time.Now().Add(pongWait))
		h.registry.Touch(connID)
		return nil
	})

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed",
					zap.Error(err),
					zap.String("connection_id", connID),
				)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("malformed client message",
				zap.Error(err),
				zap.String("connection_id", connID),
			)
			continue
		}
		h.registry.Touch(connID)
		h.handleMessage(connID, msg)
	}
}

func (h *Handler) handleMessage(connID string, msg inboundMessage) {
	switch msg.Type {
	case "hello":
		h.handleHello(connID, msg)
	case "ack":
		h.dispatcher.HandleAck(msg.EventID, connID)
	case "join_table":
		if err := h.groups.JoinTable(connID, msg.TableID); err != nil {
			h.logger.Warn("join_table failed", zap.Error(err), zap.String("connection_id", connID))
		}
	case "leave_table":
		if err := h.groups.LeaveTable(connID, msg.TableID); err != nil {
			h.logger.Warn("leave_table failed", zap.Error(err), zap.String("connection_id", connID))
		}
	case "resume":
		h.handleResume(connID, msg)
	default:
		h.logger.Debug("unknown message type",
			zap.String("type", msg.Type),
			zap.String("connection_id", connID),
		)
	}
}

// handleHello authenticates the connection and joins its role's default
// groups. The registry's presence callbacks fire from UpdateState, which
// is what flushes any notifications buffered for this principal.
func (h *Handler) handleHello(connID string, msg inboundMessage) {
	if msg.PrincipalID == "" || msg.Role == "" {
		h.sendControl(connID, controlMessage{Type: "error", Error: "hello requires principalId and role"})
		return
	}

	status := realtime.StatusAuthenticated
	err := h.registry.UpdateState(connID, realtime.StateUpdate{
		PrincipalID: &msg.PrincipalID,
		Role:        &msg.Role,
		TenantID:    &msg.TenantID,
		Status:      &status,
	})
	if err != nil {
		h.logger.Error("authentication state update failed",
			zap.Error(err),
			zap.String("connection_id", connID),
		)
		return
	}

	if err := h.groups.JoinDefaultGroups(connID); err != nil {
		h.logger.Error("default group join failed",
			zap.Error(err),
			zap.String("connection_id", connID),
		)
	}

	h.logger.Info("connection authenticated",
		zap.String("connection_id", connID),
		zap.String("principal_id", msg.PrincipalID),
		zap.String("role", msg.Role),
	)
}

// handleResume replays persisted events newer than the client's last-seen
// timestamp across every key the connection is addressable by.
func (h *Handler) handleResume(connID string, msg inboundMessage) {
	conn, err := h.registry.Get(connID)
	if err != nil {
		return
	}
	since := time.UnixMilli(msg.LastSeen)

	keys := []string{dispatch.Target{Kind: dispatch.TargetBroadcast}.Key()}
	if conn.PrincipalID != "" {
		keys = append(keys, dispatch.Target{Kind: dispatch.TargetPrincipal, ID: conn.PrincipalID}.Key())
	}
	if conn.Role != "" {
		keys = append(keys, dispatch.Target{Kind: dispatch.TargetRole, ID: conn.Role}.Key())
	}
	for groupID := range conn.Groups {
		keys = append(keys, dispatch.Target{Kind: dispatch.TargetGroup, ID: groupID}.Key())
	}

	seen := make(map[string]struct{})
	replayed := 0
	for _, key := range keys {
		for _, frame := range h.dispatcher.MissedEventsSince(key, since) {
			if _, dup := seen[frame.EventID]; dup {
				continue
			}
			seen[frame.EventID] = struct{}{}
			if err := h.hub.Push(context.Background(), connID, frame); err != nil {
				h.logger.Warn("replay push failed",
					zap.Error(err),
					zap.String("connection_id", connID),
				)
				return
			}
			replayed++
		}
	}

	if replayed > 0 {
		h.logger.Info("replayed missed events",
			zap.String("connection_id", connID),
			zap.Int("count", replayed),
		)
	}
}

func (h *Handler) sendControl(connID string, msg controlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := h.hub.send(connID, data); err != nil {
		h.logger.Debug("control send failed", zap.Error(err))
	}
}
