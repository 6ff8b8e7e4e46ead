package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"coderoom/internal/metrics"
	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

// MaxMessageBytes bounds a single inbound frame.
const MaxMessageBytes = 512 * 1024

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// HandlerConfig holds connection timing and buffering.
type HandlerConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

// DefaultHandlerConfig returns the relay defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   DefaultSendBuffer,
	}
}

// Handler upgrades relay connections, admits them to rooms on join-room and
// forwards everything else to the hub.
type Handler struct {
	hub      interfaces.RelayHub
	sessions interfaces.SessionManager
	cfg      HandlerConfig
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
}

func NewHandler(hub interfaces.RelayHub, sessions interfaces.SessionManager, cfg HandlerConfig, m *metrics.Metrics, logger logrus.FieldLogger) *Handler {
	def := DefaultHandlerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return &Handler{
		hub:      hub,
		sessions: sessions,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.WithField("component", "relay"),
	}
}

// HandleWebSocket serves GET /ws?user_id=&user_name=.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	userName := r.URL.Query().Get("user_name")

	if userID == "" {
		http.Error(w, "Missing required query parameter: user_id", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(userID) {
		http.Error(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}
	if userName == "" {
		userName = userID
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(MaxMessageBytes)

	conn := NewConnection(ws, userID, userName, h.cfg.SendBuffer, h.cfg.WriteTimeout)
	h.metrics.RecordRelayConnect()
	h.logger.WithFields(logrus.Fields{"conn_id": conn.GetID(), "user_id": userID}).Debug("relay connection opened")

	go h.handleConnection(conn)
}

// handleConnection runs the read pump and heartbeat until the peer leaves.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.hub.Unregister(conn)
		_ = conn.Close()
		h.metrics.RecordRelayDisconnect()
		h.logger.WithFields(logrus.Fields{
			"conn_id": conn.GetID(),
			"user_id": conn.GetUserID(),
			"room":    conn.GetRoomID(),
		}).Debug("relay connection closed")
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Debug("relay read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var ev types.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			h.sendError(conn, "invalid event JSON")
			continue
		}
		h.handleEvent(conn, &ev)
	}
}

func (h *Handler) handleEvent(conn *Connection, ev *types.Event) {
	h.metrics.RecordRelayEvent(ev.Type, "inbound")

	if ev.Type == types.EventJoinRoom {
		h.joinRoom(conn, ev)
		return
	}
	if !conn.InRoom() {
		h.sendError(conn, "join a room first")
		return
	}

	if err := h.hub.Publish(ev, conn); err != nil {
		h.metrics.RecordRelayDrop("hub_full")
		h.logger.WithError(err).WithField("type", ev.Type).Debug("relay event dropped")
	}
}

// joinRoom admits the connection to a session room after checking membership.
func (h *Handler) joinRoom(conn *Connection, ev *types.Event) {
	roomID := ev.RoomID
	if roomID == "" {
		if v, ok := ev.Payload["roomId"].(string); ok {
			roomID = v
		}
	}
	if roomID == "" {
		h.sendError(conn, "room_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, role, err := h.sessions.ValidateRoomMembership(ctx, roomID, conn.GetUserID())
	if err != nil {
		h.sendError(conn, joinErrorMessage(err))
		return
	}

	if err := conn.BindRoom(roomID, role); err != nil {
		h.sendError(conn, err.Error())
		return
	}
	if err := h.hub.Register(conn); err != nil {
		h.logger.WithError(err).WithField("room", roomID).Warn("relay registration failed")
		h.sendError(conn, "relay unavailable")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"conn_id": conn.GetID(),
		"user_id": conn.GetUserID(),
		"room":    roomID,
		"role":    role,
	}).Info("joined relay room")

	_ = conn.WriteJSON(&types.Event{
		Type:   types.EventRoomJoined,
		RoomID: roomID,
		Payload: map[string]interface{}{
			"roomId":     roomID,
			"role":       role,
			"session_id": session.ID,
		},
		Timestamp: time.Now(),
	})
}

func (h *Handler) sendError(conn *Connection, message string) {
	_ = conn.WriteJSON(&types.Event{
		Type:      types.EventError,
		RoomID:    conn.GetRoomID(),
		Payload:   map[string]interface{}{"message": message},
		Timestamp: time.Now(),
	})
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return "Session not found"
	case errors.Is(err, types.ErrConflict):
		return "Session has ended"
	case errors.Is(err, types.ErrForbidden):
		return "Not a member of this session"
	default:
		return "Session validation failed"
	}
}
