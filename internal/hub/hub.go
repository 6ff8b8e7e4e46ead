package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"coderoom/internal/metrics"
	"coderoom/internal/router"
	"coderoom/internal/websocket"
	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

// Hub is the room-scoped relay. A single goroutine applies membership
// changes and routes events, so registry updates and fan-out never race.
// Enqueueing never blocks: a saturated hub drops the event. A session-ended
// broadcast closes its room after delivery.
type Hub struct {
	publishChannel    chan *eventContext
	membershipChannel chan membershipOp
	shutdownChannel   chan struct{}

	registry *websocket.Registry
	router   *router.Router
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger

	running bool
	mu      sync.RWMutex
}

// eventContext carries an event with a snapshot of its sender. A nil
// sender marks a server-originated broadcast.
type eventContext struct {
	event      *types.Event
	sender     *types.Client
	senderConn interfaces.Connection
	roomID     string
}

// membershipOp keeps registrations and removals in arrival order.
type membershipOp struct {
	conn     interfaces.Connection
	register bool
}

func NewHub(registry *websocket.Registry, r *router.Router, m *metrics.Metrics, logger logrus.FieldLogger) *Hub {
	return &Hub{
		publishChannel:    make(chan *eventContext, 1000),
		membershipChannel: make(chan membershipOp, 100),
		shutdownChannel:   make(chan struct{}),
		registry:          registry,
		router:            r,
		metrics:           m,
		logger:            logger.WithField("component", "hub"),
	}
}

// Start launches the run loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Info("starting relay hub")
	go h.run(ctx)
	return nil
}

// Stop ends the run loop. Queued events are discarded.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Register indexes conn under the room it is bound to.
func (h *Hub) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.membershipChannel <- membershipOp{conn: conn, register: true}:
		return nil
	default:
		return ErrMembershipChannelFull
	}
}

// Unregister removes conn from its room.
func (h *Hub) Unregister(conn interfaces.Connection) {
	if conn == nil {
		return
	}
	if h.isRunning() {
		select {
		case h.membershipChannel <- membershipOp{conn: conn}:
			return
		default:
		}
	}
	h.registry.UnregisterConnection(conn)
}

// Publish queues a client event for the sender's room.
func (h *Hub) Publish(ev *types.Event, sender interfaces.Connection) error {
	if sender == nil {
		return ErrNilConnection
	}
	client := router.ClientOf(sender)
	return h.enqueue(&eventContext{
		event:      ev,
		sender:     client,
		senderConn: sender,
		roomID:     client.RoomID,
	})
}

// Broadcast queues a server event for every connection in roomID.
func (h *Hub) Broadcast(roomID string, ev *types.Event) error {
	return h.enqueue(&eventContext{event: ev, roomID: roomID})
}

func (h *Hub) enqueue(ec *eventContext) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.publishChannel <- ec:
		return nil
	default:
		h.metrics.RecordRelayDrop("hub_full")
		return ErrPublishChannelFull
	}
}

func (h *Hub) RoomConnectionCount(roomID string) int {
	return h.registry.RoomConnectionCount(roomID)
}

// GetStats reports registry counters and queue depth.
func (h *Hub) GetStats() map[string]int {
	stats := h.registry.GetStats()
	stats["queued_events"] = len(h.publishChannel)
	return stats
}

func (h *Hub) run(ctx context.Context) {
	defer h.logger.Info("relay hub stopped")

	for {
		select {
		case ec := <-h.publishChannel:
			h.drainMembership()
			h.handleEvent(ctx, ec)

		case op := <-h.membershipChannel:
			h.handleMembership(op)

		case <-h.shutdownChannel:
			return

		case <-ctx.Done():
			return
		}
	}
}

// drainMembership applies queued joins and leaves so an event never
// overtakes a membership change enqueued before it.
func (h *Hub) drainMembership() {
	for {
		select {
		case op := <-h.membershipChannel:
			h.handleMembership(op)
		default:
			return
		}
	}
}

func (h *Hub) handleMembership(op membershipOp) {
	if !op.register {
		h.registry.UnregisterConnection(op.conn)
		return
	}
	if err := h.registry.RegisterConnection(op.conn); err != nil {
		h.logger.WithError(err).WithField("conn_id", op.conn.GetID()).Warn("relay registration failed")
		return
	}
	h.logger.WithFields(logrus.Fields{
		"conn_id": op.conn.GetID(),
		"user_id": op.conn.GetUserID(),
		"room":    op.conn.GetRoomID(),
	}).Debug("connection registered")
}

func (h *Hub) handleEvent(ctx context.Context, ec *eventContext) {
	if ec.sender == nil {
		h.router.BroadcastEvent(ec.roomID, ec.event)
		if ec.event.Type == types.EventSessionEnded {
			h.closeRoom(ec.roomID)
		}
		return
	}

	err := h.router.RouteEvent(ctx, ec.event, ec.sender)
	switch {
	case err == nil:
		return
	case errors.Is(err, router.ErrHostOnlyEvent):
		h.metrics.RecordRelayDrop("host_only")
		h.logger.WithFields(logrus.Fields{
			"user_id": ec.sender.UserID,
			"type":    ec.event.Type,
			"room":    ec.roomID,
		}).Debug("dropped host-only event from non-host")
	default:
		h.metrics.RecordRelayDrop("invalid")
		h.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": ec.sender.UserID,
			"type":    ec.event.Type,
		}).Debug("relay event rejected")
		h.sendErrorToSender(ec, err)
	}
}

// closeRoom detaches every member of an ended session's room. The
// connections stay open and may join another room.
func (h *Hub) closeRoom(roomID string) {
	conns := h.registry.CloseRoom(roomID)
	for _, conn := range conns {
		conn.UnbindRoom(roomID)
	}
	h.logger.WithFields(logrus.Fields{
		"room":        roomID,
		"connections": len(conns),
	}).Info("relay room closed")
}

func (h *Hub) sendErrorToSender(ec *eventContext, routingErr error) {
	if ec.senderConn == nil {
		return
	}
	msg := &types.Event{
		Type:   types.EventError,
		RoomID: ec.roomID,
		Payload: map[string]interface{}{
			"message": "Event could not be delivered",
			"error":   routingErr.Error(),
			"type":    ec.event.Type,
		},
		Timestamp: time.Now(),
	}
	if err := ec.senderConn.WriteJSON(msg); err != nil {
		h.logger.WithError(err).WithField("conn_id", ec.sender.ID).Debug("failed to send error event")
	}
}
