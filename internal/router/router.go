package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"coderoom/internal/metrics"
	"coderoom/internal/websocket"
	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

// Router implements interfaces.EventRouter. It validates relay events,
// applies host gating and fans events out to the rest of the sender's room.
type Router struct {
	registry *websocket.Registry
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewRouter(registry *websocket.Registry, m *metrics.Metrics, logger logrus.FieldLogger) *Router {
	return &Router{
		registry: registry,
		metrics:  m,
		logger:   logger.WithField("component", "router"),
		now:      time.Now,
	}
}

// ClientOf snapshots the routing view of a connection.
func ClientOf(conn interfaces.Connection) *types.Client {
	return &types.Client{
		ID:       conn.GetID(),
		UserID:   conn.GetUserID(),
		UserName: conn.GetUserName(),
		Role:     conn.GetRole(),
		RoomID:   conn.GetRoomID(),
	}
}

// RouteEvent validates ev and delivers it to every other member of the
// sender's room. Delivery failures to one recipient never stop the others.
func (r *Router) RouteEvent(ctx context.Context, ev *types.Event, sender *types.Client) error {
	if ev.RoomID == "" {
		ev.RoomID = sender.RoomID
	}
	if err := r.ValidateEvent(ev, sender); err != nil {
		return err
	}

	out := r.outbound(ev, sender)
	recipients, err := r.GetRecipients(ev, sender)
	if err != nil {
		return err
	}

	r.deliver(recipients, out)
	return nil
}

// BroadcastEvent delivers a server-originated event to the whole room.
func (r *Router) BroadcastEvent(roomID string, ev *types.Event) {
	if ev.RoomID == "" {
		ev.RoomID = roomID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	r.deliver(r.registry.GetRoomConnections(roomID), ev)
}

func (r *Router) deliver(recipients []interfaces.Connection, ev *types.Event) {
	for _, conn := range recipients {
		if err := conn.WriteJSON(ev); err != nil {
			r.metrics.RecordRelayDrop("send_failed")
			r.logger.WithError(err).WithFields(logrus.Fields{
				"conn_id": conn.GetID(),
				"type":    ev.Type,
			}).Debug("relay delivery failed")
			continue
		}
		r.metrics.RecordRelayEvent(ev.Type, "outbound")
	}
}

// GetRecipients returns every connection in the sender's room except the
// sender's own connection.
func (r *Router) GetRecipients(ev *types.Event, sender *types.Client) ([]interfaces.Connection, error) {
	if sender.RoomID == "" {
		return nil, ErrSenderNotInRoom
	}
	all := r.registry.GetRoomConnections(sender.RoomID)
	out := make([]interfaces.Connection, 0, len(all))
	for _, conn := range all {
		if conn.GetID() == sender.ID {
			continue
		}
		out = append(out, conn)
	}
	return out, nil
}

// ValidateEvent checks type, room, role and payload shape.
func (r *Router) ValidateEvent(ev *types.Event, sender *types.Client) error {
	if !types.IsClientEvent(ev.Type) || ev.Type == types.EventJoinRoom {
		return types.ErrInvalidEventType
	}
	if sender.RoomID == "" {
		return ErrSenderNotInRoom
	}
	if ev.RoomID != sender.RoomID {
		return ErrWrongRoom
	}
	if types.IsHostOnlyEvent(ev.Type) && !sender.IsHost() {
		return ErrHostOnlyEvent
	}

	size, err := payloadSize(ev.Payload)
	if err != nil {
		return types.ErrInvalidPayload
	}
	if size > types.MaxEventPayloadBytes {
		return types.ErrPayloadTooLarge
	}

	switch ev.Type {
	case types.EventCodeChange:
		if _, ok := ev.Payload["code"].(string); !ok {
			return fmt.Errorf("%w: code", ErrMissingField)
		}
	case types.EventFocusViolation:
		kind, _ := ev.Payload["kind"].(string)
		if !types.IsValidFocusKind(kind) {
			return types.ErrInvalidFocusKind
		}
	case types.EventFocusModeToggle:
		if _, ok := ev.Payload["enabled"].(bool); !ok {
			return fmt.Errorf("%w: enabled", ErrMissingField)
		}
	case types.EventProblemChange:
		title, _ := ev.Payload["title"].(string)
		if _, err := types.NormalizeProblem(title, stringField(ev.Payload, "difficulty")); err != nil {
			return err
		}
	case types.EventProblemListChange:
		if list, ok := ev.Payload["problems"].([]interface{}); !ok || len(list) == 0 {
			return types.ErrEmptyProblemList
		}
	}
	return nil
}

// outbound builds the event recipients see. Sender identity always comes
// from the connection, never from the payload.
func (r *Router) outbound(ev *types.Event, sender *types.Client) *types.Event {
	out := &types.Event{
		Type:      ev.Type,
		RoomID:    sender.RoomID,
		From:      sender.UserID,
		Payload:   ev.Payload,
		Timestamp: r.now(),
	}

	switch ev.Type {
	case types.EventCodeChange:
		out.Type = types.EventCodeUpdate
		out.Payload = map[string]interface{}{"code": ev.Payload["code"]}
	case types.EventFocusViolation:
		out.Payload = map[string]interface{}{
			"userId":   sender.UserID,
			"userName": sender.UserName,
			"kind":     ev.Payload["kind"],
			"count":    ev.Payload["count"],
		}
	case types.EventProblemChange:
		p, _ := types.NormalizeProblem(stringField(ev.Payload, "title"), stringField(ev.Payload, "difficulty"))
		out.Payload = map[string]interface{}{"title": p.Title, "difficulty": string(p.Difficulty)}
	}
	return out
}

func stringField(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}

func payloadSize(payload map[string]interface{}) (int, error) {
	if payload == nil {
		return 0, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
