package session

import (
	"context"

	"github.com/sirupsen/logrus"

	"coderoom/internal/saga"
	"coderoom/pkg/types"
)

// Best-effort teardown steps.
const (
	StepSoftEndVideo      = "soft_end_video_room"
	StepDeleteChatChannel = "delete_chat_channel"
)

// EndSession closes a session. Any member may end it. The terminal status is
// written first so the room is closed to admissions even when external
// cleanup fails; cleanup outcomes are returned as side effects. Ending a
// completed session is a Conflict.
func (m *Manager) EndSession(ctx context.Context, id string, userID string) (*types.EndResult, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}

	s, err := m.update(ctx, id, requireMember(userID), func(s *types.Session) error {
		ended := m.now()
		s.Status = types.StatusCompleted
		s.EndedAt = &ended
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := m.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"call_id":    s.CallID,
		"user_id":    userID,
	})

	callID := s.CallID
	effects := m.runner.RunBestEffort(ctx, []saga.Step{
		{
			Name: StepSoftEndVideo,
			Forward: func(ctx context.Context) error {
				return m.video.SoftEnd(ctx, callID)
			},
		},
		{
			Name: StepDeleteChatChannel,
			Forward: func(ctx context.Context) error {
				return m.chat.Delete(ctx, callID)
			},
		},
	})
	m.recordSideEffects(effects)

	if failed, ok := saga.FirstFailure(effects); ok {
		logger.WithField("step", failed.Step).Warn("session ended with incomplete external cleanup")
	} else {
		logger.Info("session ended")
	}

	m.notifyEnded(s, userID)

	return &types.EndResult{Session: s, SideEffects: effects}, nil
}

func (m *Manager) notifyEnded(s *types.Session, userID string) {
	if m.notifier == nil {
		return
	}
	ev := &types.Event{
		Type:   types.EventSessionEnded,
		RoomID: s.CallID,
		From:   userID,
		Payload: map[string]interface{}{
			"session_id": s.ID,
			"ended_by":   userID,
		},
		Timestamp: m.now(),
	}
	if err := m.notifier.Broadcast(s.CallID, ev); err != nil {
		m.logger.WithError(err).WithField("call_id", s.CallID).Debug("session-ended broadcast dropped")
	}
}
