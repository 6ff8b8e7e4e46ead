package session

import (
	"context"

	"github.com/sirupsen/logrus"

	"coderoom/pkg/types"
)

// SetFocusMode toggles proctoring for the session. Host only.
func (m *Manager) SetFocusMode(ctx context.Context, id, hostID string, enabled bool) (*types.Session, error) {
	s, err := m.update(ctx, id, requireHost(hostID), func(s *types.Session) error {
		s.FocusModeEnabled = enabled
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithFields(logrus.Fields{"session_id": id, "enabled": enabled}).Info("focus mode changed")
	return s, nil
}

// RecordFocusEvent appends a violation to the session's audit log. Members
// only, and only while focus mode is on. Existing entries are never touched.
func (m *Manager) RecordFocusEvent(ctx context.Context, id, userID, kind string) (*types.Session, error) {
	if !types.IsValidFocusKind(kind) {
		return nil, types.ErrInvalidFocusKind
	}

	s, err := m.update(ctx, id,
		func(s *types.Session) error {
			if !s.IsMember(userID) {
				return ErrNotMember
			}
			if !s.FocusModeEnabled {
				return ErrFocusModeDisabled
			}
			return nil
		},
		func(s *types.Session) error {
			s.FocusEvents = append(s.FocusEvents, types.FocusEvent{
				UserID:    userID,
				Kind:      kind,
				Timestamp: m.now(),
			})
			return nil
		})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"session_id": id,
		"user_id":    userID,
		"kind":       kind,
		"total":      len(s.FocusEvents),
	}).Info("focus violation recorded")
	return s, nil
}
