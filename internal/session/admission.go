package session

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"coderoom/internal/saga"
	"coderoom/pkg/types"
)

// Best-effort admission steps.
const (
	StepUpsertIdentity = "upsert_identity"
	StepAddVideoMember = "add_video_member"
	StepAddChatMember  = "add_chat_member"
)

// JoinSession admits user as a participant. The capacity check and the
// append are one conditional write, so concurrent joins for the last slot
// admit exactly one caller. External membership is best-effort and reported
// in the result; it never rolls back the admission.
//
// A repeated join by an existing participant returns the session unchanged
// and re-runs the external membership steps.
func (m *Manager) JoinSession(ctx context.Context, id string, user types.Identity) (*types.JoinResult, error) {
	if err := validateUser(user.ID); err != nil {
		return nil, err
	}

	logger := m.logger.WithFields(logrus.Fields{
		"session_id": id,
		"user_id":    user.ID,
	})

	already := false
	s, err := m.update(ctx, id,
		func(s *types.Session) error {
			if s.IsHost(user.ID) {
				return ErrHostCannotJoin
			}
			if s.IsParticipant(user.ID) {
				return errAlreadyMember
			}
			if s.Occupancy() >= s.MaxParticipants {
				return ErrRoomFull
			}
			return nil
		},
		func(s *types.Session) error {
			s.Participants = append(s.Participants, user.ID)
			return nil
		})

	switch {
	case errors.Is(err, errAlreadyMember):
		already = true
		s, err = m.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, ErrRoomFull):
		m.metrics.RecordJoin("room_full")
		logger.Info("join rejected, room full")
		return nil, err
	case err != nil:
		m.metrics.RecordJoin("rejected")
		return nil, err
	}

	if already {
		m.metrics.RecordJoin("already_member")
	} else {
		m.metrics.RecordJoin("admitted")
		logger.WithField("occupancy", s.Occupancy()).Info("participant admitted")
	}

	effects := m.runner.RunBestEffort(ctx, m.membershipSteps(s.CallID, user))
	m.recordSideEffects(effects)

	return &types.JoinResult{
		Session:       s,
		AlreadyMember: already,
		SideEffects:   effects,
	}, nil
}

func (m *Manager) membershipSteps(callID string, user types.Identity) []saga.Step {
	return []saga.Step{
		{
			Name: StepUpsertIdentity,
			Forward: func(ctx context.Context) error {
				return m.identities.Upsert(ctx, user)
			},
		},
		{
			Name: StepAddVideoMember,
			Forward: func(ctx context.Context) error {
				return m.video.AddMembers(ctx, callID, []string{user.ID})
			},
		},
		{
			Name: StepAddChatMember,
			Forward: func(ctx context.Context) error {
				return m.chat.AddMembers(ctx, callID, []string{user.ID})
			},
		},
	}
}
