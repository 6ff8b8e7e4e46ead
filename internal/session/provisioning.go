package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"coderoom/internal/saga"
	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

// Provisioning saga steps.
const (
	StepUpsertHost        = "upsert_host_identity"
	StepInsertRecord      = "insert_session_record"
	StepCreateVideoRoom   = "create_video_room"
	StepCreateChatChannel = "create_chat_channel"
	StepFinalize          = "finalize_session"
)

// CreateSession provisions a session across the repository and both
// external providers. On failure every completed step is compensated and no
// record or external resource for the new call ID remains.
func (m *Manager) CreateSession(ctx context.Context, spec types.SessionSpec) (*types.Session, error) {
	record, err := m.buildRecord(spec)
	if err != nil {
		return nil, err
	}

	logger := m.logger.WithFields(logrus.Fields{
		"session_id": record.ID,
		"call_id":    record.CallID,
		"user_id":    record.HostID,
	})

	host := spec.Host
	var final *types.Session

	steps := []saga.Step{
		{
			Name: StepUpsertHost,
			Forward: func(ctx context.Context) error {
				return upstream("identity", StepUpsertHost, m.identities.Upsert(ctx, host))
			},
		},
		{
			Name: StepInsertRecord,
			Forward: func(ctx context.Context) error {
				return repoErrorOrNil(m.repo.Create(ctx, record))
			},
			Compensate: func(ctx context.Context) error {
				return m.repo.Delete(ctx, record.ID)
			},
		},
		{
			Name: StepCreateVideoRoom,
			Forward: func(ctx context.Context) error {
				members := []interfaces.Member{{UserID: host.ID, Role: "admin"}}
				metadata := map[string]string{
					"session_id": record.ID,
					"problem":    record.ActiveProblem,
				}
				_, err := m.video.CreateOrGet(ctx, interfaces.VideoRoomKind, record.CallID, members, metadata)
				return upstream("video", StepCreateVideoRoom, err)
			},
			Compensate: func(ctx context.Context) error {
				return m.video.HardDelete(ctx, record.CallID)
			},
		},
		{
			Name: StepCreateChatChannel,
			Forward: func(ctx context.Context) error {
				metadata := map[string]string{
					"name":       record.ActiveProblem,
					"session_id": record.ID,
				}
				_, err := m.chat.Create(ctx, interfaces.ChatChannelKind, record.CallID, []string{host.ID}, metadata)
				return upstream("chat", StepCreateChatChannel, err)
			},
			Compensate: func(ctx context.Context) error {
				return m.chat.Delete(ctx, record.CallID)
			},
		},
		{
			Name: StepFinalize,
			Forward: func(ctx context.Context) error {
				s, err := m.repo.UpdateConditional(ctx, record.ID,
					func(s *types.Session) error {
						if s.Status != types.StatusProvisioning {
							return fmt.Errorf("%w: session %s is %s, expected provisioning", types.ErrInternal, s.ID, s.Status)
						}
						return nil
					},
					func(s *types.Session) error {
						s.Status = types.StatusActive
						return nil
					})
				if err != nil {
					return repoError(err)
				}
				final = s
				return nil
			},
		},
	}

	res := m.runner.Run(ctx, steps)
	if res.Err != nil {
		m.metrics.RecordSagaFailure(res.FailedStep)
		logger.WithError(res.Err).WithFields(logrus.Fields{
			"step":        res.FailedStep,
			"compensated": res.Compensated(),
		}).Warn("session provisioning failed")
		return nil, res.Err
	}

	m.metrics.RecordSessionCreated()
	logger.WithField("problem", final.ActiveProblem).Info("session created")
	return final, nil
}

// buildRecord validates the request and returns the tentative record.
func (m *Manager) buildRecord(spec types.SessionSpec) (*types.Session, error) {
	if err := validateUser(spec.Host.ID); err != nil {
		return nil, err
	}

	list, active, err := problemQueue(spec)
	if err != nil {
		return nil, err
	}
	lang, err := types.ParseLanguage(spec.Language)
	if err != nil {
		return nil, err
	}
	vis, err := types.ParseVisibility(spec.Visibility)
	if err != nil {
		return nil, err
	}

	return &types.Session{
		ID:               m.newID(),
		CallID:           m.newCallID(),
		HostID:           spec.Host.ID,
		Participants:     []string{},
		MaxParticipants:  types.ClampCapacity(spec.MaxParticipants, m.defaultMax),
		ProblemList:      list,
		ActiveProblem:    active.Title,
		ActiveDifficulty: active.Difficulty,
		Language:         lang,
		Visibility:       vis,
		Status:           types.StatusProvisioning,
		FocusEvents:      []types.FocusEvent{},
		CreatedAt:        m.now(),
	}, nil
}

// problemQueue derives the queue and active entry. The primary problem
// leads the queue and replaces any queued entry with the same title; an
// explicit queue without a primary starts at its head.
func problemQueue(spec types.SessionSpec) ([]types.Problem, types.Problem, error) {
	var primary *types.Problem
	if spec.Problem != "" {
		p, err := types.NormalizeProblem(spec.Problem, spec.Difficulty)
		if err != nil {
			return nil, types.Problem{}, err
		}
		primary = &p
	}

	if len(spec.Problems) == 0 {
		if primary == nil {
			return nil, types.Problem{}, types.ErrEmptyProblemList
		}
		return []types.Problem{*primary}, *primary, nil
	}

	list, err := types.NormalizeProblemList(types.Problems(spec.Problems))
	if err != nil {
		return nil, types.Problem{}, err
	}
	if primary == nil {
		return list, list[0], nil
	}
	queue := make([]types.Problem, 0, len(list)+1)
	queue = append(queue, *primary)
	for _, p := range list {
		if p.Title != primary.Title {
			queue = append(queue, p)
		}
	}
	return queue, *primary, nil
}

func upstream(provider, step string, err error) error {
	if err == nil {
		return nil
	}
	return &types.UpstreamError{Provider: provider, Step: step, Err: err}
}

func repoErrorOrNil(err error) error {
	if err == nil {
		return nil
	}
	return repoError(err)
}
