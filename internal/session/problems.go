package session

import (
	"context"

	"github.com/sirupsen/logrus"

	"coderoom/pkg/types"
)

// UpdateProblemList replaces the queue. Host only. When the active problem
// is no longer queued, the head of the new list becomes active; otherwise
// the active difficulty follows the queued entry.
func (m *Manager) UpdateProblemList(ctx context.Context, id, hostID string, problems []types.Problem) (*types.Session, error) {
	list, err := types.NormalizeProblemList(problems)
	if err != nil {
		return nil, err
	}

	s, err := m.update(ctx, id, requireHost(hostID), func(s *types.Session) error {
		s.ProblemList = list
		active, ok := types.FindProblem(list, s.ActiveProblem)
		if !ok {
			active = list[0]
		}
		s.ActiveProblem = active.Title
		s.ActiveDifficulty = active.Difficulty
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"session_id": id,
		"problems":   len(list),
		"active":     s.ActiveProblem,
	}).Debug("problem list updated")
	return s, nil
}

// ChangeProblem sets the active problem. Host only. The title does not have
// to be queued.
func (m *Manager) ChangeProblem(ctx context.Context, id, hostID string, p types.Problem) (*types.Session, error) {
	np, err := types.NormalizeProblem(p.Title, string(p.Difficulty))
	if err != nil {
		return nil, err
	}
	return m.update(ctx, id, requireHost(hostID), func(s *types.Session) error {
		s.ActiveProblem = np.Title
		s.ActiveDifficulty = np.Difficulty
		return nil
	})
}

// SaveCode stores the latest code snapshot. Members only; last write wins.
func (m *Manager) SaveCode(ctx context.Context, id, userID, code string) (*types.Session, error) {
	if len(code) > types.MaxCodeBytes {
		return nil, types.ErrCodeTooLarge
	}
	return m.update(ctx, id, requireMember(userID), func(s *types.Session) error {
		s.Code = code
		return nil
	})
}
