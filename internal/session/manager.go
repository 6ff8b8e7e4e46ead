package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"coderoom/internal/metrics"
	"coderoom/internal/saga"
	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

// Notifier publishes server-originated events to a relay room.
type Notifier interface {
	Broadcast(roomID string, ev *types.Event) error
}

// Options configures a Manager. Zero values select defaults.
type Options struct {
	DefaultMaxParticipants int
	CompensationTimeout    time.Duration
	Metrics                *metrics.Metrics
	Logger                 logrus.FieldLogger
	Notifier               Notifier
}

// Manager implements interfaces.SessionManager on top of a SessionRepository
// and the external resource providers. It holds no per-session state; the
// repository's conditional update is the only serialization point.
type Manager struct {
	repo       interfaces.SessionRepository
	identities interfaces.IdentityDirectory
	video      interfaces.VideoRoomService
	chat       interfaces.ChatChannelService

	runner     *saga.Runner
	metrics    *metrics.Metrics
	logger     logrus.FieldLogger
	notifier   Notifier
	defaultMax int

	now       func() time.Time
	newID     func() string
	newCallID func() string
}

// NewManager creates a session manager.
func NewManager(repo interfaces.SessionRepository, identities interfaces.IdentityDirectory, video interfaces.VideoRoomService, chat interfaces.ChatChannelService, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "session")

	defaultMax := opts.DefaultMaxParticipants
	if defaultMax == 0 {
		defaultMax = types.DefaultRoomCapacity
	}

	m := &Manager{
		repo:       repo,
		identities: identities,
		video:      video,
		chat:       chat,
		metrics:    opts.Metrics,
		logger:     logger,
		notifier:   opts.Notifier,
		defaultMax: defaultMax,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		newCallID:  uuid.NewString,
	}

	m.runner = saga.NewRunner(logger)
	if opts.CompensationTimeout > 0 {
		m.runner.CompensationTimeout = opts.CompensationTimeout
	}
	m.runner.OnCompensate = func(step string, err error) {
		outcome := string(types.OutcomeCompensated)
		if err != nil {
			outcome = string(types.OutcomeCompensationFailed)
		}
		m.metrics.RecordCompensation(step, outcome)
	}
	return m
}

// GetSession returns a session by ID.
func (m *Manager) GetSession(ctx context.Context, id string) (*types.Session, error) {
	s, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, repoError(err)
	}
	if s.Status == types.StatusProvisioning {
		return nil, interfaces.ErrSessionNotFound
	}
	return s, nil
}

// ListActiveSessions returns active public sessions, newest first.
func (m *Manager) ListActiveSessions(ctx context.Context, limit int) ([]*types.Session, error) {
	sessions, err := m.repo.ListActive(ctx, types.VisibilityPublic, limit)
	if err != nil {
		return nil, repoError(err)
	}
	return sessions, nil
}

// ValidateRoomMembership resolves a relay room key to its active session and
// returns the user's role in it.
func (m *Manager) ValidateRoomMembership(ctx context.Context, callID, userID string) (*types.Session, string, error) {
	s, err := m.repo.FindByCallID(ctx, callID)
	if err != nil {
		return nil, "", repoError(err)
	}
	if err := requireActive(s); err != nil {
		return nil, "", err
	}
	role := s.RoleOf(userID)
	if role == "" {
		return nil, "", ErrNotMember
	}
	return s, role, nil
}

// update runs a conditional write that first requires the session to be
// active, then applies check.
func (m *Manager) update(ctx context.Context, id string, check interfaces.Predicate, mutate interfaces.Mutation) (*types.Session, error) {
	s, err := m.repo.UpdateConditional(ctx, id, func(s *types.Session) error {
		if err := requireActive(s); err != nil {
			return err
		}
		if check == nil {
			return nil
		}
		return check(s)
	}, mutate)
	if err != nil {
		return nil, repoError(err)
	}
	return s, nil
}

// requireActive hides provisioning records and rejects completed ones.
func requireActive(s *types.Session) error {
	switch s.Status {
	case types.StatusActive:
		return nil
	case types.StatusCompleted:
		return ErrSessionEnded
	default:
		return interfaces.ErrSessionNotFound
	}
}

func requireHost(userID string) interfaces.Predicate {
	return func(s *types.Session) error {
		if !s.IsHost(userID) {
			return ErrNotHost
		}
		return nil
	}
}

func requireMember(userID string) interfaces.Predicate {
	return func(s *types.Session) error {
		if !s.IsMember(userID) {
			return ErrNotMember
		}
		return nil
	}
}

// repoError keeps classified errors and wraps everything else as internal.
func repoError(err error) error {
	for _, kind := range []error{types.ErrValidation, types.ErrNotFound, types.ErrForbidden, types.ErrConflict, types.ErrUpstreamService, types.ErrInternal} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", types.ErrInternal, err)
}

func validateUser(userID string) error {
	if !types.IsValidUserID(userID) {
		return types.ErrInvalidUserID
	}
	return nil
}

func (m *Manager) recordSideEffects(results []types.StepResult) {
	for _, r := range results {
		m.metrics.RecordSideEffect(r.Step, string(r.Outcome))
	}
}
