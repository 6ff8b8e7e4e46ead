package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

// MemoryStore is an in-process SessionRepository for tests and local runs.
// Reads and writes are split so concurrent updaters race on the version
// exactly like the durable backends do.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*types.Session
	byCallID   map[string]string
	maxRetries int
	now        func() time.Time
	closed     bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(maxRetries int) *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*types.Session),
		byCallID:   make(map[string]string),
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return interfaces.ErrDuplicateSession
	}
	if _, exists := m.byCallID[s.CallID]; exists {
		return interfaces.ErrDuplicateSession
	}
	rec := prepareInsert(s, m.now())
	m.sessions[rec.ID] = rec
	m.byCallID[rec.CallID] = rec.ID
	return nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) FindByCallID(ctx context.Context, callID string) (*types.Session, error) {
	m.mu.RLock()
	id, ok := m.byCallID[callID]
	m.mu.RUnlock()
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return m.FindByID(ctx, id)
}

func (m *MemoryStore) UpdateConditional(ctx context.Context, id string, check interfaces.Predicate, mutate interfaces.Mutation) (*types.Session, error) {
	return withRetries(ctx, m.maxRetries, func() (*types.Session, error) {
		current, err := m.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := applyUpdate(current, check, mutate, m.now())
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		stored, ok := m.sessions[id]
		if !ok || stored.Version != current.Version {
			return nil, errCASMiss
		}
		m.sessions[id] = next
		return next.Clone(), nil
	})
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return interfaces.ErrSessionNotFound
	}
	delete(m.byCallID, s.CallID)
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ListActive(ctx context.Context, visibility types.Visibility, limit int) ([]*types.Session, error) {
	m.mu.RLock()
	var out []*types.Session
	for _, s := range m.sessions {
		if matchesActive(s, visibility) {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountActive(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if s.Status == types.StatusActive {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
