package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

var errTestRoomFull = fmt.Errorf("%w: room full", types.ErrConflict)

func newTestSession(id string) *types.Session {
	return &types.Session{
		ID:               id,
		CallID:           "call-" + id,
		HostID:           "host",
		MaxParticipants:  2,
		ProblemList:      []types.Problem{{Title: "Two Sum", Difficulty: types.DifficultyEasy}},
		ActiveProblem:    "Two Sum",
		ActiveDifficulty: types.DifficultyEasy,
		Language:         types.LanguageJavaScript,
		Visibility:       types.VisibilityPublic,
		Status:           types.StatusActive,
	}
}

// admit appends userID iff the room has space; mirrors the admission predicate.
func admit(userID string) (interfaces.Predicate, interfaces.Mutation) {
	check := func(s *types.Session) error {
		if s.Occupancy() >= s.MaxParticipants {
			return errTestRoomFull
		}
		return nil
	}
	mutate := func(s *types.Session) error {
		s.Participants = append(s.Participants, userID)
		return nil
	}
	return check, mutate
}

// runRepositoryContract exercises the behavior every backend must share.
func runRepositoryContract(t *testing.T, newStore func(t *testing.T) interfaces.SessionRepository) {
	ctx := context.Background()

	t.Run("create and find", func(t *testing.T) {
		repo := newStore(t)
		if err := repo.Create(ctx, newTestSession("s1")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := repo.FindByID(ctx, "s1")
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if got.CallID != "call-s1" || got.Version != 1 || got.CreatedAt.IsZero() {
			t.Errorf("unexpected stored record: %+v", got)
		}
		if len(got.ProblemList) != 1 || got.ProblemList[0].Title != "Two Sum" {
			t.Errorf("problem list not round-tripped: %+v", got.ProblemList)
		}

		byCall, err := repo.FindByCallID(ctx, "call-s1")
		if err != nil || byCall.ID != "s1" {
			t.Errorf("FindByCallID = %v, %v", byCall, err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		repo := newStore(t)
		if _, err := repo.FindByID(ctx, "missing"); !errors.Is(err, interfaces.ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
		if _, err := repo.FindByCallID(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("expected NotFound kind, got %v", err)
		}
		_, err := repo.UpdateConditional(ctx, "missing", nil, func(s *types.Session) error { return nil })
		if !errors.Is(err, interfaces.ErrSessionNotFound) {
			t.Errorf("update of missing record should be NotFound, got %v", err)
		}
	})

	t.Run("duplicate id and call id", func(t *testing.T) {
		repo := newStore(t)
		if err := repo.Create(ctx, newTestSession("s1")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := repo.Create(ctx, newTestSession("s1")); !errors.Is(err, interfaces.ErrDuplicateSession) {
			t.Errorf("duplicate id should conflict, got %v", err)
		}
		dup := newTestSession("s2")
		dup.CallID = "call-s1"
		if err := repo.Create(ctx, dup); !errors.Is(err, types.ErrConflict) {
			t.Errorf("duplicate call id should conflict, got %v", err)
		}
	})

	t.Run("conditional update bumps version", func(t *testing.T) {
		repo := newStore(t)
		if err := repo.Create(ctx, newTestSession("s1")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		check, mutate := admit("alice")
		got, err := repo.UpdateConditional(ctx, "s1", check, mutate)
		if err != nil {
			t.Fatalf("UpdateConditional failed: %v", err)
		}
		if got.Version != 2 || len(got.Participants) != 1 {
			t.Errorf("unexpected updated record: version=%d participants=%v", got.Version, got.Participants)
		}

		stored, _ := repo.FindByID(ctx, "s1")
		if stored.Version != 2 || stored.Participants[0] != "alice" {
			t.Errorf("update not persisted: %+v", stored)
		}
	})

	t.Run("predicate error leaves record untouched", func(t *testing.T) {
		repo := newStore(t)
		s := newTestSession("s1")
		s.Participants = []string{"alice"}
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		check, mutate := admit("bob")
		if _, err := repo.UpdateConditional(ctx, "s1", check, mutate); !errors.Is(err, errTestRoomFull) {
			t.Fatalf("expected room full, got %v", err)
		}
		stored, _ := repo.FindByID(ctx, "s1")
		if stored.Version != 1 || len(stored.Participants) != 1 {
			t.Errorf("record changed after rejected predicate: %+v", stored)
		}
	})

	t.Run("mutation cannot rewrite identity", func(t *testing.T) {
		repo := newStore(t)
		if err := repo.Create(ctx, newTestSession("s1")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		got, err := repo.UpdateConditional(ctx, "s1", nil, func(s *types.Session) error {
			s.ID = "other"
			s.CallID = "other"
			s.Code = "x"
			return nil
		})
		if err != nil {
			t.Fatalf("UpdateConditional failed: %v", err)
		}
		if got.ID != "s1" || got.CallID != "call-s1" || got.Code != "x" {
			t.Errorf("identity fields changed: %+v", got)
		}
	})

	t.Run("concurrent joins for last slot", func(t *testing.T) {
		repo := newStore(t)
		s := newTestSession("s1")
		s.MaxParticipants = 3
		s.Participants = []string{"alice"}
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		var wins, full int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				check, mutate := admit(fmt.Sprintf("user-%d", i))
				_, err := repo.UpdateConditional(ctx, "s1", check, mutate)
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case errors.Is(err, errTestRoomFull), errors.Is(err, interfaces.ErrVersionConflict):
					atomic.AddInt32(&full, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if wins != 1 {
			t.Errorf("expected exactly one winner, got %d", wins)
		}
		stored, _ := repo.FindByID(ctx, "s1")
		if stored.Occupancy() > stored.MaxParticipants {
			t.Errorf("capacity exceeded: %d > %d", stored.Occupancy(), stored.MaxParticipants)
		}
		if len(stored.Participants) != 2 {
			t.Errorf("expected 2 participants, got %v", stored.Participants)
		}
	})

	t.Run("delete", func(t *testing.T) {
		repo := newStore(t)
		if err := repo.Create(ctx, newTestSession("s1")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := repo.Delete(ctx, "s1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.FindByID(ctx, "s1"); !errors.Is(err, interfaces.ErrSessionNotFound) {
			t.Errorf("deleted record still visible: %v", err)
		}
		if _, err := repo.FindByCallID(ctx, "call-s1"); !errors.Is(err, interfaces.ErrSessionNotFound) {
			t.Errorf("call id index not cleared: %v", err)
		}
		if err := repo.Create(ctx, newTestSession("s1")); err != nil {
			t.Errorf("call id should be reusable after delete: %v", err)
		}
	})

	t.Run("list and count active", func(t *testing.T) {
		repo := newStore(t)
		base := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
		for i, vis := range []types.Visibility{types.VisibilityPublic, types.VisibilityPrivate, types.VisibilityPublic} {
			s := newTestSession(fmt.Sprintf("s%d", i))
			s.Visibility = vis
			s.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			if err := repo.Create(ctx, s); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}
		pending := newTestSession("pending")
		pending.Status = types.StatusProvisioning
		if err := repo.Create(ctx, pending); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if _, err := repo.UpdateConditional(ctx, "s2", nil, func(s *types.Session) error {
			s.Status = types.StatusCompleted
			return nil
		}); err != nil {
			t.Fatalf("complete failed: %v", err)
		}

		public, err := repo.ListActive(ctx, types.VisibilityPublic, 0)
		if err != nil {
			t.Fatalf("ListActive failed: %v", err)
		}
		if len(public) != 1 || public[0].ID != "s0" {
			t.Errorf("expected only s0 in public listing, got %d sessions", len(public))
		}

		all, err := repo.ListActive(ctx, "", 0)
		if err != nil {
			t.Fatalf("ListActive failed: %v", err)
		}
		if len(all) != 2 || all[0].ID != "s1" || all[1].ID != "s0" {
			t.Errorf("expected [s1 s0] newest first, got %d sessions", len(all))
		}

		limited, _ := repo.ListActive(ctx, "", 1)
		if len(limited) != 1 {
			t.Errorf("limit not applied: %d", len(limited))
		}

		n, err := repo.CountActive(ctx)
		if err != nil || n != 2 {
			t.Errorf("CountActive = %d, %v; want 2", n, err)
		}
	})

	t.Run("health check", func(t *testing.T) {
		repo := newStore(t)
		if err := repo.HealthCheck(ctx); err != nil {
			t.Errorf("HealthCheck failed: %v", err)
		}
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) interfaces.SessionRepository {
		return NewMemoryStore(0)
	})
}

func TestSQLiteStore_Contract(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) interfaces.SessionRepository {
		return newTestSQLiteStore(t)
	})
}
