package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	dbconfig "coderoom/pkg/database"
	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

const sessionColumns = `id, call_id, host_id, participants, max_participants, problem_list,
	active_problem, active_difficulty, language, visibility, code, status,
	focus_mode_enabled, focus_events, created_at, updated_at, ended_at, version`

// SQLiteStore is the default SessionRepository. Reads go straight to the
// pool; every write is funneled through a single writer goroutine.
type SQLiteStore struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          logrus.FieldLogger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	stopped      chan struct{}
	wg           sync.WaitGroup
	maxRetries   int
	now          func() time.Time

	mu     sync.RWMutex
	closed bool
}

type writeOperation struct {
	ctx       context.Context
	operation func(*sql.DB) error
	result    chan error
}

// NewSQLiteStore opens the database and starts the writer.
func NewSQLiteStore(config *dbconfig.Config, maxRetries int, logger logrus.FieldLogger) (*SQLiteStore, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{
		db:           db,
		config:       config,
		log:          logger.WithField("component", "sqlite"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		maxRetries:   maxRetries,
		now:          func() time.Time { return time.Now().UTC() },
	}

	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Migrate applies the embedded migrations and validates the result.
func (s *SQLiteStore) Migrate() ([]string, error) {
	mm := dbconfig.NewMigrationManager(s.db)
	applied, err := mm.ApplyMigrations()
	if err != nil {
		return applied, err
	}
	if err := mm.ValidateSchema(); err != nil {
		return applied, fmt.Errorf("schema validation failed: %w", err)
	}
	return applied, nil
}

// DB returns the underlying pool.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) writeLoop() {
	defer s.wg.Done()
	defer close(s.stopped)

	for {
		select {
		case op := <-s.writeChannel:
			op.result <- s.runWrite(op)
		case <-s.shutdown:
			s.log.Debug("write loop shutting down")
			s.rejectPending()
			return
		}
	}
}

// rejectPending fails writes still queued at shutdown.
func (s *SQLiteStore) rejectPending() {
	for {
		select {
		case op := <-s.writeChannel:
			op.result <- ErrStoreClosed
		default:
			return
		}
	}
}

// runWrite executes one write, retrying while sqlite reports the file busy.
func (s *SQLiteStore) runWrite(op writeOperation) error {
	backoff := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := op.operation(s.db)
		if err == nil || !isBusy(err) || attempt == 3 {
			return err
		}
		s.log.WithError(err).WithField("attempt", attempt).Warn("database busy, retrying write")
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-op.ctx.Done():
			return op.ctx.Err()
		}
	}
}

func (s *SQLiteStore) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(s.config.WriteTimeout)
	defer timer.Stop()

	select {
	case s.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return ErrStoreClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		// The op may have been queued after the writer drained.
		select {
		case err := <-result:
			return err
		default:
			return ErrStoreClosed
		}
	}
}

func (s *SQLiteStore) Create(ctx context.Context, session *types.Session) error {
	rec := prepareInsert(session, s.now())
	return s.executeWrite(ctx, func(db *sql.DB) error {
		args, err := sessionArgs(rec)
		if err != nil {
			return err
		}
		query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicateSession
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) FindByCallID(ctx context.Context, callID string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE call_id = ?`, callID)
	return scanSession(row)
}

// UpdateConditional runs the read, check and versioned write inside one
// transaction on the writer goroutine.
func (s *SQLiteStore) UpdateConditional(ctx context.Context, id string, check interfaces.Predicate, mutate interfaces.Mutation) (*types.Session, error) {
	return withRetries(ctx, s.maxRetries, func() (*types.Session, error) {
		var updated *types.Session
		err := s.executeWrite(ctx, func(db *sql.DB) error {
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("failed to begin transaction: %w", err)
			}
			defer func() { _ = tx.Rollback() }()

			current, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
			if err != nil {
				return err
			}
			next, err := applyUpdate(current, check, mutate, s.now())
			if err != nil {
				return err
			}

			args, err := sessionArgs(next)
			if err != nil {
				return err
			}
			// args[0] is id; the remaining columns are assigned in order.
			res, err := tx.ExecContext(ctx, `
				UPDATE sessions SET
					call_id = ?, host_id = ?, participants = ?, max_participants = ?, problem_list = ?,
					active_problem = ?, active_difficulty = ?, language = ?, visibility = ?, code = ?, status = ?,
					focus_mode_enabled = ?, focus_events = ?, created_at = ?, updated_at = ?, ended_at = ?, version = ?
				WHERE id = ? AND version = ?`,
				append(args[1:], next.ID, current.Version)...,
			)
			if err != nil {
				return fmt.Errorf("failed to update session: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read rows affected: %w", err)
			}
			if n == 0 {
				return errCASMiss
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("failed to commit session update: %w", err)
			}
			updated = next
			return nil
		})
		return updated, err
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrSessionNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) ListActive(ctx context.Context, visibility types.Visibility, limit int) ([]*types.Session, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + sessionColumns + ` FROM sessions WHERE status = ?`)
	args := []interface{}{string(types.StatusActive)}
	if visibility != "" {
		b.WriteString(` AND visibility = ?`)
		args = append(args, string(visibility))
	}
	b.WriteString(` ORDER BY created_at DESC`)
	if limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status = ?`, string(types.StatusActive)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the pool. It is safe to call twice.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		session                              types.Session
		participants, problems, focusEvents  string
		difficulty, language, visibility, st string
		focusMode                            bool
		endedAt                              sql.NullTime
	)
	err := row.Scan(
		&session.ID,
		&session.CallID,
		&session.HostID,
		&participants,
		&session.MaxParticipants,
		&problems,
		&session.ActiveProblem,
		&difficulty,
		&language,
		&visibility,
		&session.Code,
		&st,
		&focusMode,
		&focusEvents,
		&session.CreatedAt,
		&session.UpdatedAt,
		&endedAt,
		&session.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if err := json.Unmarshal([]byte(participants), &session.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}
	if err := json.Unmarshal([]byte(problems), &session.ProblemList); err != nil {
		return nil, fmt.Errorf("failed to unmarshal problem list: %w", err)
	}
	if err := json.Unmarshal([]byte(focusEvents), &session.FocusEvents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal focus events: %w", err)
	}
	session.ActiveDifficulty = types.Difficulty(difficulty)
	session.Language = types.Language(language)
	session.Visibility = types.Visibility(visibility)
	session.Status = types.Status(st)
	session.FocusModeEnabled = focusMode
	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	}
	return &session, nil
}

// sessionArgs returns the column values in sessionColumns order.
func sessionArgs(s *types.Session) ([]interface{}, error) {
	participants, err := jsonColumn(s.Participants)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal participants: %w", err)
	}
	problems, err := jsonColumn(s.ProblemList)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal problem list: %w", err)
	}
	focusEvents, err := jsonColumn(s.FocusEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal focus events: %w", err)
	}
	var endedAt sql.NullTime
	if s.EndedAt != nil {
		endedAt = sql.NullTime{Time: s.EndedAt.UTC(), Valid: true}
	}
	return []interface{}{
		s.ID,
		s.CallID,
		s.HostID,
		participants,
		s.MaxParticipants,
		problems,
		s.ActiveProblem,
		string(s.ActiveDifficulty),
		string(s.Language),
		string(s.Visibility),
		s.Code,
		string(s.Status),
		s.FocusModeEnabled,
		focusEvents,
		s.CreatedAt.UTC(),
		s.UpdatedAt.UTC(),
		endedAt,
		s.Version,
	}, nil
}

// jsonColumn encodes a slice, storing nil as an empty array.
func jsonColumn[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
