package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

const (
	sessionKeyPrefix = "coderoom:session:"
	callIDKeyPrefix  = "coderoom:callid:"
	// activeSessionsKey is a sorted set of active session IDs scored by creation time.
	activeSessionsKey = "coderoom:sessions:active"
)

// RedisStore is a SessionRepository on Redis using WATCH/MULTI/EXEC for
// optimistic locking. Records are JSON strings without a TTL.
type RedisStore struct {
	client     *redis.Client
	log        logrus.FieldLogger
	maxRetries int
	now        func() time.Time
}

// NewRedisStore parses the URL, configures the pool and pings the server.
func NewRedisStore(ctx context.Context, redisURL string, maxRetries int, logger logrus.FieldLogger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, maxRetries, logger), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, maxRetries int, logger logrus.FieldLogger) *RedisStore {
	return &RedisStore{
		client:     client,
		log:        logger.WithField("component", "redis"),
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) Create(ctx context.Context, session *types.Session) error {
	rec := prepareInsert(session, s.now())
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	key, callKey := sessionKey(rec.ID), callIDKey(rec.CallID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key, callKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return interfaces.ErrDuplicateSession
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, 0)
			pipe.Set(ctx, callKey, rec.ID, 0)
			s.indexActive(ctx, pipe, rec)
			return nil
		})
		return err
	}, key, callKey)

	if errors.Is(err, redis.TxFailedErr) {
		return interfaces.ErrDuplicateSession
	}
	return err
}

func (s *RedisStore) FindByID(ctx context.Context, id string) (*types.Session, error) {
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) FindByCallID(ctx context.Context, callID string) (*types.Session, error) {
	id, err := s.client.Get(ctx, callIDKey(callID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve call id: %w", err)
	}
	return s.get(ctx, s.client, id)
}

// stringGetter is satisfied by both the client and a watched transaction.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c stringGetter, id string) (*types.Session, error) {
	val, err := c.Get(ctx, sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var session types.Session
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *RedisStore) UpdateConditional(ctx context.Context, id string, check interfaces.Predicate, mutate interfaces.Mutation) (*types.Session, error) {
	key := sessionKey(id)
	return withRetries(ctx, s.maxRetries, func() (*types.Session, error) {
		var updated *types.Session
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.get(ctx, tx, id)
			if err != nil {
				return err
			}
			next, err := applyUpdate(current, check, mutate, s.now())
			if err != nil {
				return err
			}
			val, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to marshal session: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, val, 0)
				s.indexActive(ctx, pipe, next)
				return nil
			})
			if err != nil {
				return err
			}
			updated = next
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			return nil, errCASMiss
		}
		return updated, err
	})
}

// indexActive keeps the active set in step with the record status.
func (s *RedisStore) indexActive(ctx context.Context, pipe redis.Pipeliner, rec *types.Session) {
	if rec.Status == types.StatusActive {
		pipe.ZAdd(ctx, activeSessionsKey, redis.Z{Score: float64(rec.CreatedAt.UnixNano()), Member: rec.ID})
	} else {
		pipe.ZRem(ctx, activeSessionsKey, rec.ID)
	}
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id), callIDKey(current.CallID))
		pipe.ZRem(ctx, activeSessionsKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) ListActive(ctx context.Context, visibility types.Visibility, limit int) ([]*types.Session, error) {
	ids, err := s.client.ZRevRange(ctx, activeSessionsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read active index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}

	var sessions []*types.Session
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			s.log.WithField("session_id", ids[i]).Warn("active index points at a missing session")
			continue
		}
		var session types.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session: %w", err)
		}
		if !matchesActive(&session, visibility) {
			continue
		}
		sessions = append(sessions, &session)
		if limit > 0 && len(sessions) == limit {
			break
		}
	}
	return sessions, nil
}

func (s *RedisStore) CountActive(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, activeSessionsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func callIDKey(callID string) string {
	return callIDKeyPrefix + callID
}
