package database

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	dbconfig "coderoom/pkg/database"
	"coderoom/pkg/interfaces"
)

// Repository drivers.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Options selects and configures a repository backend.
type Options struct {
	Driver        string
	SQLite        *dbconfig.Config
	MongoURI      string
	MongoDatabase string
	RedisURL      string
	MaxRetries    int
}

// Open builds the configured SessionRepository. sqlite stores are migrated
// before they are returned.
func Open(ctx context.Context, opts Options, logger logrus.FieldLogger) (interfaces.SessionRepository, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		cfg := opts.SQLite
		if cfg == nil {
			cfg = dbconfig.DefaultConfig()
		}
		store, err := NewSQLiteStore(cfg, opts.MaxRetries, logger)
		if err != nil {
			return nil, err
		}
		applied, err := store.Migrate()
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to migrate sqlite store: %w", err)
		}
		if len(applied) > 0 {
			logger.WithField("versions", applied).Info("applied database migrations")
		}
		return store, nil

	case DriverMongo:
		return NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase, opts.MaxRetries, logger)

	case DriverRedis:
		return NewRedisStore(ctx, opts.RedisURL, opts.MaxRetries, logger)

	case DriverMemory:
		return NewMemoryStore(opts.MaxRetries), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}
