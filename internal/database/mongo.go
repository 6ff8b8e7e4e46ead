package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

// CollectionSessions holds one document per session.
const CollectionSessions = "sessions"

// MongoStore is a SessionRepository on MongoDB. Conditional updates replace
// the whole document filtered on its version.
type MongoStore struct {
	client     *mongo.Client
	coll       *mongo.Collection
	log        logrus.FieldLogger
	maxRetries int
	now        func() time.Time
}

// NewMongoStore connects, pings and ensures indexes.
func NewMongoStore(ctx context.Context, uri, dbName string, maxRetries int, logger logrus.FieldLogger) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	if dbName == "" {
		dbName = "coderoom"
	}
	s := &MongoStore{
		client:     client,
		coll:       client.Database(dbName).Collection(CollectionSessions),
		log:        logger.WithFields(logrus.Fields{"component": "mongo", "database": dbName}),
		maxRetries: maxRetries,
		// BSON dates carry millisecond precision.
		now: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	if err := s.EnsureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.log.Info("connected to MongoDB")
	return s, nil
}

// EnsureIndexes creates the unique call ID index and the listing index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "callId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "visibility", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "hostId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create sessions indexes: %w", err)
	}
	return nil
}

// MigrateLegacyParticipants folds the legacy single "participant" field into
// the participants list and removes it. It returns the documents modified.
func (s *MongoStore) MigrateLegacyParticipants(ctx context.Context) (int64, error) {
	participants := bson.M{"$ifNull": bson.A{"$participants", bson.A{}}}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"participants": bson.M{"$cond": bson.A{
				bson.M{"$or": bson.A{
					bson.M{"$in": bson.A{"$participant", bson.A{nil, ""}}},
					bson.M{"$eq": bson.A{"$participant", "$hostId"}},
					bson.M{"$in": bson.A{"$participant", participants}},
				}},
				participants,
				bson.M{"$concatArrays": bson.A{participants, bson.A{"$participant"}}},
			}},
			"version": bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$version", 0}}, 1}},
		}}},
		{{Key: "$unset", Value: "participant"}},
	}

	res, err := s.coll.UpdateMany(ctx, bson.M{"participant": bson.M{"$exists": true}}, pipeline)
	if err != nil {
		return 0, fmt.Errorf("failed to migrate legacy participants: %w", err)
	}
	s.log.WithField("modified", res.ModifiedCount).Info("legacy participant migration complete")
	return res.ModifiedCount, nil
}

func (s *MongoStore) Create(ctx context.Context, session *types.Session) error {
	rec := prepareInsert(session, s.now())
	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return interfaces.ErrDuplicateSession
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (*types.Session, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) FindByCallID(ctx context.Context, callID string) (*types.Session, error) {
	return s.findOne(ctx, bson.M{"callId": callID})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*types.Session, error) {
	var session types.Session
	if err := s.coll.FindOne(ctx, filter).Decode(&session); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return &session, nil
}

func (s *MongoStore) UpdateConditional(ctx context.Context, id string, check interfaces.Predicate, mutate interfaces.Mutation) (*types.Session, error) {
	return withRetries(ctx, s.maxRetries, func() (*types.Session, error) {
		current, err := s.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := applyUpdate(current, check, mutate, s.now())
		if err != nil {
			return nil, err
		}

		res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": id, "version": current.Version}, next)
		if err != nil {
			return nil, fmt.Errorf("failed to replace session: %w", err)
		}
		if res.MatchedCount == 0 {
			return nil, errCASMiss
		}
		return next, nil
	})
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if res.DeletedCount == 0 {
		return interfaces.ErrSessionNotFound
	}
	return nil
}

func (s *MongoStore) ListActive(ctx context.Context, visibility types.Visibility, limit int) ([]*types.Session, error) {
	filter := bson.M{"status": types.StatusActive}
	if visibility != "" {
		filter["visibility"] = visibility
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var sessions []*types.Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode active sessions: %w", err)
	}
	return sessions, nil
}

func (s *MongoStore) CountActive(ctx context.Context) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"status": types.StatusActive})
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return int(n), nil
}

func (s *MongoStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongo ping failed: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
