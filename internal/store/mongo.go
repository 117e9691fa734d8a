package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// MongoStore implements Store backed by MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// MongoConfig holds connection settings for the Mongo store.
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// NewMongo connects to MongoDB, verifies the connection with a ping, and
// bootstraps the unique indexes. A failure here is fatal to the process; the
// caller exits non-zero rather than running without a coordination store.
func NewMongo(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri must be set")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo database must be set")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &MongoStore{
		client: client,
		db:     client.Database(cfg.Database),
		logger: logger,
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	logger.Info("Connected to MongoDB", zap.String("database", cfg.Database))
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	for coll, key := range UniqueKeys {
		_, err := s.db.Collection(coll).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: key, Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("index %s.%s: %w", coll, key, err)
		}
	}
	// Non-unique indexes backing the hot selection queries.
	secondary := map[string]string{
		CollWorkQueue:     "status",
		CollOrganizations: "stage",
		CollPeople:        "stage",
		CollLocks:         "expires_at",
	}
	for coll, key := range secondary {
		_, err := s.db.Collection(coll).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: key, Value: 1}},
		})
		if err != nil {
			return fmt.Errorf("index %s.%s: %w", coll, key, err)
		}
	}
	return nil
}

// Collection returns a Collection bound to the named Mongo collection.
func (s *MongoStore) Collection(name string) Collection {
	return &mongoCollection{coll: s.db.Collection(name)}
}

// Ping verifies connectivity to the primary.
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c *mongoCollection) InsertOne(ctx context.Context, doc any) error {
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert one: %w", err)
	}
	return nil
}

func (c *mongoCollection) UpsertOne(ctx context.Context, filter M, update M) error {
	_, err := c.coll.UpdateOne(ctx, bson.M(filter), bson.M(update), options.Update().SetUpsert(true))
	if err != nil {
		// Concurrent upserts on the same unique key can race to insert; the
		// loser surfaces a duplicate error even though the document now exists.
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("upsert one: %w", err)
	}
	return nil
}

func (c *mongoCollection) UpdateOne(ctx context.Context, filter M, update M) (bool, error) {
	res, err := c.coll.UpdateOne(ctx, bson.M(filter), bson.M(update))
	if err != nil {
		return false, fmt.Errorf("update one: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (c *mongoCollection) FindOne(ctx context.Context, filter M, out any) error {
	err := c.coll.FindOne(ctx, bson.M(filter)).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find one: %w", err)
	}
	return nil
}

func (c *mongoCollection) FindOneAndUpdate(ctx context.Context, filter M, update M, sort []SortField, out any) error {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if len(sort) > 0 {
		opts.SetSort(sortDoc(sort))
	}
	err := c.coll.FindOneAndUpdate(ctx, bson.M(filter), bson.M(update), opts).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find one and update: %w", err)
	}
	return nil
}

func (c *mongoCollection) Find(ctx context.Context, filter M, sort []SortField, limit int64, out any) error {
	opts := options.Find()
	if len(sort) > 0 {
		opts.SetSort(sortDoc(sort))
	}
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := c.coll.Find(ctx, bson.M(filter), opts)
	if err != nil {
		return fmt.Errorf("find: %w", err)
	}
	if err := cur.All(ctx, out); err != nil {
		return fmt.Errorf("decode find results: %w", err)
	}
	return nil
}

func (c *mongoCollection) DeleteOne(ctx context.Context, filter M) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, bson.M(filter))
	if err != nil {
		return 0, fmt.Errorf("delete one: %w", err)
	}
	return res.DeletedCount, nil
}

func (c *mongoCollection) DeleteMany(ctx context.Context, filter M) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, bson.M(filter))
	if err != nil {
		return 0, fmt.Errorf("delete many: %w", err)
	}
	return res.DeletedCount, nil
}

func (c *mongoCollection) Count(ctx context.Context, filter M) (int64, error) {
	n, err := c.coll.CountDocuments(ctx, bson.M(filter))
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func sortDoc(sort []SortField) bson.D {
	d := make(bson.D, 0, len(sort))
	for _, f := range sort {
		order := 1
		if f.Desc {
			order = -1
		}
		d = append(d, bson.E{Key: f.Field, Value: order})
	}
	return d
}
