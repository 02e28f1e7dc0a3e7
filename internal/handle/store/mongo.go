package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"handle.lopezb.com/internal/handle/username"
)

// duplicateKeyCode is the MongoDB server error code for a unique index
// violation.
const duplicateKeyCode = 11000

// MongoOptions configures a MongoStore connection.
type MongoOptions struct {
	URI                    string
	Database               string
	Collection             string
	ServerSelectionTimeout time.Duration
	SocketTimeout          time.Duration
	MaxPoolSize            uint64
	MinPoolSize            uint64
	MaxConnIdleTime        time.Duration
}

// DefaultMongoOptions returns connection settings tuned for a single
// service instance talking to a nearby replica set.
func DefaultMongoOptions() MongoOptions {
	return MongoOptions{
		URI:                    "mongodb://localhost:27017",
		Database:               "username-checker",
		Collection:             "users",
		ServerSelectionTimeout: 10 * time.Second,
		SocketTimeout:          45 * time.Second,
		MaxPoolSize:            10,
		MinPoolSize:            5,
		MaxConnIdleTime:        30 * time.Second,
	}
}

// MongoStore keeps one document per taken username in a collection with a
// unique index on the username field.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// OpenMongo connects, verifies the connection and ensures the unique index
// exists.
func OpenMongo(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetServerSelectionTimeout(opts.ServerSelectionTimeout).
		SetSocketTimeout(opts.SocketTimeout).
		SetMaxPoolSize(opts.MaxPoolSize).
		SetMinPoolSize(opts.MinPoolSize).
		SetMaxConnIdleTime(opts.MaxConnIdleTime)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrUnavailable, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping: %w", ErrUnavailable, err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(opts.Database).Collection(opts.Collection),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("username_unique"),
	})
	if err != nil {
		return fmt.Errorf("%w: create username index: %w", ErrUnavailable, err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// FindOne implements Finder.
func (s *MongoStore) FindOne(ctx context.Context, name string) (Record, bool, error) {
	var rec Record
	err := s.coll.FindOne(ctx, bson.D{{Key: "username", Value: username.Fold(name)}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: find one: %w", ErrUnavailable, err)
	}
	return rec, true, nil
}

// FindAll implements Source. The cursor batch size matches the page size,
// so at most one page is buffered client side.
func (s *MongoStore) FindAll(ctx context.Context, pageSize int, fn func(page []string) error) error {
	pageSize = pageSizeOrDefault(pageSize)

	findOpts := options.Find().
		SetProjection(bson.D{{Key: "username", Value: 1}, {Key: "_id", Value: 0}}).
		SetBatchSize(int32(min(pageSize, 1<<30)))

	cur, err := s.coll.Find(ctx, bson.D{}, findOpts)
	if err != nil {
		return fmt.Errorf("%w: find: %w", ErrUnavailable, err)
	}
	defer func() { _ = cur.Close(context.Background()) }()

	page := make([]string, 0, pageSize)
	for cur.Next(ctx) {
		var rec Record
		if err := cur.Decode(&rec); err != nil {
			return fmt.Errorf("decode username record: %w", err)
		}
		page = append(page, rec.Username)

		if len(page) == pageSize {
			if err := fn(page); err != nil {
				return err
			}
			page = make([]string, 0, pageSize)
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("%w: cursor: %w", ErrUnavailable, err)
	}

	if len(page) > 0 {
		return fn(page)
	}
	return nil
}

// Count implements Counter using the collection metadata estimate, which
// is all a sizing hint needs.
func (s *MongoStore) Count(ctx context.Context) (int64, error) {
	n, err := s.coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrUnavailable, err)
	}
	return n, nil
}

// Insert implements Writer. Uniqueness is enforced by the index, which
// makes concurrent claims of the same name safe.
func (s *MongoStore) Insert(ctx context.Context, name string) error {
	_, err := s.coll.InsertOne(ctx, Record{Username: username.Fold(name)})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("%w: insert: %w", ErrUnavailable, err)
	}
	return nil
}

// InsertMany implements Writer with an unordered bulk insert: duplicates
// are skipped and the rest of the batch still lands.
func (s *MongoStore) InsertMany(ctx context.Context, names []string) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}

	docs := make([]interface{}, len(names))
	for i, name := range names {
		docs[i] = Record{Username: username.Fold(name)}
	}

	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return insertedCount(len(docs), err)
}

// insertedCount interprets an unordered InsertMany result. Duplicate-key
// write errors are expected and only reduce the count; anything else is an
// availability failure.
func insertedCount(attempted int, err error) (int, error) {
	if err == nil {
		return attempted, nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return 0, fmt.Errorf("%w: insert many: %w", ErrUnavailable, err)
	}

	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKeyCode {
			return 0, fmt.Errorf("%w: insert many: %w", ErrUnavailable, err)
		}
	}
	return attempted - len(bwe.WriteErrors), nil
}

// DeleteAll implements Writer.
func (s *MongoStore) DeleteAll(ctx context.Context) error {
	if _, err := s.coll.DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("%w: delete all: %w", ErrUnavailable, err)
	}
	return nil
}
