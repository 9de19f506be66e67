// Package mongostore stores pastes as MongoDB documents.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pastebin-lite/internal/storage"
)

const collectionName = "pastes"

type document struct {
	ID         string     `bson:"_id"`
	Content    string     `bson:"content"`
	CreatedAt  time.Time  `bson:"created_at"`
	TTLSeconds int        `bson:"ttl_seconds,omitempty"`
	ExpiresAt  *time.Time `bson:"expires_at,omitempty"`
	MaxViews   int        `bson:"max_views,omitempty"`
	ViewCount  int        `bson:"view_count"`
}

// Store implements storage.Store on MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Options configures the connection.
type Options struct {
	URI      string
	Database string
	// NoServerExpiry skips the TTL index, leaving expired pastes for
	// DeleteExpired.
	NoServerExpiry bool
}

// Open connects to the server, pings it and ensures indexes on
// <Database>.pastes.
func Open(ctx context.Context, opts Options) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	store := &Store{
		client:     client,
		collection: client.Database(opts.Database).Collection(collectionName),
	}
	if opts.NoServerExpiry {
		return store, nil
	}
	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

// createIndexes adds a TTL index so the server reclaims expired pastes on its
// own schedule, in addition to the janitor.
func (s *Store) createIndexes(ctx context.Context) error {
	ttlIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	if _, err := s.collection.Indexes().CreateOne(ctx, ttlIndex); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Save inserts a paste; an existing id yields storage.ErrDuplicate.
func (s *Store) Save(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}
	doc := document{
		ID:         paste.ID,
		Content:    paste.Content,
		CreatedAt:  paste.CreatedAt.UTC(),
		TTLSeconds: paste.TTLSeconds,
		MaxViews:   paste.MaxViews,
		ViewCount:  paste.ViewCount,
	}
	if paste.HasExpiration() {
		exp := paste.ExpiresAt.UTC()
		doc.ExpiresAt = &exp
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("save paste: %w", err)
	}
	return nil
}

// Get fetches a paste by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get paste: %w", err)
	}
	p := &storage.Paste{
		ID:         doc.ID,
		Content:    doc.Content,
		CreatedAt:  doc.CreatedAt.UTC(),
		TTLSeconds: doc.TTLSeconds,
		MaxViews:   doc.MaxViews,
		ViewCount:  doc.ViewCount,
	}
	if doc.ExpiresAt != nil {
		p.ExpiresAt = doc.ExpiresAt.UTC()
	}
	return p, nil
}

// IncrementViews adds one view unless the paste's view limit is reached. The
// limit check sits in the update filter, so the whole step is one atomic
// document update.
func (s *Store) IncrementViews(ctx context.Context, id string) (int, error) {
	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"max_views": bson.M{"$exists": false}},
			bson.M{"$expr": bson.M{"$lt": bson.A{"$view_count", "$max_views"}}},
		},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"view_count": 1})
	var doc struct {
		ViewCount int `bson:"view_count"`
	}
	err := s.collection.FindOneAndUpdate(ctx, filter, bson.M{"$inc": bson.M{"view_count": 1}}, opts).Decode(&doc)
	if err == nil {
		return doc.ViewCount, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("increment views: %w", err)
	}
	n, err := s.collection.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return 0, fmt.Errorf("count paste: %w", err)
	}
	if n == 0 {
		return 0, storage.ErrNotFound
	}
	return 0, storage.ErrExhausted
}

// DeleteExpired removes pastes whose expiry is at or before the given time.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": before.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return int(res.DeletedCount), nil
}

// Ping checks the server connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
