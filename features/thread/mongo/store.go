// Package mongo provides a MongoDB-backed thread store. Threads are stored
// one document per thread with a TTL index on the expiry field so MongoDB
// reaps expired records in the background; the registry still performs the
// exact expiry check on read.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/threads/thread"
)

// Store is a MongoDB implementation of thread.Store.
type Store struct {
	collection *mongo.Collection
}

var _ thread.Store = (*Store)(nil)

// threadDocument is the MongoDB document representation of a Thread.
type threadDocument struct {
	ID        string         `bson:"_id"`
	Metadata  map[string]any `bson:"metadata,omitempty"`
	Context   map[string]any `bson:"context,omitempty"`
	Status    string         `bson:"status"`
	CreatedAt time.Time      `bson:"created_at"`
	ExpiresAt *time.Time     `bson:"expires_at,omitempty"`
}

// New creates a MongoDB store using the provided collection. The collection
// should be from a connected MongoDB client. Call EnsureIndexes once at
// startup so expired threads are reaped.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// EnsureIndexes creates the TTL index on the expiry field. MongoDB deletes
// documents once expires_at passes; documents without the field never expire.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	if _, err := s.collection.Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("mongodb create thread indexes: %w", err)
	}
	return nil
}

// Create stores or replaces the thread document.
func (s *Store) Create(ctx context.Context, t *thread.Thread) error {
	doc := toDocument(t)
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": t.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongodb create thread %q: %w: %w", t.ID, thread.ErrUnavailable, err)
	}
	return nil
}

// Get retrieves a thread by ID.
func (s *Store) Get(ctx context.Context, id string) (*thread.Thread, error) {
	var doc threadDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("thread %q: %w", id, thread.ErrNotFound)
		}
		return nil, fmt.Errorf("mongodb get thread %q: %w: %w", id, thread.ErrUnavailable, err)
	}
	return fromDocument(&doc), nil
}

// Delete removes a thread by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete thread %q: %w: %w", id, thread.ErrUnavailable, err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("thread %q: %w", id, thread.ErrNotFound)
	}
	return nil
}

// Name identifies the store in health reports.
func (s *Store) Name() string { return "mongo" }

// Ping reports whether MongoDB is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, readpref.Primary())
}

// toDocument converts a Thread to a MongoDB document.
func toDocument(t *thread.Thread) *threadDocument {
	doc := &threadDocument{
		ID:        t.ID,
		Metadata:  t.Metadata,
		Context:   t.Context,
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt,
	}
	if !t.ExpiresAt.IsZero() {
		expires := t.ExpiresAt
		doc.ExpiresAt = &expires
	}
	return doc
}

// fromDocument converts a MongoDB document to a Thread.
func fromDocument(doc *threadDocument) *thread.Thread {
	t := &thread.Thread{
		ID:        doc.ID,
		Metadata:  doc.Metadata,
		Context:   doc.Context,
		Status:    thread.Status(doc.Status),
		CreatedAt: doc.CreatedAt,
	}
	if doc.ExpiresAt != nil {
		t.ExpiresAt = *doc.ExpiresAt
	}
	return t
}
