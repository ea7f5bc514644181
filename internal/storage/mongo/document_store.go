// Package mongo stores ingested documents in a MongoDB collection keyed by
// dedup key.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

// Config selects the deployment and collection.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// Connect dials and pings MongoDB.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

type record struct {
	DedupKey    string     `bson:"dedup_key"`
	Title       string     `bson:"title"`
	Content     string     `bson:"content"`
	Summary     string     `bson:"summary,omitempty"`
	SourceURL   string     `bson:"source_url"`
	SourceType  string     `bson:"source_type"`
	SourceID    int64      `bson:"source_id"`
	UserID      int64      `bson:"user_id"`
	SourceName  string     `bson:"source_name"`
	Author      string     `bson:"author,omitempty"`
	PublishedAt *time.Time `bson:"published_at,omitempty"`
	Tags        []string   `bson:"tags,omitempty"`
	RawURI      string     `bson:"raw_uri,omitempty"`
	AcquiredAt  time.Time  `bson:"acquired_at"`
}

func toRecord(doc crawler.ExtractedDocument) record {
	return record{
		DedupKey:    doc.DedupKey,
		Title:       doc.Title,
		Content:     doc.Content,
		Summary:     doc.Summary,
		SourceURL:   doc.SourceURL,
		SourceType:  string(doc.SourceType),
		SourceID:    doc.SourceID,
		UserID:      doc.UserID,
		SourceName:  doc.SourceName,
		Author:      doc.Author,
		PublishedAt: doc.PublishedAt,
		Tags:        doc.Tags,
		RawURI:      doc.RawURI,
		AcquiredAt:  doc.AcquiredAt,
	}
}

// DocumentStore persists documents; the unique dedup_key index makes
// concurrent inserts of the same item safe.
type DocumentStore struct {
	coll *mongo.Collection
}

// NewDocumentStore wraps a collection.
func NewDocumentStore(coll *mongo.Collection) *DocumentStore {
	return &DocumentStore{coll: coll}
}

// EnsureIndexes creates the unique dedup_key and acquired_at indexes.
func (s *DocumentStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "dedup_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "acquired_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create document indexes: %w", err)
	}
	return nil
}

// Exists reports whether a document with dedupKey is stored.
func (s *DocumentStore) Exists(ctx context.Context, dedupKey string) (bool, error) {
	opts := options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})
	err := s.coll.FindOne(ctx, bson.D{{Key: "dedup_key", Value: dedupKey}}, opts).Err()
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("find document %s: %w", dedupKey, err)
	default:
		return true, nil
	}
}

// Insert stores doc. A duplicate key reports created=false without error.
func (s *DocumentStore) Insert(ctx context.Context, doc crawler.ExtractedDocument) (bool, error) {
	if _, err := s.coll.InsertOne(ctx, toRecord(doc)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert document %s: %w", doc.DedupKey, err)
	}
	return true, nil
}
