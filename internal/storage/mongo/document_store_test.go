package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

func TestDocumentStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	doc := crawler.ExtractedDocument{
		DedupKey:   "rss_1_abc",
		Title:      "Title",
		Content:    "Body",
		SourceType: crawler.SourceTypeRSS,
		AcquiredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	mt.Run("insert creates", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		created, err := NewDocumentStore(mt.Coll).Insert(context.Background(), doc)
		require.NoError(mt, err)
		require.True(mt, created)
	})

	mt.Run("duplicate key is not an error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))
		created, err := NewDocumentStore(mt.Coll).Insert(context.Background(), doc)
		require.NoError(mt, err)
		require.False(mt, created)
	})

	mt.Run("other write errors surface", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    2,
			Message: "bad value",
		}))
		_, err := NewDocumentStore(mt.Coll).Insert(context.Background(), doc)
		require.ErrorContains(mt, err, "insert document rss_1_abc")
	})

	mt.Run("exists finds document", func(mt *mtest.T) {
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(1, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "x"},
		}))
		exists, err := NewDocumentStore(mt.Coll).Exists(context.Background(), doc.DedupKey)
		require.NoError(mt, err)
		require.True(mt, exists)
	})

	mt.Run("exists reports missing", func(mt *mtest.T) {
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))
		exists, err := NewDocumentStore(mt.Coll).Exists(context.Background(), "rss_1_missing")
		require.NoError(mt, err)
		require.False(mt, exists)
	})

	mt.Run("ensure indexes", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		require.NoError(mt, NewDocumentStore(mt.Coll).EnsureIndexes(context.Background()))
	})
}
