// Package docstore persists search analytics and user-data bookkeeping in
// MongoDB. Every write is best effort: the search service keeps serving
// when the document store is down.
package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"freva/internal/databrowser"
	"freva/internal/logging"
)

const (
	searchCollection   = "search_queries"
	userDataCollection = "user_data"

	serverSelectionTimeout = 5 * time.Second
)

// Store wraps the MongoDB client for the service's two collections.
type Store struct {
	client *mongo.Client
	db     string
	logger *slog.Logger
}

// Connect dials the document store. The connection is lazy; a dead server
// only surfaces on the first operation.
func Connect(ctx context.Context, uri, db string, logger *slog.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(serverSelectionTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	return &Store{
		client: client,
		db:     db,
		logger: logging.Default(logger).With("component", "docstore"),
	}, nil
}

// Close tears down the client's connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) collection(name string) *mongo.Collection {
	return s.client.Database(s.db).Collection(name)
}

// searchDocument shapes one analytics record for the search collection.
func searchDocument(rec databrowser.SearchRecord) bson.M {
	return bson.M{
		"metadata": bson.M{
			"num_results":   rec.NumResults,
			"flavour":       string(rec.Flavour),
			"uniq_key":      rec.UniqKey,
			"server_status": rec.ServerStatus,
			"date":          rec.Date,
		},
		"query": rec.Query,
	}
}

// RecordSearch stores one finished search for usage analytics. Failures
// are logged and dropped.
func (s *Store) RecordSearch(ctx context.Context, rec databrowser.SearchRecord) {
	_, err := s.collection(searchCollection).InsertOne(ctx, searchDocument(rec))
	if err != nil {
		s.logger.Warn("could not record search", "error", err)
	}
}

// UpsertUserData writes a batch of user metadata records keyed by their
// file and uri fields. Existing records are updated in place.
func (s *Store) UpsertUserData(ctx context.Context, batch []map[string]any) error {
	if len(batch) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(batch))
	for _, doc := range batch {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"file": doc["file"], "uri": doc["uri"]}).
			SetUpdate(bson.M{"$set": doc}).
			SetUpsert(true))
	}
	res, err := s.collection(userDataCollection).BulkWrite(ctx, models,
		options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("upsert user data: %w", err)
	}
	s.logger.Info("upserted user data",
		"written", res.UpsertedCount+res.ModifiedCount+res.InsertedCount,
		"unchanged", res.MatchedCount-res.ModifiedCount)
	return nil
}

// deleteFilter lowercases every search value except file paths, matching
// how the records were ingested.
func deleteFilter(keys map[string]string) bson.M {
	filter := bson.M{}
	for key, value := range keys {
		if strings.EqualFold(key, "file") {
			filter[key] = value
		} else {
			filter[key] = strings.ToLower(value)
		}
	}
	return filter
}

// DeleteUserData removes every user metadata record matching the keys.
func (s *Store) DeleteUserData(ctx context.Context, keys map[string]string) error {
	res, err := s.collection(userDataCollection).DeleteMany(ctx, deleteFilter(keys))
	if err != nil {
		return fmt.Errorf("delete user data: %w", err)
	}
	s.logger.Info("deleted user data", "count", res.DeletedCount, "keys", keys)
	return nil
}
