package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"

	"github.com/crewplan/outbox-dispatcher/schema"
)

type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoRepository) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoRepository) Insert(ctx context.Context, record *schema.OutboxRecord) error {
	_, err := m.coll().InsertOne(ctx, record)
	return err
}

func (m *MongoRepository) FetchUnprocessed(ctx context.Context, batchSize int) ([]schema.OutboxRecord, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FetchUnprocessed")
	defer span.End()

	startTime := time.Now()

	filter := bson.M{
		"processed":        false,
		"dead_lettered_at": nil,
		"next_attempt_at":  bson.M{"$lte": time.Now()},
	}
	opts := options.Find().
		SetLimit(int64(batchSize)).
		SetSort(bson.D{{Key: "occurred_at", Value: 1}, {Key: "id", Value: 1}})
	cursor, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []schema.OutboxRecord
	for cursor.Next(ctx) {
		var record schema.OutboxRecord
		if err := cursor.Decode(&record); err != nil {
			span.RecordError(err)
			return nil, err
		}
		records = append(records, record)
	}

	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", "FetchUnprocessed", len(records), time.Since(startTime))

	return records, nil
}

func (m *MongoRepository) MarkProcessed(ctx context.Context, recordID string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "MarkProcessed")
	defer span.End()

	startTime := time.Now()

	filter := bson.M{"id": recordID, "processed": false}
	update := bson.M{"$set": bson.M{"processed": true}}
	if _, err := m.coll().UpdateOne(ctx, filter, update); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "mongodb", "MarkProcessed", 1, time.Since(startTime))

	return nil
}

func (m *MongoRepository) MarkFailedAttempt(ctx context.Context, recordID string, nextAttemptAt time.Time) error {
	filter := bson.M{"id": recordID, "processed": false}
	update := bson.M{
		"$set": bson.M{"next_attempt_at": nextAttemptAt},
		"$inc": bson.M{"retry_count": 1},
	}
	_, err := m.coll().UpdateOne(ctx, filter, update)
	return err
}

func (m *MongoRepository) MarkDeadLettered(ctx context.Context, recordID string) error {
	filter := bson.M{"id": recordID, "dead_lettered_at": nil}
	update := bson.M{
		"$set": bson.M{"dead_lettered_at": time.Now()},
		"$inc": bson.M{"retry_count": 1},
	}
	_, err := m.coll().UpdateOne(ctx, filter, update)
	return err
}
