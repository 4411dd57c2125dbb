package usage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// UsageCollection is the collection usage records are written to.
const UsageCollection = "usage_records"

// MongoLedger stores records in MongoDB.
type MongoLedger struct {
	records *mongo.Collection
}

// NewMongoLedger wraps the usage collection of db.
func NewMongoLedger(db *mongo.Database) *MongoLedger {
	return &MongoLedger{records: db.Collection(UsageCollection)}
}

func (l *MongoLedger) Insert(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("usage record ID is required")
	}
	if _, err := l.records.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// Since lists a tenant's records newer than t, oldest first.
func (l *MongoLedger) Since(ctx context.Context, tenantKey string, t time.Time) ([]Record, error) {
	filter := bson.M{"tenantKey": tenantKey, "timestamp": bson.M{"$gte": t}}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})

	cursor, err := l.records.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Record
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode usage records: %w", err)
	}
	return out, nil
}

// EnsureIndexes creates the tenant/time index used by Since.
func (l *MongoLedger) EnsureIndexes(ctx context.Context) error {
	_, err := l.records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenantKey", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "conversationId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create usage indexes: %w", err)
	}
	return nil
}
