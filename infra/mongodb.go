package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	CollectionAuditLogs    = "audit_logs"
	CollectionAPIUsageLogs = "api_usage_logs"
	CollectionUsageEvents  = "usage_events"
)

type MongoConfig struct {
	URI      string
	Database string
}

type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

func NewMongoDB(config MongoConfig) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log.Info().Str("database", config.Database).Msg("Connected to MongoDB!")

	return &MongoDB{
		Client:   client,
		Database: client.Database(config.Database),
	}, nil
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

func (m *MongoDB) GetCollection(name string) *mongo.Collection {
	return m.Database.Collection(name)
}

// EnsureIndexes 建立扣款、稽核與用量集合的索引。
// usage_events.request_id 的唯一索引是扣款冪等性的依據，啟動時必須先建立
func (m *MongoDB) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		CollectionUsageEvents: {
			{Keys: bson.D{{Key: "request_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		CollectionAuditLogs: {
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "action", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "actor_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		CollectionAPIUsageLogs: {
			{Keys: bson.D{{Key: "usage_event_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "api_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}

	for collection, models := range indexes {
		if _, err := m.GetCollection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes for %s: %w", collection, err)
		}
	}
	return nil
}
