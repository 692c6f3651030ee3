package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"api-marketplace/infra"
	"api-marketplace/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// MongoDB 在交易內遇到其他交易未提交的同鍵寫入時回傳 WriteConflict
const mongoWriteConflictCode = 112

const mongoTxFinishTimeout = 10 * time.Second

// MongoDeductionStore 以 MongoDB usage_events 集合實作 DeductionStore。
// 每筆扣款在自己的多文件交易內進行，只有相同 request_id 的交易會在唯一索引上衝突。
// 交易需要 replica set 或 sharded cluster。
type MongoDeductionStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoDeductionStore(mongoDB *infra.MongoDB) *MongoDeductionStore {
	return &MongoDeductionStore{
		client:     mongoDB.Client,
		collection: mongoDB.GetCollection(infra.CollectionUsageEvents),
	}
}

func (s *MongoDeductionStore) BeginTx(ctx context.Context) (DeductionTx, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start mongo session: %w", err)
	}

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := session.StartTransaction(txOpts); err != nil {
		session.EndSession(ctx)
		return nil, fmt.Errorf("start usage event tx: %w", err)
	}

	return &mongoDeductionTx{
		session:    session,
		collection: s.collection,
		ctx:        context.WithoutCancel(ctx),
	}, nil
}

func (s *MongoDeductionStore) FindByRequestID(ctx context.Context, requestID string) (*model.UsageEvent, error) {
	return findUsageEvent(ctx, s.collection, requestID)
}

// ListByUser 依建立時間倒序列出用戶的扣款紀錄
func (s *MongoDeductionStore) ListByUser(ctx context.Context, userID string, limit int) ([]model.UsageEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find usage events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []model.UsageEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode usage events: %w", err)
	}
	return events, nil
}

type mongoDeductionTx struct {
	session    mongo.Session
	collection *mongo.Collection
	// 提交與回滾不受請求取消影響
	ctx  context.Context
	done bool
}

func (t *mongoDeductionTx) FindByRequestID(ctx context.Context, requestID string) (*model.UsageEvent, error) {
	return findUsageEvent(mongo.NewSessionContext(ctx, t.session), t.collection, requestID)
}

func (t *mongoDeductionTx) Insert(ctx context.Context, event *model.UsageEvent) error {
	_, err := t.collection.InsertOne(mongo.NewSessionContext(ctx, t.session), event)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) || isWriteConflict(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateRequestID, event.RequestID)
		}
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

func (t *mongoDeductionTx) AttachTxHash(ctx context.Context, id, txHash string) error {
	res, err := t.collection.UpdateOne(mongo.NewSessionContext(ctx, t.session),
		bson.M{"_id": id, "stellar_tx_hash": nil},
		bson.M{"$set": bson.M{"stellar_tx_hash": txHash}},
	)
	if err != nil {
		return fmt.Errorf("attach tx hash: %w", err)
	}
	if res.MatchedCount != 1 {
		return fmt.Errorf("attach tx hash: %w: %s", ErrUsageEventNotFound, id)
	}
	return nil
}

func (t *mongoDeductionTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true

	ctx, cancel := context.WithTimeout(t.ctx, mongoTxFinishTimeout)
	defer cancel()
	defer t.session.EndSession(ctx)
	return t.session.CommitTransaction(ctx)
}

// Rollback 在 Commit 之後呼叫不做任何事
func (t *mongoDeductionTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true

	ctx, cancel := context.WithTimeout(t.ctx, mongoTxFinishTimeout)
	defer cancel()
	defer t.session.EndSession(ctx)
	return t.session.AbortTransaction(ctx)
}

func findUsageEvent(ctx context.Context, collection *mongo.Collection, requestID string) (*model.UsageEvent, error) {
	var event model.UsageEvent
	err := collection.FindOne(ctx, bson.M{"request_id": requestID}).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUsageEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find usage event: %w", err)
	}
	event.CreatedAt = event.CreatedAt.UTC()
	return &event, nil
}

func isWriteConflict(err error) bool {
	var serverErr mongo.ServerError
	return errors.As(err, &serverErr) && serverErr.HasErrorCode(mongoWriteConflictCode)
}
