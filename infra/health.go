package infra

import (
	"context"
	"errors"
	"time"
)

var ErrComponentDisabled = errors.New("component not enabled")

// HealthCheck 基礎設施元件的健康檢查
type HealthCheck struct {
	Service   string // database / cache / queue
	Component string // mongodb / sqlite / redis / rabbitmq
	Check     func(ctx context.Context) error
}

// Run 執行檢查並回傳延遲（毫秒）
func (p HealthCheck) Run(ctx context.Context) (float64, error) {
	start := time.Now()
	var err error
	if p.Check == nil {
		err = ErrComponentDisabled
	} else {
		err = p.Check(ctx)
	}
	return float64(time.Since(start).Nanoseconds()) / 1e6, err
}

// HealthChecks 依目前連線狀態組出所有元件的檢查；未連線的元件回報 ErrComponentDisabled
func HealthChecks(sqliteDB *SQLite, mongoDB *MongoDB, redisClient *Redis, rabbitMQ *RabbitMQ) []HealthCheck {
	checks := []HealthCheck{
		{Service: "database", Component: "sqlite"},
		{Service: "database", Component: "mongodb"},
		{Service: "cache", Component: "redis"},
		{Service: "queue", Component: "rabbitmq"},
	}
	if sqliteDB != nil {
		checks[0].Check = sqliteDB.Ping
	}
	if mongoDB != nil {
		checks[1].Check = func(ctx context.Context) error { return mongoDB.Client.Ping(ctx, nil) }
	}
	if redisClient != nil {
		checks[2].Check = func(ctx context.Context) error { return redisClient.Client.Ping(ctx).Err() }
	}
	if rabbitMQ != nil {
		checks[3].Check = func(context.Context) error {
			if rabbitMQ.IsClosed() {
				return errors.New("rabbitmq connection closed")
			}
			return nil
		}
	}
	return checks
}
