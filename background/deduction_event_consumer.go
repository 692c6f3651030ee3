package background

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"api-marketplace/infra"
	"api-marketplace/model"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const (
	consumerPrefetch     = 20
	consumerWriteTimeout = 10 * time.Second
)

var errMalformedEvent = errors.New("malformed deduction event")

// UsageLogWriter 寫入 API 用量紀錄
type UsageLogWriter interface {
	RecordDeduction(ctx context.Context, event model.DeductionCompletedEvent) error
}

// DeductionEventConsumer 消費 usage_events_queue，將扣款完成事件寫成 API 用量紀錄
type DeductionEventConsumer struct {
	logger      zerolog.Logger
	RabbitMQ    *infra.RabbitMQ
	UsageLogSvc UsageLogWriter
	consumerID  string
}

func NewDeductionEventConsumer(logger zerolog.Logger, rabbitMQ *infra.RabbitMQ, usageLogSvc UsageLogWriter) *DeductionEventConsumer {
	return &DeductionEventConsumer{
		logger:      logger.With().Str("module", "deduction_event_consumer").Logger(),
		RabbitMQ:    rabbitMQ,
		UsageLogSvc: usageLogSvc,
		consumerID:  fmt.Sprintf("usage-consumer-%d", time.Now().Unix()),
	}
}

// Start 阻塞直到 ctx 結束或 channel 關閉
func (c *DeductionEventConsumer) Start(ctx context.Context) {
	ch, msgs, err := c.RabbitMQ.Consume(infra.QueueNameUsageEvents.String(), c.consumerID, consumerPrefetch)
	if err != nil {
		c.logger.Error().Err(err).Str("queue", infra.QueueNameUsageEvents.String()).Msg("用量事件消費者無法消費隊列")
		return
	}
	defer ch.Close()

	c.logger.Info().Str("consumer_id", c.consumerID).Msg("用量事件消費者已啟動，等待扣款事件...")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("用量事件消費者已停止")
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn().Msg("用量事件隊列已關閉")
				return
			}
			c.handleDelivery(ctx, msg)
		}
	}
}

func (c *DeductionEventConsumer) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	err := c.process(ctx, msg.Body)
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Error().Err(ackErr).Msg("ack 用量事件失敗")
		}
	case errors.Is(err, errMalformedEvent):
		// 格式錯誤的訊息重送也不會成功，直接丟棄
		c.logger.Error().Err(err).Str("body", string(msg.Body)).Msg("丟棄無法解析的用量事件")
		_ = msg.Nack(false, false)
	default:
		c.logger.Warn().Err(err).Msg("寫入用量紀錄失敗，重新排入隊列")
		_ = msg.Nack(false, true)
	}
}

func (c *DeductionEventConsumer) process(ctx context.Context, body []byte) error {
	var event model.DeductionCompletedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if event.Type != model.EventTypeDeductionCompleted {
		return fmt.Errorf("%w: unexpected type %q", errMalformedEvent, event.Type)
	}
	if event.UsageEventID == "" {
		return fmt.Errorf("%w: missing usage_event_id", errMalformedEvent)
	}

	writeCtx, cancel := context.WithTimeout(ctx, consumerWriteTimeout)
	defer cancel()

	if err := c.UsageLogSvc.RecordDeduction(writeCtx, event); err != nil {
		return fmt.Errorf("record usage log: %w", err)
	}

	c.logger.Debug().
		Str("usage_event_id", event.UsageEventID).
		Str("api_id", event.APIID).
		Str("amount_usdc", event.AmountUSDC).
		Msg("已寫入 API 用量紀錄")
	return nil
}
