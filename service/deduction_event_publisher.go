package service

import (
	"context"
	"encoding/json"
	"fmt"

	"api-marketplace/infra"
	"api-marketplace/metrics"
	"api-marketplace/model"

	"github.com/rs/zerolog"
)

// DeductionEventPublisher 將扣款完成事件發佈到 RabbitMQ usage_events_queue
type DeductionEventPublisher struct {
	logger   zerolog.Logger
	rabbitMQ *infra.RabbitMQ
}

func NewDeductionEventPublisher(logger zerolog.Logger, rabbitMQ *infra.RabbitMQ) *DeductionEventPublisher {
	return &DeductionEventPublisher{
		logger:   logger.With().Str("module", "deduction_event_publisher").Logger(),
		rabbitMQ: rabbitMQ,
	}
}

func (p *DeductionEventPublisher) PublishDeductionCompleted(_ context.Context, event *model.UsageEvent) error {
	body, err := json.Marshal(model.NewDeductionCompletedEvent(event))
	if err != nil {
		return fmt.Errorf("marshal deduction event: %w", err)
	}

	if err := p.rabbitMQ.PublishMessage(infra.QueueNameUsageEvents.String(), body); err != nil {
		metrics.RecordUsageEventPublished(false)
		return fmt.Errorf("publish deduction event: %w", err)
	}

	metrics.RecordUsageEventPublished(true)
	p.logger.Debug().Str("usage_event_id", event.ID).Msg("已發佈扣款完成事件 (Deduction event published)")
	return nil
}
