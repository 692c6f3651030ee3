package background

import (
	"context"
	"time"

	"api-marketplace/infra"

	"github.com/rs/zerolog"
)

// HealthReporter 定期檢查基礎設施並更新 metrics
type HealthReporter struct {
	logger   zerolog.Logger
	checks   []infra.HealthCheck
	interval time.Duration
	report   func(service, component string, healthy bool, latencyMs float64)
	onTick   func(ctx context.Context)
}

// NewHealthReporter report 通常為 middleware.UpdateInfrastructureHealth；onTick 可為 nil
func NewHealthReporter(logger zerolog.Logger, checks []infra.HealthCheck, interval time.Duration,
	report func(service, component string, healthy bool, latencyMs float64), onTick func(ctx context.Context)) *HealthReporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthReporter{
		logger:   logger.With().Str("module", "health_reporter").Logger(),
		checks:   checks,
		interval: interval,
		report:   report,
		onTick:   onTick,
	}
}

func (r *HealthReporter) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("Metrics 更新器已啟動")
	for {
		r.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *HealthReporter) tick(ctx context.Context) {
	for _, check := range r.checks {
		if check.Check == nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		latency, err := check.Run(checkCtx)
		cancel()

		if err != nil {
			r.logger.Warn().Err(err).Str("component", check.Component).Msg("基礎設施健康檢查失敗")
		}
		r.report(check.Service, check.Component, err == nil, latency)
	}
	if r.onTick != nil {
		r.onTick(ctx)
	}
}
