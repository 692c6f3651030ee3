package controller

import (
	"context"
	"fmt"
	"net/http"

	"api-marketplace/infra"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
)

type HealthOutput struct {
	Body struct {
		Status  string `json:"status" example:"ok"`
		Message string `json:"message" example:"服務運行正常"`
	}
}

type ComponentHealthOutput struct {
	Body struct {
		Status  string  `json:"status" example:"healthy"`
		Latency float64 `json:"latency" example:"1.23"`
		Message string  `json:"message" example:"MongoDB 連接正常"`
	}
}

type MonitoringController struct {
	logger zerolog.Logger
	checks []infra.HealthCheck
}

func NewMonitoringController(logger zerolog.Logger, checks []infra.HealthCheck) *MonitoringController {
	return &MonitoringController{
		logger: logger.With().Str("module", "monitoring_controller").Logger(),
		checks: checks,
	}
}

func (c *MonitoringController) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "健康檢查",
		Tags:        []string{"system"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		resp := &HealthOutput{}
		resp.Body.Status = "ok"
		resp.Body.Message = "API Marketplace 服務運行正常"
		return resp, nil
	})

	for _, check := range c.checks {
		check := check
		huma.Register(api, huma.Operation{
			OperationID: check.Component + "-monitoring",
			Method:      http.MethodGet,
			Path:        "/api/monitoring/" + check.Component,
			Summary:     check.Component + " 健康狀態監控",
			Tags:        []string{"monitoring"},
		}, func(ctx context.Context, input *struct{}) (*ComponentHealthOutput, error) {
			latency, err := check.Run(ctx)

			resp := &ComponentHealthOutput{}
			resp.Body.Latency = latency
			if err != nil {
				c.logger.Warn().Err(err).Str("component", check.Component).Msg("元件健康檢查失敗")
				resp.Body.Status = "unhealthy"
				resp.Body.Message = fmt.Sprintf("%s 連接失敗: %v", check.Component, err)
			} else {
				resp.Body.Status = "healthy"
				resp.Body.Message = check.Component + " 連接正常"
			}
			return resp, nil
		})
	}
}
