package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// rate_limited_scope 區分 global / user 擋下的 429，其餘請求為 none
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route, status code and the rate limit scope that rejected them",
		},
		[]string{"method", "route", "status_code", "rate_limited_scope"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	httpRequestsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_requests_active",
			Help: "Number of in-flight HTTP requests",
		},
		[]string{"method", "route"},
	)

	// 依賴服務健康狀態，由 background.HealthReporter 定期更新
	infraHealthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "infrastructure_health_status",
			Help: "Health of dependencies (1=healthy, 0=unhealthy)",
		},
		[]string{"service", "component"},
	)

	infraConnectionLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "infrastructure_connection_latency_ms",
			Help: "Ping latency to dependencies in milliseconds",
		},
		[]string{"service", "component"},
	)

	promRegistry *prometheus.Registry
)

// InitPrometheusMetrics 建立 /metrics 使用的 registry。
// 每次呼叫都換一個新的 registry，測試可重複呼叫。
func InitPrometheusMetrics(logger zerolog.Logger) error {
	registry := prometheus.NewRegistry()

	collectors := map[string]prometheus.Collector{
		"http_requests_total":                  httpRequestsTotal,
		"http_request_duration_seconds":        httpRequestDurationSeconds,
		"http_requests_active":                 httpRequestsActive,
		"infrastructure_health_status":         infraHealthStatus,
		"infrastructure_connection_latency_ms": infraConnectionLatency,
	}
	for name, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	promRegistry = registry
	logger.Info().Msg("Prometheus metrics 初始化成功")
	return nil
}

// GetStandardPrometheusHandler 尚未初始化時回 503
func GetStandardPrometheusHandler() http.Handler {
	if promRegistry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Prometheus registry not initialized"))
		})
	}
	return promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
}

func GetPrometheusRegistry() *prometheus.Registry {
	return promRegistry
}

// PrometheusMiddleware 記錄 HTTP metrics。需掛在 RateLimitMiddleware 與驗證之外，
// 才讀得到內層寫入的限流範圍。
func PrometheusMiddleware(logger zerolog.Logger) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if promRegistry == nil {
			next(ctx)
			return
		}

		ctx, info := withRequestInfo(ctx)
		method, route := ctx.Method(), routeLabel(ctx)
		start := time.Now()

		active := httpRequestsActive.WithLabelValues(method, route)
		active.Inc()
		defer active.Dec()

		next(ctx)

		elapsed := time.Since(start).Seconds()
		status := ctx.Status()
		scope := info.limitedScopeLabel()

		httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status), scope).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, route).Observe(elapsed)

		logger.Debug().
			Str("method", method).
			Str("route", route).
			Int("status_code", status).
			Str("rate_limited_scope", scope).
			Float64("duration_seconds", elapsed).
			Msg("HTTP metrics recorded")
	}
}

// UpdateInfrastructureHealth latencyMs 為負值時只更新健康狀態
func UpdateInfrastructureHealth(service, component string, isHealthy bool, latencyMs float64) {
	if promRegistry == nil {
		return
	}

	health := 0.0
	if isHealthy {
		health = 1.0
	}
	infraHealthStatus.WithLabelValues(service, component).Set(health)
	if latencyMs >= 0 {
		infraConnectionLatency.WithLabelValues(service, component).Set(latencyMs)
	}
}

// routeLabel 使用路由樣板（例如 /billing/deductions/{requestId}）避免 label 爆量
func routeLabel(ctx huma.Context) string {
	if op := ctx.Operation(); op != nil && op.Path != "" {
		return op.Path
	}
	return ctx.URL().Path
}
