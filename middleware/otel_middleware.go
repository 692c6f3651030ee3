package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

type OtelConfig struct {
	ServiceName     string
	ServiceVersion  string
	Environment     string
	OTLPEndpoint    string
	Enabled         bool
	MetricsEnabled  bool
	TracesEnabled   bool
	DevelopmentMode bool // 開發模式使用 stdout，生產模式使用 OTLP
}

// 全局遙測變數
var (
	tracer             trace.Tracer
	meter              metric.Meter
	requestCounter     metric.Int64Counter
	requestDuration    metric.Float64Histogram
	activeRequests     metric.Int64UpDownCounter
	prometheusExporter *otelprom.Exporter
)

// InitOpenTelemetry 設定 trace 與 metric provider。日誌仍走 zerolog，只附上 trace_id。
// 回傳的函數在程式結束時呼叫，將尚未送出的資料 flush 出去。
func InitOpenTelemetry(config OtelConfig, logger zerolog.Logger) (func(), error) {
	if !config.Enabled {
		return func() {}, nil
	}

	ctx := context.Background()
	// 不使用 resource.Default 避免 schema 版本衝突
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(config.ServiceName),
		semconv.ServiceVersionKey.String(config.ServiceVersion),
		semconv.DeploymentEnvironmentKey.String(config.Environment),
		semconv.ServiceNamespaceKey.String("api-marketplace"),
		semconv.ServiceInstanceIDKey.String(fmt.Sprintf("%s-%d", config.ServiceName, time.Now().Unix())),
	)

	var shutdownFuncs []func(context.Context) error
	if config.TracesEnabled {
		shutdown, err := setupTraceProvider(ctx, res, config, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to setup trace provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, shutdown)
		tracer = otel.Tracer(config.ServiceName)
	}
	if config.MetricsEnabled {
		shutdown, err := setupMeterProvider(ctx, res, config, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to setup meter provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, shutdown)
		meter = otel.Meter(config.ServiceName)
		if err := initializeMetrics(); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info().
		Str("service", config.ServiceName).
		Str("environment", config.Environment).
		Str("otlp_endpoint", config.OTLPEndpoint).
		Bool("traces_enabled", config.TracesEnabled).
		Bool("metrics_enabled", config.MetricsEnabled).
		Bool("development_mode", config.DevelopmentMode).
		Msg("OpenTelemetry 初始化成功")

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, shutdown := range shutdownFuncs {
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("OpenTelemetry 關閉失敗")
			}
		}
		logger.Info().Msg("OpenTelemetry 清理完成")
	}, nil
}

// OpenTelemetryMiddleware 每個請求開一個 server span，記錄 otel metrics 與一行存取日誌。
// 存取日誌附上內層驗證得到的 user_id 與擋下請求的限流範圍。
func OpenTelemetryMiddleware(config OtelConfig, logger zerolog.Logger) func(huma.Context, func(huma.Context)) {
	if !config.Enabled {
		return func(ctx huma.Context, next func(huma.Context)) {
			next(ctx)
		}
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		start := time.Now()
		ctx, info := withRequestInfo(ctx)
		route := routeLabel(ctx)
		routeAttrs := metric.WithAttributes(
			attribute.String("method", ctx.Method()),
			attribute.String("route", route),
		)

		spanCtx, span := startRequestSpan(ctx, config, route)
		if span != nil {
			defer span.End()
		}

		requestID := GetRequestIDFromContext(ctx)
		if requestID == "" && span != nil {
			requestID = "req_" + span.SpanContext().TraceID().String()[:8]
		}
		if requestID != "" {
			ctx.SetHeader("X-Request-ID", requestID)
		}

		if config.MetricsEnabled && activeRequests != nil {
			activeRequests.Add(spanCtx, 1, routeAttrs)
			defer activeRequests.Add(spanCtx, -1, routeAttrs)
		}

		next(huma.WithContext(ctx, spanCtx))

		elapsed := time.Since(start)
		status := ctx.Status()
		durationMs := float64(elapsed.Nanoseconds()) / 1e6

		if config.MetricsEnabled {
			attrs := metric.WithAttributes(
				attribute.String("method", ctx.Method()),
				attribute.String("route", route),
				attribute.Int("status_code", status),
				attribute.String("status_class", fmt.Sprintf("%dxx", status/100)),
				attribute.String("rate_limited_scope", info.limitedScopeLabel()),
			)
			if requestCounter != nil {
				requestCounter.Add(spanCtx, 1, attrs)
			}
			if requestDuration != nil {
				requestDuration.Record(spanCtx, elapsed.Seconds(), attrs)
			}
		}

		if span != nil {
			finishRequestSpan(span, status, durationMs, requestID)
		}

		logAccess(logger, ctx, span, info, accessEntry{
			requestID:  requestID,
			route:      route,
			status:     status,
			durationMs: durationMs,
		})
	}
}

// startRequestSpan 從請求 header 接續上游的 trace；未啟用 traces 時 span 為 nil
func startRequestSpan(ctx huma.Context, config OtelConfig, route string) (context.Context, trace.Span) {
	carrier := &HeaderCarrier{ctx: ctx}
	parentCtx := otel.GetTextMapPropagator().Extract(ctx.Context(), carrier)
	if !config.TracesEnabled || tracer == nil {
		return parentCtx, nil
	}

	spanCtx, span := tracer.Start(parentCtx, ctx.Method()+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(ctx.Method()),
			semconv.HTTPRouteKey.String(route),
			semconv.HTTPSchemeKey.String(ctx.URL().Scheme),
			semconv.HTTPUserAgentKey.String(ctx.Header("User-Agent")),
			attribute.String("net.peer.ip", ctx.RemoteAddr()),
			attribute.String("service.environment", config.Environment),
		),
	)

	ctx.SetHeader("X-Trace-ID", span.SpanContext().TraceID().String())
	ctx.SetHeader("X-Span-ID", span.SpanContext().SpanID().String())
	otel.GetTextMapPropagator().Inject(spanCtx, carrier)
	span.AddEvent("request.start")
	return spanCtx, span
}

// finishRequestSpan 4xx 與 5xx 都標記為錯誤，描述區分兩者
func finishRequestSpan(span trace.Span, status int, durationMs float64, requestID string) {
	span.SetAttributes(
		semconv.HTTPStatusCodeKey.Int(status),
		attribute.Float64("http.request.duration_ms", durationMs),
		attribute.String("http.request_id", requestID),
	)
	span.AddEvent("request.complete", trace.WithAttributes(attribute.Int("status_code", status)))

	switch {
	case status >= 500:
		span.RecordError(fmt.Errorf("HTTP %d", status))
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
	case status >= 400:
		span.RecordError(fmt.Errorf("HTTP %d", status))
		span.SetStatus(codes.Error, fmt.Sprintf("Client Error %d", status))
	default:
		span.SetStatus(codes.Ok, "")
	}
}

type accessEntry struct {
	requestID  string
	route      string
	status     int
	durationMs float64
}

func logAccess(logger zerolog.Logger, ctx huma.Context, span trace.Span, info *requestInfo, entry accessEntry) {
	var event *zerolog.Event
	switch {
	case entry.status >= 500:
		event = logger.Error()
	case entry.status >= 400:
		event = logger.Warn()
	default:
		event = logger.Info()
	}

	if span != nil {
		event = event.
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String())
	}
	if info.userID != "" {
		event = event.Str("user_id", info.userID)
	}
	if info.rateLimitScope != "" {
		event = event.Str("rate_limited_scope", info.rateLimitScope)
	}

	event.
		Str("request_id", entry.requestID).
		Str("method", ctx.Method()).
		Str("path", ctx.URL().Path).
		Str("route", entry.route).
		Int("status_code", entry.status).
		Float64("duration_ms", entry.durationMs).
		Str("remote_addr", ctx.RemoteAddr()).
		Msg("HTTP request completed")
}

// GetRequestIDFromContext 從 HTTP headers 獲取 request ID
func GetRequestIDFromContext(ctx huma.Context) string {
	return ctx.Header("X-Request-ID")
}

// GetSpanFromContext 從當前 context 獲取 span
func GetSpanFromContext(ctx huma.Context) trace.Span {
	return trace.SpanFromContext(ctx.Context())
}

// AddSpanEvent 向當前 span 添加事件
func AddSpanEvent(ctx huma.Context, name string, attributes ...attribute.KeyValue) {
	if span := GetSpanFromContext(ctx); span != nil {
		span.AddEvent(name, trace.WithAttributes(attributes...))
	}
}

// SetSpanAttributes 向當前 span 設置屬性
func SetSpanAttributes(ctx huma.Context, attributes ...attribute.KeyValue) {
	if span := GetSpanFromContext(ctx); span != nil {
		span.SetAttributes(attributes...)
	}
}

// setupTraceProvider 開發模式輸出到 stdout，其餘送往 OTLP collector
func setupTraceProvider(ctx context.Context, res *resource.Resource, config OtelConfig, logger zerolog.Logger) (func(context.Context) error, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if config.DevelopmentMode {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	logger.Info().Bool("development_mode", config.DevelopmentMode).Msg("trace exporter 已建立")

	// 扣款量不大，全部取樣
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// setupMeterProvider otel metrics 一律經 Prometheus exporter 由 /metrics 輸出，
// 需先呼叫 InitPrometheusMetrics 才會掛在同一個 registry 上
func setupMeterProvider(ctx context.Context, res *resource.Resource, config OtelConfig, logger zerolog.Logger) (func(context.Context) error, error) {
	var promOpts []otelprom.Option
	if registry := GetPrometheusRegistry(); registry != nil {
		promOpts = append(promOpts, otelprom.WithRegisterer(registry))
	}
	var err error
	prometheusExporter, err = otelprom.New(promOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(prometheusExporter),
	}

	if reader := pushMetricReader(ctx, config, logger); reader != nil {
		opts = append(opts, sdkmetric.WithReader(reader))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	// PeriodicReader 隨 meter provider 一起關閉
	return mp.Shutdown, nil
}

// pushMetricReader 建立 30 秒週期推送的 reader；OTLP 連不上時只保留 /metrics
func pushMetricReader(ctx context.Context, config OtelConfig, logger zerolog.Logger) sdkmetric.Reader {
	const interval = 30 * time.Second

	if config.DevelopmentMode {
		exporter, err := stdoutmetric.New()
		if err != nil {
			logger.Warn().Err(err).Msg("無法建立 stdout metric exporter")
			return nil
		}
		return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		logger.Warn().Err(err).Msg("無法創建 OTLP metric exporter，將只使用 Prometheus")
		return nil
	}
	logger.Info().Str("endpoint", config.OTLPEndpoint).Msg("已啟用 OTLP gRPC metric exporter")
	return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
}

func initializeMetrics() error {
	var err error

	requestCounter, err = meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create request counter: %w", err)
	}

	requestDuration, err = meter.Float64Histogram(
		"http.server.duration",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	activeRequests, err = meter.Int64UpDownCounter(
		"http.server.active_requests",
		metric.WithDescription("Number of in-flight HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active requests counter: %w", err)
	}
	return nil
}

// HeaderCarrier 讓 propagator 直接讀寫 huma.Context 的 header
type HeaderCarrier struct {
	ctx huma.Context
}

func (h *HeaderCarrier) Get(key string) string { return h.ctx.Header(key) }

func (h *HeaderCarrier) Set(key, value string) { h.ctx.SetHeader(key, value) }

// Keys huma.Context 無法列舉 header，Extract 只用 Get 所以回空
func (h *HeaderCarrier) Keys() []string { return nil }
