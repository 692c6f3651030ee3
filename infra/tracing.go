package infra

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceName = "api-marketplace"
)

var globalTracer trace.Tracer

// InitTracer 在 OpenTelemetry provider 設定完成後呼叫
func InitTracer() {
	globalTracer = otel.Tracer(ServiceName)
}

func GetTracer() trace.Tracer {
	if globalTracer == nil {
		InitTracer()
	}
	return globalTracer
}

// StartSpan 開始一個新的 span
func StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := GetTracer().Start(ctx, operationName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func AddEvent(span trace.Span, eventName string, attrs ...attribute.KeyValue) {
	if span != nil {
		span.AddEvent(eventName, trace.WithAttributes(attrs...))
	}
}

func SetAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// RecordError 記錄錯誤到 span 並設定狀態
func RecordError(span trace.Span, err error, description string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.RecordError(err)
	if description != "" {
		span.SetStatus(codes.Error, description)
	}
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}

// MarkSuccess 標記 span 為成功
func MarkSuccess(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}

// 常用的屬性建構函數
func AttrString(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func AttrInt(key string, value int) attribute.KeyValue {
	return attribute.Int(key, value)
}

func AttrBool(key string, value bool) attribute.KeyValue {
	return attribute.Bool(key, value)
}

// 業務相關的屬性建構函數
func AttrUserID(id string) attribute.KeyValue {
	return attribute.String("user.id", id)
}

func AttrRequestID(id string) attribute.KeyValue {
	return attribute.String("billing.request_id", id)
}

func AttrUsageEventID(id string) attribute.KeyValue {
	return attribute.String("billing.usage_event_id", id)
}

func AttrAPIID(id string) attribute.KeyValue {
	return attribute.String("marketplace.api_id", id)
}

func AttrRateLimitScope(scope string) attribute.KeyValue {
	return attribute.String("ratelimit.scope", scope)
}

func AttrOperation(operation string) attribute.KeyValue {
	return attribute.String("service.operation", operation)
}

func AttrErrorType(errorType string) attribute.KeyValue {
	return attribute.String("error.type", errorType)
}

// StartBillingSpan 扣款流程專用的 span
func StartBillingSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	baseAttrs := []attribute.KeyValue{
		AttrOperation(operation),
	}
	baseAttrs = append(baseAttrs, attrs...)
	return StartSpan(ctx, "billing_"+operation, baseAttrs...)
}

// RecordBillingError 記錄扣款失敗到 span
func RecordBillingError(span trace.Span, err error, requestID, errorType string) {
	RecordError(span, err, "billing operation failed",
		AttrRequestID(requestID),
		AttrErrorType(errorType),
		AttrBool("operation.success", false),
	)
	AddEvent(span, "operation_failed",
		AttrString("error", err.Error()),
	)
}
