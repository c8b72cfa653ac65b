// Package tracing 初始化 OpenTelemetry tracer。未开启导出时保留全局 no-op
// provider，span 调用几乎零开销。
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/any-hub/policy-gateway"

// 常用 span 属性键。
const (
	AttrPolicy    = attribute.Key("gateway.policy")
	AttrRequestID = attribute.Key("gateway.request_id")
	AttrHandler   = attribute.Key("gateway.handler")
	AttrStage     = attribute.Key("gateway.stage")
	AttrOutcome   = attribute.Key("gateway.outcome")
	AttrUpstream  = attribute.Key("gateway.upstream_url")
)

// Tracer 返回网关统一的 tracer，每次调用都从全局 provider 取，便于测试替换。
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// ShutdownFunc 刷新并关闭导出器。
type ShutdownFunc func(context.Context) error

// Setup 在 stdout 为 true 时安装 stdouttrace 导出器，写入 w（nil 时为 os.Stdout）。
func Setup(stdout bool, w io.Writer) (ShutdownFunc, error) {
	if !stdout {
		return func(context.Context) error { return nil }, nil
	}

	opts := []stdouttrace.Option{}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	previous := otel.GetTracerProvider()
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)

	return func(ctx context.Context) error {
		defer otel.SetTracerProvider(previous)
		return provider.Shutdown(ctx)
	}, nil
}
