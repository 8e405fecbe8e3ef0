package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/config"
)

// InstrumentationName 语音运行时的 tracer 名称
const InstrumentationName = "github.com/BaSui01/voiceflow"

// 语音 span 属性
const (
	attrAgentID   = attribute.Key("voiceflow.agent_id")
	attrSessionID = attribute.Key("voiceflow.session_id")
	attrTurnID    = attribute.Key("voiceflow.turn_id")
)

type shutdownFunc func(context.Context) error

// Providers 已注册的 SDK Provider。遥测关闭时为空壳，Shutdown 什么也不做
type Providers struct {
	shutdowns []shutdownFunc
}

// Enabled 是否注册了导出器
func (p *Providers) Enabled() bool {
	return p != nil && len(p.shutdowns) > 0
}

// Init 按配置注册全局 TracerProvider / MeterProvider 与 W3C 传播器
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))

	if !cfg.Enabled {
		logger.Info("telemetry disabled, spans are not exported")
		return &Providers{}, nil
	}

	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(buildVersion()),
		attrAgentID.String(cfg.AgentID),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
	)
	// 先停 trace 再停 metric
	return &Providers{shutdowns: []shutdownFunc{tp.Shutdown, mp.Shutdown}}, nil
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res), sdktrace.WithSampler(sampler)), nil
}

func newMeterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)), sdkmetric.WithResource(res)), nil
}

// Tracer 全局 Provider 上的语音运行时 tracer
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartTurnSpan 一轮对话（用户说完到 agent 说完）一个 span
func StartTurnSpan(ctx context.Context, sessionID, turnID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "voice.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrSessionID.String(sessionID), attrTurnID.String(turnID)),
	)
}

// Shutdown 刷出缓冲的 span/指标，nil 安全
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, fn := range p.shutdowns {
		errs = append(errs, fn(ctx))
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
