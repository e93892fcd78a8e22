package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry bundles the installed providers so shutdown flushes both.
type telemetry struct {
	traces   *sdktrace.TracerProvider
	meters   *sdkmetric.MeterProvider
	exporter string
	metrics  http.Handler
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.traces.Shutdown(ctx))
}

// telemetryResource identifies this node and the model it serves.
func telemetryResource(cfg config.Config) (*resource.Resource, error) {
	return resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceInstanceID(cfg.Node.ID),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("loqa.clone.engine.mode", cfg.Engine.Mode),
			attribute.String("loqa.clone.engine.model_id", cfg.Engine.ModelID),
		),
	)
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	res, err := telemetryResource(cfg)
	if err != nil {
		return nil, err
	}
	tel := &telemetry{}
	if tel.traces, tel.exporter, err = newTracerProvider(cfg.Telemetry, res); err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tel.traces)

	tel.meters, tel.metrics = newMeterProvider(res, logger)
	otel.SetMeterProvider(tel.meters)

	logger.Info("telemetry initialized",
		slog.String("traces", tel.exporter),
		slog.Bool("prometheus", tel.metrics != nil))
	return tel, nil
}

// newTracerProvider exports to OTLP when an endpoint is set. Otherwise spans are
// only written when trace_stderr asks for it, keeping stdout for JSON logs.
func newTracerProvider(cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(context.Background(), opts...)
		if err != nil {
			return nil, "", err
		}
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), "otlp:" + endpoint, nil
	}
	if cfg.TraceStderr {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, "", err
		}
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), "stderr", nil
	}
	return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), "none", nil
}

func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	return provider, promhttp.Handler()
}
