package runtime

import (
	"context"
	"testing"

	"github.com/loqalabs/loqa-clone/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

func TestTracerProviderKeepsStdoutFree(t *testing.T) {
	cfg := config.Default()
	res, err := telemetryResource(cfg)
	if err != nil {
		t.Fatalf("resource: %v", err)
	}

	tp, exporter, err := newTracerProvider(cfg.Telemetry, res)
	if err != nil {
		t.Fatalf("tracer: %v", err)
	}
	_ = tp.Shutdown(context.Background())
	if exporter != "none" {
		t.Fatalf("expected no span exporter by default, got %q", exporter)
	}

	cfg.Telemetry.TraceStderr = true
	tp, exporter, err = newTracerProvider(cfg.Telemetry, res)
	if err != nil {
		t.Fatalf("tracer: %v", err)
	}
	_ = tp.Shutdown(context.Background())
	if exporter != "stderr" {
		t.Fatalf("expected stderr exporter, got %q", exporter)
	}
}

func TestTelemetryResourceNamesModel(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Mode = "exec"
	res, err := telemetryResource(cfg)
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	set := res.Set()
	if v, ok := set.Value(attribute.Key("loqa.clone.engine.mode")); !ok || v.AsString() != "exec" {
		t.Fatalf("missing engine mode: %v", v)
	}
	if v, ok := set.Value(attribute.Key("loqa.clone.engine.model_id")); !ok || v.AsString() != cfg.Engine.ModelID {
		t.Fatalf("missing model id: %v", v)
	}
}
