package observe

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestResource_ServiceName(t *testing.T) {
	tests := []struct {
		name string
		cfg  ProviderConfig
		want string
	}{
		{"default", ProviderConfig{}, DefaultServiceName},
		{"configured", ProviderConfig{ServiceName: "narrator-eu", ServiceVersion: "1.2.0"}, "narrator-eu"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Resource(tt.cfg)
			if err != nil {
				t.Fatalf("Resource: %v", err)
			}
			got, ok := res.Set().Value(semconv.ServiceNameKey)
			if !ok || got.AsString() != tt.want {
				t.Errorf("service.name = %q, want %q", got.AsString(), tt.want)
			}
			if v, _ := res.Set().Value(semconv.ServiceVersionKey); v.AsString() != tt.cfg.ServiceVersion {
				t.Errorf("service.version = %q, want %q", v.AsString(), tt.cfg.ServiceVersion)
			}
		})
	}
}

func TestInitProvider(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{Registerer: reg})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "narrate.process")
	if TraceID(ctx) == "" {
		t.Error("global tracer provider not installed")
	}
	span.End()

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordClip(context.Background(), "played")
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("prometheus registry received no metrics")
	}

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
