package observe

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_ExportsToRegistry(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordWatchdogFire(context.Background())

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "krishimitra_silence_watchdog_fires") {
			found = true
		}
	}
	if !found {
		t.Error("watchdog counter not exported to the registry")
	}
}

func TestInitProvider_LatencyBuckets(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{Registerer: reg, SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordQuery(context.Background(), "hi", "timeout", 30*time.Second)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if !strings.HasPrefix(f.GetName(), "krishimitra_query_duration") {
			continue
		}
		h := f.GetMetric()[0].GetHistogram()
		var bounds []float64
		for _, b := range h.GetBucket() {
			bounds = append(bounds, b.GetUpperBound())
			if b.GetUpperBound() == 30 && b.GetCumulativeCount() != 1 {
				t.Errorf("le=30 count = %d, want 1", b.GetCumulativeCount())
			}
		}
		for _, want := range LatencyBuckets {
			if !slices.Contains(bounds, want) {
				t.Errorf("buckets %v missing %v", bounds, want)
			}
		}
		return
	}
	t.Fatal("query duration histogram not exported")
}

func TestInitProvider_RejectsBadSampleRatio(t *testing.T) {
	if _, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: 1.5}); err == nil {
		t.Fatal("expected error for sample ratio 1.5")
	}
}
