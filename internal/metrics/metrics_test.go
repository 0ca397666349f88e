package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(mp.Meter("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	found := findMetric(rm, name)
	if found == nil {
		t.Fatalf("%s not found", name)
	}
	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64], got %T", name, found.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_RecordsEngineEvents(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCheck(ctx, "m1", true, 40*time.Millisecond)
	m.RecordCheck(ctx, "m1", false, 10*time.Second)
	m.IncidentOpened(ctx, "m1")
	m.IncidentClosed(ctx, "m1")
	m.RegistryReload(ctx, true)
	m.RegistryReload(ctx, false)
	m.WorkersChanged(ctx, 3)
	m.WorkersChanged(ctx, -1)

	rm := collect(t, reader)
	if got := sumOf(t, rm, "uptime.check.total"); got != 2 {
		t.Errorf("check.total = %d, want 2", got)
	}
	if got := sumOf(t, rm, "uptime.incident.opened"); got != 1 {
		t.Errorf("incident.opened = %d, want 1", got)
	}
	if got := sumOf(t, rm, "uptime.incident.closed"); got != 1 {
		t.Errorf("incident.closed = %d, want 1", got)
	}
	if got := sumOf(t, rm, "uptime.registry.reloads"); got != 2 {
		t.Errorf("registry.reloads = %d, want 2", got)
	}
	if got := sumOf(t, rm, "uptime.registry.workers"); got != 2 {
		t.Errorf("registry.workers = %d, want 2", got)
	}

	hist := findMetric(rm, "uptime.check.duration_ms")
	if hist == nil {
		t.Fatal("uptime.check.duration_ms not found")
	}
	h, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", hist.Data)
	}
	var count uint64
	for _, dp := range h.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("histogram count = %d, want 2", count)
	}
}

func TestPrometheus_ServesScrape(t *testing.T) {
	p, err := NewPrometheus()
	if err != nil {
		t.Fatalf("NewPrometheus: %v", err)
	}
	defer p.Shutdown(context.Background())

	p.RegistryReload(context.Background(), true)

	rec := httptest.NewRecorder()
	p.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != 200 {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "uptime_registry_reloads") {
		t.Fatalf("scrape missing reload counter:\n%s", body)
	}
}

func TestNop_DoesNothing(t *testing.T) {
	var r Recorder = Nop{}
	r.RecordCheck(context.Background(), "m", true, time.Second)
	r.WorkersChanged(context.Background(), 1)
}
