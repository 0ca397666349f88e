package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/NTM-Digital/ntmServices/internal/domain"
)

const meterName = "github.com/NTM-Digital/ntmServices"

// Recorder receives engine events. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	RecordCheck(ctx context.Context, id domain.MonitorID, healthy bool, latency time.Duration)
	IncidentOpened(ctx context.Context, id domain.MonitorID)
	IncidentClosed(ctx context.Context, id domain.MonitorID)
	RegistryReload(ctx context.Context, ok bool)
	WorkersChanged(ctx context.Context, delta int64)
}

type Metrics struct {
	checks   metric.Int64Counter
	duration metric.Float64Histogram
	opened   metric.Int64Counter
	closed   metric.Int64Counter
	reloads  metric.Int64Counter
	workers  metric.Int64UpDownCounter
}

var _ Recorder = (*Metrics)(nil)

func New(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.checks, err = meter.Int64Counter("uptime.check.total",
		metric.WithDescription("Completed checks by monitor and health"),
		metric.WithUnit("{check}"),
	); err != nil {
		return nil, fmt.Errorf("uptime.check.total: %w", err)
	}
	if m.duration, err = meter.Float64Histogram("uptime.check.duration_ms",
		metric.WithDescription("Check round-trip latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("uptime.check.duration_ms: %w", err)
	}
	if m.opened, err = meter.Int64Counter("uptime.incident.opened",
		metric.WithDescription("Incidents opened"),
		metric.WithUnit("{incident}"),
	); err != nil {
		return nil, fmt.Errorf("uptime.incident.opened: %w", err)
	}
	if m.closed, err = meter.Int64Counter("uptime.incident.closed",
		metric.WithDescription("Incidents closed on recovery"),
		metric.WithUnit("{incident}"),
	); err != nil {
		return nil, fmt.Errorf("uptime.incident.closed: %w", err)
	}
	if m.reloads, err = meter.Int64Counter("uptime.registry.reloads",
		metric.WithDescription("Registry reloads by result"),
		metric.WithUnit("{reload}"),
	); err != nil {
		return nil, fmt.Errorf("uptime.registry.reloads: %w", err)
	}
	if m.workers, err = meter.Int64UpDownCounter("uptime.registry.workers",
		metric.WithDescription("Running monitor workers"),
		metric.WithUnit("{worker}"),
	); err != nil {
		return nil, fmt.Errorf("uptime.registry.workers: %w", err)
	}
	return &m, nil
}

func (m *Metrics) RecordCheck(ctx context.Context, id domain.MonitorID, healthy bool, latency time.Duration) {
	opt := metric.WithAttributes(
		attribute.String("monitor_id", string(id)),
		attribute.Bool("healthy", healthy),
	)
	m.checks.Add(ctx, 1, opt)
	m.duration.Record(ctx, float64(latency.Milliseconds()), opt)
}

func (m *Metrics) IncidentOpened(ctx context.Context, id domain.MonitorID) {
	m.opened.Add(ctx, 1, metric.WithAttributes(attribute.String("monitor_id", string(id))))
}

func (m *Metrics) IncidentClosed(ctx context.Context, id domain.MonitorID) {
	m.closed.Add(ctx, 1, metric.WithAttributes(attribute.String("monitor_id", string(id))))
}

func (m *Metrics) RegistryReload(ctx context.Context, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.reloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) WorkersChanged(ctx context.Context, delta int64) {
	m.workers.Add(ctx, delta)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordCheck(context.Context, domain.MonitorID, bool, time.Duration) {}
func (Nop) IncidentOpened(context.Context, domain.MonitorID) {}
func (Nop) IncidentClosed(context.Context, domain.MonitorID) {}
func (Nop) RegistryReload(context.Context, bool) {}
func (Nop) WorkersChanged(context.Context, int64) {}

// Prometheus bundles Metrics with the scrape handler of a private registry.
type Prometheus struct {
	*Metrics
	Handler  http.Handler
	provider *sdkmetric.MeterProvider
}

// NewPrometheus wires the OpenTelemetry instruments to a Prometheus exporter
// backed by its own registry, so nothing leaks into the global default one.
func NewPrometheus() (*Prometheus, error) {
	reg := prometheus.NewRegistry()
	exp, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
	m, err := New(mp.Meter(meterName))
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}
	return &Prometheus{
		Metrics:  m,
		Handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		provider: mp,
	}, nil
}

func (p *Prometheus) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}
