package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kadirpekel/tollgate/pkg/admission"
)

// Metrics records gateway counters and histograms and serves them in the
// Prometheus exposition format. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	admissions       metric.Int64Counter
	rejections       metric.Int64Counter
	failOpen         metric.Int64Counter
	httpRequests     metric.Int64Counter
	httpDuration     metric.Float64Histogram
	upstreamErrors   metric.Int64Counter
	upstreamDuration metric.Float64Histogram
}

var _ admission.Observer = (*Metrics)(nil)

// NewMetrics builds a meter provider backed by its own Prometheus registry.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithoutScopeInfo(),
		otelprom.WithoutTargetInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter))
	m := &Metrics{
		registry: registry,
		provider: provider,
		meter:    provider.Meter(MeterName),
	}

	if m.admissions, err = m.meter.Int64Counter(
		"tollgate_admissions_total",
		metric.WithDescription("Admission decisions by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create admissions counter: %w", err)
	}

	if m.rejections, err = m.meter.Int64Counter(
		"tollgate_rejections_total",
		metric.WithDescription("Rejected requests by error code"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rejections counter: %w", err)
	}

	if m.failOpen, err = m.meter.Int64Counter(
		"tollgate_fail_open_total",
		metric.WithDescription("Requests admitted because a shared backend was unavailable"),
	); err != nil {
		return nil, fmt.Errorf("failed to create fail-open counter: %w", err)
	}

	if m.httpRequests, err = m.meter.Int64Counter(
		"tollgate_http_requests_total",
		metric.WithDescription("HTTP requests by method, route and status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	if m.httpDuration, err = m.meter.Float64Histogram(
		"tollgate_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	if m.upstreamErrors, err = m.meter.Int64Counter(
		"tollgate_upstream_errors_total",
		metric.WithDescription("Failed upstream calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create upstream errors counter: %w", err)
	}

	if m.upstreamDuration, err = m.meter.Float64Histogram(
		"tollgate_upstream_duration_seconds",
		metric.WithDescription("Upstream call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create upstream duration histogram: %w", err)
	}

	return m, nil
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Admitted implements admission.Observer.
func (m *Metrics) Admitted(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrOutcome, OutcomeAdmitted),
		attribute.String(AttrRoute, route),
	))
}

// Rejected implements admission.Observer.
func (m *Metrics) Rejected(ctx context.Context, route string, code admission.Code) {
	if m == nil {
		return
	}
	m.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrOutcome, OutcomeRejected),
		attribute.String(AttrRoute, route),
	))
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrCode, string(code))))
}

// FailOpenHook returns a hook for the fail-open options of the limiter,
// replay guard and quota enforcer.
func (m *Metrics) FailOpenHook(component string) func(context.Context, error) {
	return func(ctx context.Context, _ error) {
		m.RecordFailOpen(ctx, component)
	}
}

// RecordFailOpen counts one fail-open admission for component.
func (m *Metrics) RecordFailOpen(ctx context.Context, component string) {
	if m == nil {
		return
	}
	m.failOpen.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrComponent, component)))
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrMethod, method),
		attribute.String(AttrRoute, route),
		attribute.String(AttrStatus, strconv.Itoa(status)),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordUpstream records one upstream call.
func (m *Metrics) RecordUpstream(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.upstreamDuration.Record(ctx, duration.Seconds())
	if err != nil {
		m.upstreamErrors.Add(ctx, 1)
	}
}

// ObserveSessions registers the tollgate_sessions_active gauge. count is
// called on every scrape.
func (m *Metrics) ObserveSessions(count func(context.Context) (int, error)) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge(
		"tollgate_sessions_active",
		metric.WithDescription("Sessions currently held by the session store"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := count(ctx)
			if err != nil {
				return err
			}
			o.Observe(int64(n))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create sessions gauge: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
