package observability

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kadirpekel/tollgate/pkg/config"
)

// Manager owns the tracer provider and the metrics of one process.
type Manager struct {
	tracerProvider trace.TracerProvider
	metrics        *Metrics
	config         config.ObservabilityConfig
	traceOutput    io.Writer
	mu             sync.RWMutex
}

func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{
		config: cfg,
	}
}

// SetTraceOutput redirects the stdout exporter. It must be called before
// Initialize.
func (m *Manager) SetTraceOutput(w io.Writer) {
	m.traceOutput = w
}

func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitGlobalTracer(ctx, m.config.Tracing, m.traceOutput)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	if m.config.Metrics.IsEnabled() {
		metrics, err := NewMetrics()
		if err != nil {
			return err
		}
		m.metrics = metrics
	}

	return nil
}

func (m *Manager) GetTracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tracerProvider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

// GetMetrics returns nil when metrics are disabled.
func (m *Manager) GetMetrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if spt, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		errs = append(errs, spt.Shutdown(ctx))
	}
	errs = append(errs, m.metrics.Shutdown(ctx))
	return errors.Join(errs...)
}
