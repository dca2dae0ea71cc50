package observability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/tollgate/pkg/admission"
	"github.com/kadirpekel/tollgate/pkg/config"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_AdmissionCounters(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.Admitted(ctx, "/v1/chat/completions")
	m.Rejected(ctx, "/v1/chat/completions", admission.CodeInvalidSignature)
	m.Rejected(ctx, "/v1/chat/completions", admission.CodeInvalidSignature)
	m.FailOpenHook("ratelimit")(ctx, errors.New("connection refused"))

	out := scrape(t, m)
	assert.Contains(t, out, `tollgate_admissions_total{outcome="admitted",route="/v1/chat/completions"} 1`)
	assert.Contains(t, out, `tollgate_admissions_total{outcome="rejected",route="/v1/chat/completions"} 2`)
	assert.Contains(t, out, `tollgate_rejections_total{code="INVALID_SIGNATURE"} 2`)
	assert.Contains(t, out, `tollgate_fail_open_total{component="ratelimit"} 1`)
}

func TestMetrics_Upstream(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordUpstream(ctx, 20*time.Millisecond, nil)
	m.RecordUpstream(ctx, 30*time.Millisecond, errors.New("bad gateway"))

	out := scrape(t, m)
	assert.Contains(t, out, "tollgate_upstream_errors_total 1")
	assert.Contains(t, out, "tollgate_upstream_duration_seconds_count 2")
}

func TestMetrics_SessionsGauge(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	n := 3
	require.NoError(t, m.ObserveSessions(func(context.Context) (int, error) { return n, nil }))
	assert.Contains(t, scrape(t, m), "tollgate_sessions_active 3")

	n = 5
	assert.Contains(t, scrape(t, m), "tollgate_sessions_active 5")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.Admitted(ctx, "/")
	m.Rejected(ctx, "/", admission.CodeDailyQuotaExceeded)
	m.RecordFailOpen(ctx, "quota")
	m.FailOpenHook("replay")(ctx, nil)
	m.RecordHTTPRequest(ctx, http.MethodGet, "/", 200, time.Millisecond)
	m.RecordUpstream(ctx, time.Millisecond, nil)
	assert.NoError(t, m.ObserveSessions(nil))
	assert.NoError(t, m.Shutdown(ctx))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPMiddleware_RoutePattern(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware(GetTracer("test"), m))
	r.Get("/v1/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	out := scrape(t, m)
	assert.Contains(t, out, `tollgate_http_requests_total{method="GET",route="/v1/sessions/{id}",status="404"} 3`)
	assert.Contains(t, out, "tollgate_http_request_duration_seconds_bucket")
}

func TestManager_Disabled(t *testing.T) {
	cfg := config.ObservabilityConfig{}
	cfg.Metrics.Enabled = config.BoolPtr(false)

	mgr := NewManager(cfg)
	require.NoError(t, mgr.Initialize(context.Background()))

	assert.Nil(t, mgr.GetMetrics())
	_, span := mgr.GetTracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, mgr.Shutdown(context.Background()))
}

func TestManager_StdoutTracing(t *testing.T) {
	cfg := config.ObservabilityConfig{}
	cfg.SetDefaults()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	cfg.Tracing.SamplingRate = 1

	var buf bytes.Buffer
	mgr := NewManager(cfg)
	mgr.SetTraceOutput(&buf)
	require.NoError(t, mgr.Initialize(context.Background()))
	require.NotNil(t, mgr.GetMetrics())

	_, span := mgr.GetTracer("test").Start(context.Background(), "admission")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, mgr.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"admission"`)
}

func TestHTTPMiddleware_ContinuesIncomingTrace(t *testing.T) {
	cfg := config.ObservabilityConfig{}
	cfg.SetDefaults()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	cfg.Tracing.SamplingRate = 1

	var buf bytes.Buffer
	mgr := NewManager(cfg)
	mgr.SetTraceOutput(&buf)
	require.NoError(t, mgr.Initialize(context.Background()))

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	r := chi.NewRouter()
	r.Use(HTTPMiddleware(mgr.GetTracer("test"), mgr.GetMetrics()))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		seen = trace.SpanContextFromContext(r.Context()).TraceID().String()
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, traceID, seen)
	require.NoError(t, mgr.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), AttrResponseSize)
}
