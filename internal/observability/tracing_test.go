package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tracer, err := NewTracer(
		TracerConfig{ServiceName: "keygate-test", SamplingRate: 1, Enabled: true},
		WithSpanExporter(exporter),
		WithoutGlobalProvider(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracer.Shutdown(context.Background()) })
	return tracer, exporter
}

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{ServiceName: "test-service"})

	require.NoError(t, err)
	assert.Nil(t, tracer.provider)
	assert.NoError(t, tracer.Shutdown(context.Background()))

	_, span := tracer.StartSpan(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
}

func TestSamplerFor(t *testing.T) {
	t.Parallel()

	assert.Contains(t, samplerFor(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, samplerFor(2).Description(), "AlwaysOnSampler")
	assert.Contains(t, samplerFor(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, samplerFor(-1).Description(), "AlwaysOffSampler")
	assert.Contains(t, samplerFor(0.25).Description(), "TraceIDRatioBased")
	assert.Contains(t, samplerFor(0.25).Description(), "ParentBased")
}

func TestTracingMiddleware_RecordsServerSpan(t *testing.T) {
	t.Parallel()

	tracer, exporter := newTestTracer(t)

	var traceID string
	handler := TracingMiddleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = TraceIDFromContext(r.Context())
		w.WriteHeader(http.StatusBadGateway)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api?key=sk_secret", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]

	assert.Equal(t, "POST /api", span.Name)
	assert.Equal(t, span.SpanContext.TraceID().String(), traceID)
	assert.Equal(t, codes.Error, span.Status.Code)

	attrs := map[string]any{}
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
		assert.NotContains(t, kv.Value.Emit(), "sk_secret")
	}
	assert.Equal(t, "/api", attrs["url.path"])
	assert.Equal(t, int64(http.StatusBadGateway), attrs["http.response.status_code"])
}

func TestTracingMiddleware_SuccessLeavesStatusUnset(t *testing.T) {
	t.Parallel()

	tracer, exporter := newTestTracer(t)

	handler := TracingMiddleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
}

func TestInjectTraceContext(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	InjectTraceContext(context.Background(), req)
	assert.Empty(t, req.Header.Get("traceparent"))
}
