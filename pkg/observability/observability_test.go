package observability

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/logging"
	"github.com/ajitpratap0/platform-client-go/pkg/retry"
)

// captureRecorder collects events for assertions.
type captureRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureRecorder) Record(_ context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, OutcomeFor(nil, retry.Decision{}))
	assert.Equal(t, OutcomeRetry, OutcomeFor(sdkerrors.HTTPStatus("GET", "", 503, 0, ""), retry.Decision{Retry: true}))
	assert.Equal(t, OutcomeRefresh, OutcomeFor(sdkerrors.HTTPStatus("GET", "", 401, 0, ""), retry.Decision{Retry: true, RefreshToken: true}))
	assert.Equal(t, OutcomeTimeout, OutcomeFor(context.DeadlineExceeded, retry.Decision{}))
	assert.Equal(t, OutcomeCancelled, OutcomeFor(context.Canceled, retry.Decision{}))
	assert.Equal(t, OutcomeRateLimited, OutcomeFor(sdkerrors.RateLimited("tx", 0), retry.Decision{}))
	assert.Equal(t, OutcomeFailure, OutcomeFor(sdkerrors.HTTPStatus("GET", "", 400, 0, ""), retry.Decision{}))
}

func TestMultiRecorder(t *testing.T) {
	a, b := &captureRecorder{}, &captureRecorder{}
	r := Multi(a, nil, b)

	r.Record(context.Background(), Event{Route: "kvs", Attempt: 1})
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, &logging.TextFormatter{DisableColors: true, DisableTimestamp: true})
	r := NewLogRecorder(logger)

	r.Record(context.Background(), Event{Kind: KindHTTP, Route: "account", Method: "POST", Attempt: 1, Outcome: OutcomeSuccess})
	assert.Empty(t, buf.String(), "successes log at debug")

	r.Record(context.Background(), Event{
		Kind: KindHTTP, Route: "account", Method: "POST", Attempt: 2,
		Outcome: OutcomeRetry, Status: 503, Latency: 12 * time.Millisecond,
	})
	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "<account>")
	assert.Contains(t, out, "attempt=2")
	assert.Contains(t, out, "outcome=retry")
	assert.Contains(t, out, "status=503")
}

func TestMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetricsRecorder(MetricsConfig{Namespace: "test"}, reg)
	require.NoError(t, err)

	ctx := context.Background()
	m.Record(ctx, Event{Kind: KindHTTP, Route: "kvs", Outcome: OutcomeRetry, Latency: 5 * time.Millisecond})
	m.Record(ctx, Event{Kind: KindHTTP, Route: "kvs", Outcome: OutcomeRetry, Latency: 7 * time.Millisecond})
	m.Record(ctx, Event{Kind: KindHTTP, Route: "kvs", Outcome: OutcomeSuccess, Latency: 3 * time.Millisecond})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attemptsTotal.WithLabelValues("http", "kvs", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attemptsTotal.WithLabelValues("http", "kvs", "success")))

	m.SessionTransition("transactor", "connecting", "open")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionState.WithLabelValues("transactor", "open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionState.WithLabelValues("transactor", "connecting")))

	m.PendingCalls("transactor", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pendingCalls.WithLabelValues("transactor")))

	// a second recorder on the same registry reuses the collectors
	m2, err := NewMetricsRecorder(MetricsConfig{Namespace: "test"}, reg)
	require.NoError(t, err)
	m2.Record(ctx, Event{Kind: KindHTTP, Route: "kvs", Outcome: OutcomeSuccess})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.attemptsTotal.WithLabelValues("http", "kvs", "success")))
}

func TestTracingRecorder(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	r := NewTracingRecorder(tp)

	end := time.Now()
	r.Record(context.Background(), Event{
		Kind: KindWebSocket, Route: "transactor", Method: "findAll", Attempt: 1,
		Outcome: OutcomeFailure, Latency: 20 * time.Millisecond, Time: end,
		Err: sdkerrors.ConnectionLost("websocket", "", nil),
	})

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "ws findAll", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, 20*time.Millisecond, span.EndTime().Sub(span.StartTime()))

	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "transactor", attrs["platform.route"])
	assert.Equal(t, "failure", attrs["platform.outcome"])
	assert.Equal(t, "1", attrs["platform.attempt"])
}

func TestNewTracingProviderNoop(t *testing.T) {
	tp, err := NewTracingProvider(TracingConfig{ExporterType: ExporterTypeNoop})
	require.NoError(t, err)
	require.NotNil(t, tp.TracerProvider())
	require.NoError(t, tp.Shutdown(context.Background()))
	require.NoError(t, tp.Shutdown(context.Background()))

	_, err = NewTracingProvider(TracingConfig{ExporterType: "jaeger"})
	assert.Error(t, err)
}
