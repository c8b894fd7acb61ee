// Package observability records per-attempt telemetry for the HTTP pipeline
// and WebSocket sessions. Events fan out to structured logs, Prometheus
// metrics and OpenTelemetry spans.
package observability

import (
	"context"
	"errors"
	"time"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/logging"
	"github.com/ajitpratap0/platform-client-go/pkg/retry"
)

// Kind identifies the transport that produced an event.
type Kind string

const (
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "ws"
)

// Outcome summarises how an attempt ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRetry       Outcome = "retry"
	OutcomeRefresh     Outcome = "refresh"
	OutcomeFailure     Outcome = "failure"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCancelled   Outcome = "cancelled"
)

// Event describes a single attempt of a logical request.
type Event struct {
	Kind      Kind
	Route     string
	Method    string
	RequestID string
	Attempt   int
	Outcome   Outcome
	Status    int
	Latency   time.Duration
	Err       error
	Time      time.Time
}

// OutcomeFor derives the outcome of an attempt from its error and the retry
// decision taken after it.
func OutcomeFor(err error, d retry.Decision) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if d.RefreshToken {
		return OutcomeRefresh
	}
	if d.Retry {
		return OutcomeRetry
	}
	switch retry.Classify(err) {
	case retry.ClassCancelled:
		if isTimeout(err) {
			return OutcomeTimeout
		}
		return OutcomeCancelled
	}
	if isRateLimited(err) {
		return OutcomeRateLimited
	}
	return OutcomeFailure
}

// Recorder receives telemetry events. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, ev Event)

func (f RecorderFunc) Record(ctx context.Context, ev Event) { f(ctx, ev) }

type multiRecorder []Recorder

// Multi fans an event out to every non-nil recorder.
func Multi(recorders ...Recorder) Recorder {
	out := make(multiRecorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multiRecorder) Record(ctx context.Context, ev Event) {
	for _, r := range m {
		r.Record(ctx, ev)
	}
}

// Nop returns a recorder that drops every event.
func Nop() Recorder {
	return RecorderFunc(func(context.Context, Event) {})
}

// LogRecorder writes one structured log entry per event. Successful
// attempts log at debug level, retries at info and failures at warn.
type LogRecorder struct {
	logger logging.Logger
}

// NewLogRecorder creates a recorder logging through l.
func NewLogRecorder(l logging.Logger) *LogRecorder {
	return &LogRecorder{logger: logging.OrNop(l).WithFields(logging.Component("telemetry"))}
}

func (r *LogRecorder) Record(ctx context.Context, ev Event) {
	fields := []logging.Field{
		logging.String("kind", string(ev.Kind)),
		logging.String("route", ev.Route),
		logging.String("method", ev.Method),
		logging.Int("attempt", ev.Attempt),
		logging.String("outcome", string(ev.Outcome)),
		logging.Duration("latency", ev.Latency),
	}
	if ev.RequestID != "" {
		fields = append(fields, logging.String("request_id", ev.RequestID))
	}
	if ev.Status != 0 {
		fields = append(fields, logging.Int("status", ev.Status))
	}
	if ev.Err != nil {
		fields = append(fields, logging.ErrorField(ev.Err))
	}

	switch ev.Outcome {
	case OutcomeSuccess:
		r.logger.Debug("attempt completed", fields...)
	case OutcomeRetry, OutcomeRefresh:
		r.logger.Info("attempt failed, retrying", fields...)
	default:
		r.logger.Warn("attempt failed", fields...)
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || sdkerrors.IsCategory(err, sdkerrors.CategoryTimeout)
}

func isRateLimited(err error) bool {
	return sdkerrors.IsCategory(err, sdkerrors.CategoryRateLimited)
}
