package observability

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsConfig configures the Prometheus recorder
type MetricsConfig struct {
	// Namespace prefixes every metric (default: platform_client)
	Namespace string `json:"namespace" yaml:"namespace" toml:"namespace"`
	// Subsystem is optional
	Subsystem string `json:"subsystem" yaml:"subsystem" toml:"subsystem"`
	// HistogramBuckets are the latency buckets in milliseconds
	HistogramBuckets []float64 `json:"histogram_buckets" yaml:"histogram_buckets" toml:"histogram_buckets"`
	// ConstLabels are added to all metrics
	ConstLabels prometheus.Labels `json:"const_labels" yaml:"const_labels" toml:"const_labels"`
}

// MetricsRecorder implements Recorder and session state tracking on top of
// Prometheus collectors.
type MetricsRecorder struct {
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	sessionState    *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	pendingCalls    *prometheus.GaugeVec
}

// NewMetricsRecorder creates the collectors and registers them on reg. A nil
// reg uses prometheus.DefaultRegisterer. Collectors that are already
// registered with the same descriptors are reused.
func NewMetricsRecorder(config MetricsConfig, reg prometheus.Registerer) (*MetricsRecorder, error) {
	if config.Namespace == "" {
		config.Namespace = "platform_client"
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &MetricsRecorder{
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "attempts_total",
				Help:        "Total number of request attempts by transport, route and outcome",
				ConstLabels: config.ConstLabels,
			},
			[]string{"kind", "route", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "attempt_duration_milliseconds",
				Help:        "Latency of request attempts in milliseconds",
				Buckets:     config.HistogramBuckets,
				ConstLabels: config.ConstLabels,
			},
			[]string{"kind", "route"},
		),
		sessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "session_state",
				Help:        "1 for the current state of each WebSocket session, 0 otherwise",
				ConstLabels: config.ConstLabels,
			},
			[]string{"endpoint", "state"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "session_transitions_total",
				Help:        "WebSocket session state transitions",
				ConstLabels: config.ConstLabels,
			},
			[]string{"endpoint", "from", "to"},
		),
		pendingCalls: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "pending_calls",
				Help:        "Calls awaiting a reply on a WebSocket session",
				ConstLabels: config.ConstLabels,
			},
			[]string{"endpoint"},
		),
	}

	var err error
	if m.attemptsTotal, err = register(reg, m.attemptsTotal); err != nil {
		return nil, err
	}
	if m.attemptDuration, err = register(reg, m.attemptDuration); err != nil {
		return nil, err
	}
	if m.sessionState, err = register(reg, m.sessionState); err != nil {
		return nil, err
	}
	if m.transitions, err = register(reg, m.transitions); err != nil {
		return nil, err
	}
	if m.pendingCalls, err = register(reg, m.pendingCalls); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Record implements Recorder
func (m *MetricsRecorder) Record(_ context.Context, ev Event) {
	m.attemptsTotal.WithLabelValues(string(ev.Kind), ev.Route, string(ev.Outcome)).Inc()
	m.attemptDuration.WithLabelValues(string(ev.Kind), ev.Route).
		Observe(float64(ev.Latency.Microseconds()) / 1000.0)
}

// SessionTransition records a WebSocket session moving between states.
func (m *MetricsRecorder) SessionTransition(endpoint, from, to string) {
	m.transitions.WithLabelValues(endpoint, from, to).Inc()
	m.sessionState.WithLabelValues(endpoint, from).Set(0)
	m.sessionState.WithLabelValues(endpoint, to).Set(1)
}

// PendingCalls records the number of calls awaiting a reply.
func (m *MetricsRecorder) PendingCalls(endpoint string, n int) {
	m.pendingCalls.WithLabelValues(endpoint).Set(float64(n))
}
