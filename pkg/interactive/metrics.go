package interactive

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agent-racer/interactive/pkg/protocol"
	"github.com/agent-racer/interactive/pkg/txn"
)

const metricsNamespace = "interactive"

// metrics holds the Prometheus metrics of one session.
type metrics struct {
	framesIn       *prometheus.CounterVec
	framesOut      prometheus.Counter
	callDuration   *prometheus.HistogramVec
	callErrors     *prometheus.CounterVec
	inputEvents    prometheus.Counter
	patchRejects   prometheus.Counter
	state          prometheus.Gauge
	connectsTotal  *prometheus.CounterVec
	tokenRefreshes prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, queueLen func() float64) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "input_queue_depth",
		Help:      "Input events waiting to be drained",
	}, queueLen)

	return &metrics{
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Frames received by kind",
		}, []string{"kind"}),

		framesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Frames sent to the service",
		}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "call_duration_seconds",
			Help:      "Method call round trip in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		callErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "call_errors_total",
			Help:      "Failed method calls by method and error type",
		}, []string{"method", "error_type"}),

		inputEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "input_events_total",
			Help:      "Participant inputs queued",
		}),

		patchRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "patch_rejects_total",
			Help:      "State patches rejected by the tree",
		}),

		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "session_state",
			Help:      "Current session state (0 closed, 1 connecting, 2 authenticating, 3 open, 4 closing)",
		}),

		connectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connects_total",
			Help:      "Connect attempts by outcome",
		}, []string{"outcome"}),

		tokenRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "token_refreshes_total",
			Help:      "Stale tokens refreshed before connecting",
		}),
	}
}

func errorType(err error) string {
	var werr *protocol.Error
	switch {
	case errors.As(err, &werr):
		return "reply"
	case errors.Is(err, txn.ErrTimeout):
		return "timeout"
	case errors.Is(err, txn.ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrConnection):
		return "connection"
	}
	return "other"
}
