package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "interactive_mock"

type serviceMetrics struct {
	calls         *prometheus.CounterVec
	pushes        *prometheus.CounterVec
	pushesDropped *prometheus.CounterVec
	inputs        *prometheus.CounterVec
}

func newServiceMetrics(reg prometheus.Registerer) *serviceMetrics {
	f := promauto.With(reg)
	return &serviceMetrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Method calls received from game clients.",
		}, []string{"method", "outcome"}),
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pushes_total",
			Help:      "Pushes queued to game clients.",
		}, []string{"method"}),
		pushesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pushes_dropped_total",
			Help:      "Pushes not delivered, by reason.",
		}, []string{"method", "reason"}),
		inputs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "inputs_total",
			Help:      "Participant inputs by outcome.",
		}, []string{"outcome"}),
	}
}

func (s *Service) registerClientGauge(reg prometheus.Registerer) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "clients",
		Help:      "Connected game clients.",
	}, func() float64 { return float64(s.broadcaster.ClientCount()) })
}
