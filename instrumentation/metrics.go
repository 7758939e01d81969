package instrumentation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// turn 结果标签
const (
	OutcomeStreamed = "streamed"
	OutcomeFallback = "fallback"
	OutcomeFailed   = "failed"
)

// Metrics 是拦截层的 Prometheus 指标
type Metrics struct {
	turnsTotal     *prometheus.CounterVec
	tokenEmissions *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	fallbacksTotal *prometheus.CounterVec
}

// NewMetrics 在 reg 上注册指标；reg 为 nil 时使用 prometheus.DefaultRegisterer
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Total number of instrumented turns by outcome",
			},
			[]string{"agent_id", "outcome"},
		),
		tokenEmissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_emissions_total",
				Help:      "Total number of streamed content fragments recorded",
			},
			[]string{"agent_id"},
		),
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Instrumented turn duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		fallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_fallbacks_total",
				Help:      "Total number of non-streaming fallbacks after a streaming failure",
			},
			[]string{"provider"},
		),
	}
}

func (m *Metrics) recordTurn(agentID, outcome string, emissions int, duration time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(agentID, outcome).Inc()
	if emissions > 0 {
		m.tokenEmissions.WithLabelValues(agentID).Add(float64(emissions))
	}
	m.turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) recordFallback(provider string) {
	if m == nil {
		return
	}
	m.fallbacksTotal.WithLabelValues(provider).Inc()
}
