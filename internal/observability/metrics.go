package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the monitoring cycle.
type Metrics struct {
	CyclesTotal     prometheus.Counter
	CycleDuration   prometheus.Histogram
	FetchErrors     *prometheus.CounterVec // labels: tank
	RangeRejections *prometheus.CounterVec // labels: tank, reason={range,invalid}
	TankFullness    *prometheus.GaugeVec   // labels: tank
	SinkErrors      prometheus.Counter
	BufferedReports prometheus.Gauge
}

const namespace = "tankwatch"

func newMetrics() *Metrics {
	return &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total completed collect-analyse-report cycles.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete monitoring cycle including publishing.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Failed or timed out sensor reading fetches per tank.",
		}, []string{"tank"}),
		RangeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "range_rejections_total",
			Help:      "Sensor readings rejected as out of range or invalid, per tank.",
		}, []string{"tank", "reason"}),
		TankFullness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tank_fullness_percent",
			Help:      "Most recently computed fullness per tank.",
		}, []string{"tank"}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Reports that could not be published.",
		}),
		BufferedReports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_reports",
			Help:      "Reports waiting in the retry buffer.",
		}),
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.FetchErrors,
		m.RangeRejections,
		m.TankFullness,
		m.SinkErrors,
		m.BufferedReports,
	)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, so
// tests can build as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

// The helpers below tolerate a nil *Metrics so components can run without
// instrumentation.

func (m *Metrics) CycleCompleted(seconds float64) {
	if m == nil {
		return
	}
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(seconds)
}

func (m *Metrics) FetchFailed(tank string) {
	if m == nil {
		return
	}
	m.FetchErrors.WithLabelValues(tank).Inc()
}

func (m *Metrics) ReadingRejected(tank, reason string) {
	if m == nil {
		return
	}
	m.RangeRejections.WithLabelValues(tank, reason).Inc()
}

func (m *Metrics) SetFullness(tank string, fullness float64) {
	if m == nil {
		return
	}
	m.TankFullness.WithLabelValues(tank).Set(fullness)
}

func (m *Metrics) SinkFailed() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}

func (m *Metrics) SetBuffered(n int64) {
	if m == nil {
		return
	}
	m.BufferedReports.Set(float64(n))
}
