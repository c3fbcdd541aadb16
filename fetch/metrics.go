package fetch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds metrics related to the fetch engine.
type Metrics struct {
	Queries      *prometheus.CounterVec
	RowsReturned *prometheus.CounterVec
}

// NewMetrics returns fetch metrics labeled by query kind.
func NewMetrics() *Metrics {
	const (
		namespace = "telarc"
		subsystem = "fetch"
	)

	return &Metrics{
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queries_total",
			Help:      "Count of fetch queries",
		}, []string{"kind"}),

		RowsReturned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rows_returned_total",
			Help:      "Count of sample rows returned to callers",
		}, []string{"kind"}),
	}
}

// PrometheusCollectors returns the metrics for registration.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Queries,
		m.RowsReturned,
	}
}
