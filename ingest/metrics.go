package ingest

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds metrics related to the ingest pipeline.
type Metrics struct {
	FilesIngested *prometheus.CounterVec
	FilesSkipped  *prometheus.CounterVec
	RowsAppended  *prometheus.CounterVec
	GapRejections *prometheus.CounterVec
}

// NewMetrics returns ingest metrics labeled by content type.
func NewMetrics() *Metrics {
	const (
		namespace = "telarc"
		subsystem = "ingest"
	)

	return &Metrics{
		FilesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "files_ingested_total",
			Help:      "Count of source files successfully appended",
		}, []string{"content"}),

		FilesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "files_skipped_total",
			Help:      "Count of source files skipped (already ingested, undecodable, invalid or empty)",
		}, []string{"content", "reason"}),

		RowsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rows_appended_total",
			Help:      "Count of rows appended to content columns",
		}, []string{"content"}),

		GapRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "gap_rejections_total",
			Help:      "Count of source files rejected by the gap policy",
		}, []string{"content"}),
	}
}

// PrometheusCollectors returns the metrics for registration.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FilesIngested,
		m.FilesSkipped,
		m.RowsAppended,
		m.GapRejections,
	}
}
