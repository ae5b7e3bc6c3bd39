package lake

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instrumentation for a Lake. Collectors live on a
// private registry so two lakes in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	writes     *prometheus.CounterVec
	gapQueries *prometheus.CounterVec
	dedupIn    prometheus.Counter
	dedupOut   prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.writes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracklake",
		Name:      "table_writes_total",
		Help:      "Table write operations by table, mode and outcome.",
	}, []string{"table", "mode", "status"})
	m.gapQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracklake",
		Name:      "gap_queries_total",
		Help:      "Gap detection queries by entity type.",
	}, []string{"entity"})
	m.dedupIn = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tracklake",
		Name:      "dedup_events_in_total",
		Help:      "Play events received for deduplication.",
	})
	m.dedupOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tracklake",
		Name:      "dedup_events_out_total",
		Help:      "Play events surviving deduplication.",
	})

	m.registry.MustRegister(m.writes, m.gapQueries, m.dedupIn, m.dedupOut)
	return m
}

func (m *Metrics) ObserveWrite(table, mode, status string) {
	m.writes.WithLabelValues(table, mode, status).Inc()
}

func (m *Metrics) ObserveGapQuery(entity string) {
	m.gapQueries.WithLabelValues(entity).Inc()
}

func (m *Metrics) ObserveDedup(in, out int) {
	m.dedupIn.Add(float64(in))
	m.dedupOut.Add(float64(out))
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
