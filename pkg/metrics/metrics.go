// Package metrics defines the Prometheus collectors of a search node and
// exposes an HTTP handler for scraping. Recording helpers are safe to call on
// a nil *Metrics so components can run without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for a node.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	ShardFailuresTotal   *prometheus.CounterVec
	DocsIndexedTotal     *prometheus.CounterVec
	BulkItemsTotal       *prometheus.CounterVec
	ShardDocCount        *prometheus.GaugeVec
	ReplicationLag       *prometheus.GaugeVec
	LogTruncationsTotal  *prometheus.CounterVec
	ShipDroppedTotal     prometheus.Counter
	PromotionsTotal      *prometheus.CounterVec
	CompactionsTotal     *prometheus.CounterVec
	ScrollCursorsActive  prometheus.Gauge
	ScrollExpiredTotal   prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all collectors and registers them with reg. A nil reg uses
// the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search requests by index and outcome (ok, partial, failed).",
			},
			[]string{"index", "outcome"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Coordinated search latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"index"},
		),
		ShardFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_shard_failures_total",
				Help: "Shard-level search failures by index and shard.",
			},
			[]string{"index", "shard"},
		),
		DocsIndexedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docs_indexed_total",
				Help: "Write operations applied on primaries by index and operation.",
			},
			[]string{"index", "op"},
		),
		BulkItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulk_items_total",
				Help: "Bulk items processed by result.",
			},
			[]string{"result"},
		),
		ShardDocCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shard_document_count",
				Help: "Number of live documents per primary shard.",
			},
			[]string{"index", "shard"},
		),
		ReplicationLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "replication_lag_entries",
				Help: "Committed log entries not yet applied by a replica.",
			},
			[]string{"index", "shard", "copy"},
		),
		LogTruncationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replication_log_truncated_entries_total",
				Help: "Log entries discarded by truncation.",
			},
			[]string{"index", "shard"},
		),
		ShipDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "replication_ship_dropped_entries_total",
				Help: "Committed entries dropped by the Kafka shipper while the broker was unreachable.",
			},
		),
		PromotionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replica_promotions_total",
				Help: "Replica promotions after primary failure.",
			},
			[]string{"index", "shard"},
		),
		CompactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_compactions_total",
				Help: "Segment compactions by index and shard.",
			},
			[]string{"index", "shard"},
		),
		ScrollCursorsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scroll_cursors_active",
				Help: "Scroll cursors currently held by this node.",
			},
		),
		ScrollExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scroll_cursors_expired_total",
				Help: "Scroll cursors removed after their keep-alive elapsed.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		gatherer: gatherer,
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.ShardFailuresTotal,
		m.DocsIndexedTotal,
		m.BulkItemsTotal,
		m.ShardDocCount,
		m.ReplicationLag,
		m.LogTruncationsTotal,
		m.ShipDroppedTotal,
		m.PromotionsTotal,
		m.CompactionsTotal,
		m.ScrollCursorsActive,
		m.ScrollExpiredTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSearch(index, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.SearchQueriesTotal.WithLabelValues(index, outcome).Inc()
	m.SearchLatency.WithLabelValues(index).Observe(took.Seconds())
}

func (m *Metrics) ShardFailure(index string, shard int) {
	if m == nil {
		return
	}
	m.ShardFailuresTotal.WithLabelValues(index, strconv.Itoa(shard)).Inc()
}

func (m *Metrics) DocIndexed(index, op string) {
	if m == nil {
		return
	}
	m.DocsIndexedTotal.WithLabelValues(index, op).Inc()
}

func (m *Metrics) BulkItem(result string) {
	if m == nil {
		return
	}
	m.BulkItemsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetShardDocs(index string, shard, docs int) {
	if m == nil {
		return
	}
	m.ShardDocCount.WithLabelValues(index, strconv.Itoa(shard)).Set(float64(docs))
}

func (m *Metrics) SetReplicationLag(index string, shard int, copyID string, lag int64) {
	if m == nil {
		return
	}
	m.ReplicationLag.WithLabelValues(index, strconv.Itoa(shard), copyID).Set(float64(lag))
}

func (m *Metrics) LogTruncated(index string, shard, entries int) {
	if m == nil || entries == 0 {
		return
	}
	m.LogTruncationsTotal.WithLabelValues(index, strconv.Itoa(shard)).Add(float64(entries))
}

func (m *Metrics) ShipDropped(entries int) {
	if m == nil || entries == 0 {
		return
	}
	m.ShipDroppedTotal.Add(float64(entries))
}

func (m *Metrics) Promoted(index string, shard int) {
	if m == nil {
		return
	}
	m.PromotionsTotal.WithLabelValues(index, strconv.Itoa(shard)).Inc()
}

func (m *Metrics) Compacted(index string, shard int) {
	if m == nil {
		return
	}
	m.CompactionsTotal.WithLabelValues(index, strconv.Itoa(shard)).Inc()
}

func (m *Metrics) ScrollOpened() {
	if m == nil {
		return
	}
	m.ScrollCursorsActive.Inc()
}

func (m *Metrics) ScrollClosed(expired bool) {
	if m == nil {
		return
	}
	m.ScrollCursorsActive.Dec()
	if expired {
		m.ScrollExpiredTotal.Inc()
	}
}

// SetBreakerState matches resilience.CircuitBreakerConfig.OnStateChange.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
