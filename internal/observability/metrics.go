package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors of one process. All methods are
// safe on a nil receiver so components can run without metrics wired in.
type Metrics struct {
	registry *prometheus.Registry

	storeWrites         *prometheus.CounterVec
	integrityViolations *prometheus.CounterVec
	parseFailures       *prometheus.CounterVec
	registerBuilds      prometheus.Counter
	registerRows        prometheus.Gauge
	traversalSize       *prometheus.HistogramVec
	httpRequests        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		storeWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riskgraph",
				Name:      "store_writes_total",
				Help:      "Records written to the knowledge store by entity",
			},
			[]string{"entity"},
		),
		integrityViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riskgraph",
				Name:      "store_integrity_violations_total",
				Help:      "Writes rejected because they referenced missing or foreign records",
			},
			[]string{"entity"},
		),
		parseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riskgraph",
				Name:      "parse_failures_total",
				Help:      "Records excluded from derived computations because they could not be parsed",
			},
			[]string{"stage"},
		),
		registerBuilds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "riskgraph",
				Name:      "register_builds_total",
				Help:      "Risk register builds completed",
			},
		),
		registerRows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "riskgraph",
				Name:      "register_rows",
				Help:      "Rows in the most recently built risk register",
			},
		),
		traversalSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "riskgraph",
				Name:      "traversal_reached_resources",
				Help:      "Resources reached per graph traversal",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"mode"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riskgraph",
				Name:      "http_requests_total",
				Help:      "Query API requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}

	m.registry.MustRegister(
		m.storeWrites,
		m.integrityViolations,
		m.parseFailures,
		m.registerBuilds,
		m.registerRows,
		m.traversalSize,
		m.httpRequests,
	)
	return m
}

// Registry exposes the registry for HTTP handlers and textfile export.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) StoreWrite(entity string) {
	if m == nil {
		return
	}
	m.storeWrites.WithLabelValues(entity).Inc()
}

func (m *Metrics) IntegrityViolation(entity string) {
	if m == nil {
		return
	}
	m.integrityViolations.WithLabelValues(entity).Inc()
}

func (m *Metrics) ParseFailures(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.parseFailures.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) RegisterBuilt(rows int) {
	if m == nil {
		return
	}
	m.registerBuilds.Inc()
	m.registerRows.Set(float64(rows))
}

func (m *Metrics) Traversal(mode string, reached int) {
	if m == nil {
		return
	}
	m.traversalSize.WithLabelValues(mode).Observe(float64(reached))
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// WriteTextfile dumps the current values in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
