package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	ecmRequests         *prometheus.CounterVec
	fetchDuration       prometheus.Histogram
	treeNodes           prometheus.Gauge
	treeLeaves          prometheus.Gauge
	treeDevices         prometheus.Gauge
}

// New creates a fresh Metrics registry with HTTP, ECM fetch and tree-size
// metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cla",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by the dashboard server",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cla",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by the dashboard server",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	ecmRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cla",
		Name:      "ecm_requests_total",
		Help:      "Count of requests issued to the ECM API, per endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	fetchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cla",
		Name:      "ecm_fetch_duration_seconds",
		Help:      "Duration of the startup group fetch from first request to last",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	treeNodes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cla",
		Name:      "tree_nodes",
		Help:      "Number of nodes in the built configuration tree",
	})

	treeLeaves := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cla",
		Name:      "tree_leaves",
		Help:      "Number of value leaves in the built configuration tree",
	})

	treeDevices := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cla",
		Name:      "tree_devices",
		Help:      "Number of devices contributing to the configuration tree",
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		ecmRequests,
		fetchDuration,
		treeNodes,
		treeLeaves,
		treeDevices,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		ecmRequests:         ecmRequests,
		fetchDuration:       fetchDuration,
		treeNodes:           treeNodes,
		treeLeaves:          treeLeaves,
		treeDevices:         treeDevices,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// IncECMRequest counts one request to the vendor API. outcome is "ok",
// "retried" or "error".
func (m *Metrics) IncECMRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.ecmRequests.With(prometheus.Labels{"endpoint": endpoint, "outcome": outcome}).Inc()
}

// ObserveFetchDuration observes the duration of the startup group fetch.
func (m *Metrics) ObserveFetchDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(duration.Seconds())
}

// SetTreeSize records the size of the built tree.
func (m *Metrics) SetTreeSize(nodes, leaves, devices int) {
	if m == nil {
		return
	}
	m.treeNodes.Set(float64(nodes))
	m.treeLeaves.Set(float64(leaves))
	m.treeDevices.Set(float64(devices))
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
