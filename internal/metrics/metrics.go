// Package metrics provides Prometheus collectors for the artifact store.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace is the metric name prefix.
const DefaultNamespace = "artifact_store"

// Label values shared by callers.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultRejected = "rejected"

	SourceLocal  = "local"
	SourceRemote = "remote"

	OpIncrement = "increment"
	OpDecrement = "decrement"
)

// Metrics holds every collector exported by the service.
// Each instance owns its registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	// Uploads
	UploadsTotal      *prometheus.CounterVec
	UploadBytesTotal  prometheus.Counter
	TokensIssuedTotal prometheus.Counter

	// Persistence
	FetchesTotal *prometheus.CounterVec

	// Reference counting
	RefCountUpdatesTotal *prometheus.CounterVec

	// Garbage collection
	GCRunsTotal       *prometheus.CounterVec
	GCDeletedTotal    prometheus.Counter
	GCErrorsTotal     prometheus.Counter
	GCDuration        prometheus.Histogram
	GCLastRunTime     prometheus.Gauge
	GCLastRunFailures prometheus.Gauge

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Total number of artifact uploads by result",
		}, []string{"result"}),
		UploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total number of bytes accepted by successful uploads",
		}),
		TokensIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_tokens_issued_total",
			Help:      "Total number of upload tokens issued",
		}),
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Total number of blob fetches by source",
		}, []string{"source"}),
		RefCountUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refcount_updates_total",
			Help:      "Total number of reference count updates by operation",
		}, []string{"op"}),
		GCRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_runs_total",
			Help:      "Total number of garbage collection runs by result",
		}, []string{"result"}),
		GCDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_deleted_blobs_total",
			Help:      "Total number of blobs deleted by garbage collection",
		}),
		GCErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_errors_total",
			Help:      "Total number of per-blob garbage collection failures",
		}),
		GCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_duration_seconds",
			Help:      "Duration of garbage collection runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		GCLastRunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gc_last_run_timestamp_seconds",
			Help:      "Unix time of the last garbage collection run",
		}),
		GCLastRunFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gc_last_run_delete_failures",
			Help:      "Number of blob deletions that failed in the last garbage collection run",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.UploadsTotal,
		m.UploadBytesTotal,
		m.TokensIssuedTotal,
		m.FetchesTotal,
		m.RefCountUpdatesTotal,
		m.GCRunsTotal,
		m.GCDeletedTotal,
		m.GCErrorsTotal,
		m.GCDuration,
		m.GCLastRunTime,
		m.GCLastRunFailures,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordUpload records the outcome of an upload.
func (m *Metrics) RecordUpload(result string, bytes int64) {
	m.UploadsTotal.WithLabelValues(result).Inc()
	if result == ResultOK && bytes > 0 {
		m.UploadBytesTotal.Add(float64(bytes))
	}
}

// RecordFetch records where a blob was served from.
func (m *Metrics) RecordFetch(source string) {
	m.FetchesTotal.WithLabelValues(source).Inc()
}

// RecordRefCountUpdate records n reference count updates.
func (m *Metrics) RecordRefCountUpdate(op string, n int) {
	if n > 0 {
		m.RefCountUpdatesTotal.WithLabelValues(op).Add(float64(n))
	}
}

// RecordGCRun records a finished garbage collection run.
func (m *Metrics) RecordGCRun(durationSeconds float64, deleted, failed int) {
	result := ResultOK
	if failed > 0 {
		result = ResultError
	}
	m.GCRunsTotal.WithLabelValues(result).Inc()
	m.GCDuration.Observe(durationSeconds)
	m.GCDeletedTotal.Add(float64(deleted))
	m.GCErrorsTotal.Add(float64(failed))
	m.GCLastRunFailures.Set(float64(failed))
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
