// Package metrics exports the query client's instrumentation as Prometheus
// metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-streamdash/query"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "streamdash"

// Default histogram buckets for fetch and mutation durations (in seconds)
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

var _ query.Recorder = (*Recorder)(nil)

// Recorder implements query.Recorder on a private Prometheus registry.
type Recorder struct {
	registry  *prometheus.Registry
	namespace string

	fetchesTotal     *prometheus.CounterVec
	fetchErrors      *prometheus.CounterVec
	fetchShared      *prometheus.CounterVec
	fetchDiscarded   *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	inflightFetches  prometheus.Gauge
	mutationsTotal   *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	invalidations    prometheus.Counter
	invalidatedKeys  prometheus.Counter
}

// New creates a Recorder. An empty namespace uses DefaultNamespace.
func New(namespace string) *Recorder {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Recorder{
		registry:  registry,
		namespace: namespace,

		fetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_fetches_total",
				Help:      "Transport fetches started, by query scope",
			},
			[]string{"scope"},
		),

		fetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_fetch_errors_total",
				Help:      "Fetches that ended in an error, by query scope",
			},
			[]string{"scope"},
		),

		fetchShared: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_fetches_shared_total",
				Help:      "Fetch requests served by joining an in-flight fetch",
			},
			[]string{"scope"},
		),

		fetchDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_fetches_discarded_total",
				Help:      "Fetch results dropped because a newer write superseded them",
			},
			[]string{"scope"},
		),

		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_fetch_duration_seconds",
				Help:      "Duration of transport fetches in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"scope"},
		),

		inflightFetches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "query_fetches_inflight",
				Help:      "Fetches currently in flight",
			},
		),

		mutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutations_total",
				Help:      "Settled mutations, by name and outcome",
			},
			[]string{"mutation", "status"},
		),

		mutationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mutation_duration_seconds",
				Help:      "Duration of mutations from start to settlement in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"mutation"},
		),

		invalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalidations_total",
				Help:      "Invalidation calls, local and received from peers",
			},
		),

		invalidatedKeys: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalidated_keys_total",
				Help:      "Cache entries marked stale by invalidations",
			},
		),
	}

	registry.MustRegister(
		r.fetchesTotal,
		r.fetchErrors,
		r.fetchShared,
		r.fetchDiscarded,
		r.fetchDuration,
		r.inflightFetches,
		r.mutationsTotal,
		r.mutationDuration,
		r.invalidations,
		r.invalidatedKeys,
	)

	return r
}

// FetchStarted implements query.Recorder.
func (r *Recorder) FetchStarted(scope string) {
	r.fetchesTotal.WithLabelValues(scope).Inc()
	r.inflightFetches.Inc()
}

// FetchCompleted implements query.Recorder.
func (r *Recorder) FetchCompleted(scope string, d time.Duration, err error) {
	r.inflightFetches.Dec()
	r.fetchDuration.WithLabelValues(scope).Observe(d.Seconds())
	if err != nil {
		r.fetchErrors.WithLabelValues(scope).Inc()
	}
}

// FetchShared implements query.Recorder.
func (r *Recorder) FetchShared(scope string) {
	r.fetchShared.WithLabelValues(scope).Inc()
}

// FetchDiscarded implements query.Recorder.
func (r *Recorder) FetchDiscarded(scope string) {
	r.fetchDiscarded.WithLabelValues(scope).Inc()
}

// MutationSettled implements query.Recorder.
func (r *Recorder) MutationSettled(name string, status query.MutationStatus, d time.Duration) {
	r.mutationsTotal.WithLabelValues(name, status.String()).Inc()
	r.mutationDuration.WithLabelValues(name).Observe(d.Seconds())
}

// Invalidated implements query.Recorder.
func (r *Recorder) Invalidated(matched int) {
	r.invalidations.Inc()
	r.invalidatedKeys.Add(float64(matched))
}

// Gauge registers a gauge read from fn at scrape time, e.g. the number of
// active pollers.
func (r *Recorder) Gauge(name, help string, fn func() float64) {
	r.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: r.namespace, Name: name, Help: help},
		fn,
	))
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler returns an HTTP handler serving the registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
