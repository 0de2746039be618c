// Package metrics exposes measurement outcomes as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AbdulRehman2040/speed-test-api/internal/probe"
)

const namespace = "speedtest"

// Outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeEstimate = "estimated"
)

// Recorder collects measurement metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	probeRuns           *prometheus.CounterVec
	probeDuration       *prometheus.HistogramVec
	measurements        *prometheus.CounterVec
	measurementDuration prometheus.Histogram
	throughput          *prometheus.GaugeVec
	latency             prometheus.Gauge
	rateLimited         prometheus.Counter
}

// New creates a Recorder with Go runtime and process collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		probeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_runs_total",
			Help:      "Probe runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Transfer time of successful throughput probes.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"kind"}),
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "measurements_total",
			Help:      "Completed measurements by outcome.",
		}, []string{"outcome"}),
		measurementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "measurement_duration_seconds",
			Help:      "Wall time of whole measurements.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 45, 60},
		}),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throughput_mbps",
			Help:      "Most recent throughput by direction.",
		}, []string{"direction"}),
		latency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latency_ms",
			Help:      "Most recent reported latency.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Measurement requests rejected by the rate limiter.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.probeRuns,
		r.probeDuration,
		r.measurements,
		r.measurementDuration,
		r.throughput,
		r.latency,
		r.rateLimited,
	)
	return r
}

// ObserveProbe records one probe result.
func (r *Recorder) ObserveProbe(res probe.Result) {
	outcome := OutcomeFailure
	switch {
	case res.Succeeded && res.Estimated:
		outcome = OutcomeEstimate
	case res.Succeeded:
		outcome = OutcomeSuccess
	}
	r.probeRuns.WithLabelValues(string(res.Kind), outcome).Inc()

	if !res.Succeeded {
		return
	}
	switch res.Kind {
	case probe.KindDownload, probe.KindUpload:
		r.throughput.WithLabelValues(string(res.Kind)).Set(res.Value)
		if res.Elapsed > 0 {
			r.probeDuration.WithLabelValues(string(res.Kind)).Observe(res.Elapsed.Seconds())
		}
	case probe.KindLatency:
		r.latency.Set(res.Value)
	}
}

// ObserveMeasurement records one finished measurement.
func (r *Recorder) ObserveMeasurement(elapsed time.Duration, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	r.measurements.WithLabelValues(outcome).Inc()
	r.measurementDuration.Observe(elapsed.Seconds())
}

// RateLimited counts a rejected request.
func (r *Recorder) RateLimited() {
	r.rateLimited.Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
