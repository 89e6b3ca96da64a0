// Package metrics exposes classification and feature computation
// measurements to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer receives measurements from the feature and classification
// engines. Implementations must be safe for concurrent use.
type Observer interface {
	OnClassify(d time.Duration, mode string, vectors int, err error)
	OnFeatureUpdate(d time.Duration, planes int, err error)
	OnProgress(completed, total int)
}

// NoopObserver discards every measurement
type NoopObserver struct{}

func (NoopObserver) OnClassify(time.Duration, string, int, error) {}
func (NoopObserver) OnFeatureUpdate(time.Duration, int, error)    {}
func (NoopObserver) OnProgress(int, int)                          {}

// PrometheusObserver implements Observer with Prometheus collectors
type PrometheusObserver struct {
	opLatency *prometheus.HistogramVec
	vectors   *prometheus.CounterVec
	planes    prometheus.Counter
	failures  *prometheus.CounterVec
	progress  prometheus.Gauge
}

// NewPrometheusObserver creates the collectors and registers them with reg.
// A nil reg uses the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trainableseg_operation_latency_seconds",
			Help:    "Latency of feature updates and classification runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"op", "status"}),
		vectors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainableseg_vectors_classified_total",
			Help: "Feature vectors classified",
		}, []string{"mode"}),
		planes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainableseg_feature_planes_updated_total",
			Help: "Feature stacks recomputed",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainableseg_failures_total",
			Help: "Failed operations",
		}, []string{"op"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trainableseg_classification_progress_ratio",
			Help: "Progress of the running classification (0.0-1.0)",
		}),
	}

	reg.MustRegister(o.opLatency, o.vectors, o.planes, o.failures, o.progress)
	return o
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (o *PrometheusObserver) OnClassify(d time.Duration, mode string, vectors int, err error) {
	o.opLatency.WithLabelValues("classify", status(err)).Observe(d.Seconds())
	if err != nil {
		o.failures.WithLabelValues("classify").Inc()
		return
	}
	o.vectors.WithLabelValues(mode).Add(float64(vectors))
}

func (o *PrometheusObserver) OnFeatureUpdate(d time.Duration, planes int, err error) {
	o.opLatency.WithLabelValues("feature_update", status(err)).Observe(d.Seconds())
	if err != nil {
		o.failures.WithLabelValues("feature_update").Inc()
		return
	}
	o.planes.Add(float64(planes))
}

func (o *PrometheusObserver) OnProgress(completed, total int) {
	if total <= 0 {
		return
	}
	o.progress.Set(float64(completed) / float64(total))
}
