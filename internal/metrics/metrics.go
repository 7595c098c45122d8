// Package metrics holds the Prometheus collectors shared by every
// imagepipe process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "imagepipe"

var (
	// ServerInfo carries the build version and the role of the process.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Process information.",
	}, []string{"version", "role"})

	// MessagesTotal counts settled deliveries by stage and outcome
	// (ack, discard, reject, retry, dead).
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Deliveries settled by a stage.",
	}, []string{"stage", "outcome"})

	TransformDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transform_duration_seconds",
		Help:      "Time spent inside a stage transform.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage"})

	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_total",
		Help:      "Broker publishes by route and result.",
	}, []string{"route", "result"})

	PublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "publish_duration_seconds",
		Help:      "Time until the broker confirmed a publish.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	SealsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "seals_total",
		Help:      "Seal claim attempts by result (granted, refused, error).",
	}, []string{"result"})

	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_submitted_total",
		Help:      "Upload submissions by result.",
	}, []string{"result"})

	StatusWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_writes_total",
		Help:      "Status store writes by target status and result.",
	}, []string{"status", "result"})

	SweeperRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeper_removed_total",
		Help:      "Job directories removed by the sweeper.",
	})
)

// Init records the process info gauge.
func Init(version, role string) {
	ServerInfo.WithLabelValues(version, role).Set(1)
}
