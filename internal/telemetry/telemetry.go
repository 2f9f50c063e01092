// Package telemetry exposes the Prometheus metrics the admin surface serves
// at /metrics, grounded on the corpus's standard client_golang collector
// registration style.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the worker's counters. Construct it with NewMetrics; the
// supervisor and uploader also accept a nil *Metrics and then record nothing.
type Metrics struct {
	JobsStarted   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	BytesUploaded prometheus.Counter
	UploadFailures prometheus.Counter
}

// NewMetrics creates and registers the worker's metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "text_egress",
			Name:      "jobs_started_total",
			Help:      "Capture jobs recorded as Started.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "text_egress",
			Name:      "jobs_completed_total",
			Help:      "Capture jobs that reached Complete.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "text_egress",
			Name:      "jobs_failed_total",
			Help:      "Capture jobs that reached Failed.",
		}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "text_egress",
			Name:      "bytes_uploaded_total",
			Help:      "Bytes successfully uploaded to object storage.",
		}),
		UploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "text_egress",
			Name:      "upload_failures_total",
			Help:      "Uploads that failed partway through a job's file set.",
		}),
	}
	reg.MustRegister(m.JobsStarted, m.JobsCompleted, m.JobsFailed, m.BytesUploaded, m.UploadFailures)
	return m
}
