// Package metrics holds the Prometheus collectors shared by both binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_published_total",
			Help: "Records published to the broker",
		},
		[]string{"source"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_publish_failures_total",
			Help: "Publish runs aborted by a source or broker error",
		},
		[]string{"source", "stage"}, // stage=watermark/fetch/encode/publish
	)

	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_messages_consumed_total",
			Help: "Deliveries settled by the worker",
		},
		[]string{"outcome"}, // acked, requeued, dead_lettered
	)

	Upserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_upserts_total",
			Help: "Relational upserts by result",
		},
		[]string{"result"},
	)

	DataQualityIssues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_data_quality_issues_total",
			Help: "Fields nulled during normalisation",
		},
		[]string{"field"},
	)

	Watermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_watermark",
			Help: "Last marker durably processed per source",
		},
		[]string{"source"},
	)

	RunInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_run_in_flight",
			Help: "1 while this publisher holds the run lease",
		},
	)

	ProcessSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_message_process_seconds",
			Help:    "Time from delivery receipt to settlement",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)
)
