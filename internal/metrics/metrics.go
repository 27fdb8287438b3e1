package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_events_published_total",
			Help: "Total number of event tasks published to the queue, by event type.",
		},
		[]string{"event_type"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_attempts_total",
			Help: "Total number of HTTP delivery attempts by outcome and error class.",
		},
		[]string{"outcome", "class"},
	)

	AttemptLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookline_attempt_latency_seconds",
			Help:    "Latency of single delivery attempts.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"outcome"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_deliveries_total",
			Help: "Total number of logical deliveries by final status.",
		},
		[]string{"status"}, // delivered, exhausted, invalid_url, canceled, inactive, aborted
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_retries_total",
			Help: "Total number of scheduled retries by the class of the failure that caused them.",
		},
		[]string{"reason"},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_dlq_total",
			Help: "Total number of deliveries published to the dead letter topic.",
		},
		[]string{"reason"},
	)

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_probes_total",
			Help: "Total number of endpoint health probes by result.",
		},
		[]string{"healthy"},
	)

	StatsUpdateErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookline_stats_update_errors_total",
			Help: "Total number of failed endpoint statistics updates.",
		},
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookline_worker_backlog",
			Help: "Messages waiting on the worker channel.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookline_nsq_topic_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsPublishedTotal,
		AttemptsTotal,
		AttemptLatencySeconds,
		DeliveriesTotal,
		RetriesTotal,
		DLQTotal,
		ProbesTotal,
		StatsUpdateErrorsTotal,
		WorkerBacklog,
		NSQTopicDepth,
	)
}

// RecordEventPublished counts a task handed to the queue
func RecordEventPublished(eventType string) {
	EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordAttempt counts one HTTP attempt and observes its latency
func RecordAttempt(outcome, class string, latency time.Duration) {
	if class == "" {
		class = "none"
	}
	AttemptsTotal.WithLabelValues(outcome, class).Inc()
	AttemptLatencySeconds.WithLabelValues(outcome).Observe(latency.Seconds())
}

// RecordDelivery counts the final status of a logical delivery
func RecordDelivery(status string) {
	DeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordRetry counts a scheduled retry
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDLQ counts a dead letter publish
func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

// RecordProbe counts a health probe result
func RecordProbe(healthy bool) {
	ProbesTotal.WithLabelValues(strconv.FormatBool(healthy)).Inc()
}

// RecordStatsUpdateError counts a failed endpoint counter update
func RecordStatsUpdateError() {
	StatsUpdateErrorsTotal.Inc()
}

// UpdateWorkerBacklog sets the worker backlog gauge
func UpdateWorkerBacklog(depth float64) {
	WorkerBacklog.Set(depth)
}

// UpdateNSQTopicDepth sets the depth gauge for a topic/channel pair
func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
