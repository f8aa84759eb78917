package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "farmstay",
		Name:      "queue_depth",
		Help:      "Approximate number of ready tasks per kind.",
	}, []string{"kind"})
	// QueueProcessedTotal counts handler outcomes: success, retry or dlq.
	QueueProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmstay",
		Name:      "queue_processed_total",
		Help:      "Tasks processed by outcome.",
	}, []string{"kind", "status"})
	QueueDLQSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "farmstay",
		Name:      "queue_dlq_size",
		Help:      "Tasks parked in the dead letter store.",
	}, []string{"kind"})
	// QueueTaskLatency measures enqueue to successful completion, retries
	// included.
	QueueTaskLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "farmstay",
		Name:      "queue_task_latency_seconds",
		Help:      "Seconds from enqueue to successful delivery.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 3, 9),
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(QueueDepth, QueueProcessedTotal, QueueDLQSize, QueueTaskLatency)
}
