package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskreplay_tasks_enqueued_total",
			Help: "Total number of tasks accepted by the fake producers, by kind.",
		},
		[]string{"kind"}, // http, push
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskreplay_dispatches_total",
			Help: "Total number of dispatched tasks by outcome.",
		},
		[]string{"outcome"}, // delivered, skipped, failed
	)

	DispatchLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskreplay_dispatch_latency_seconds",
			Help:    "Time the handler under test took to answer a dispatched task.",
			Buckets: prometheus.DefBuckets,
		},
	)

	WavesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskreplay_waves_total",
			Help: "Total number of dispatch waves drained.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskreplay_queue_depth",
			Help: "Tasks currently waiting in the in-memory queue.",
		},
	)

	NSQChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskreplay_nsq_channel_depth",
			Help: "Depth of the bridged NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	NSQChannelInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskreplay_nsq_channel_inflight",
			Help: "In-flight messages of the bridged NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

// MustRegister registers every collector with reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(TasksEnqueuedTotal, DispatchesTotal, DispatchLatencySeconds, WavesTotal, QueueDepth,
		NSQChannelDepth, NSQChannelInflight)
}

// RecordEnqueued counts a task accepted by a producer fake.
func RecordEnqueued(kind string) {
	TasksEnqueuedTotal.WithLabelValues(kind).Inc()
}

// RecordDispatch counts one dispatch outcome; latency is only observed for real deliveries.
func RecordDispatch(outcome string, latency time.Duration) {
	DispatchesTotal.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		DispatchLatencySeconds.Observe(latency.Seconds())
	}
}

// RecordWave counts one drained dispatch wave.
func RecordWave() {
	WavesTotal.Inc()
}

// UpdateQueueDepth sets the queue depth gauge.
func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

// UpdateNSQChannel sets the backlog gauges for one NSQ channel.
func UpdateNSQChannel(topic, channel string, depth, inflight int64) {
	NSQChannelDepth.WithLabelValues(topic, channel).Set(float64(depth))
	NSQChannelInflight.WithLabelValues(topic, channel).Set(float64(inflight))
}
