package stage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domainintel_stage_messages_received_total",
		Help: "Messages consumed from input topics, by stage.",
	}, []string{"stage"})

	messagesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domainintel_stage_messages_processed_total",
		Help: "Messages whose worker completed, by stage.",
	}, []string{"stage"})

	messagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domainintel_stage_messages_sent_total",
		Help: "Messages produced to output topics, by stage and topic.",
	}, []string{"stage", "topic"})

	responsesMarshalledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domainintel_stage_responses_marshalled_total",
		Help: "Worker results marshalled for transport, by stage.",
	}, []string{"stage"})

	retryableExceptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domainintel_stage_retryable_exceptions_total",
		Help: "Worker failures that were retried, by stage.",
	}, []string{"stage"})
)

// Metrics are one run's counters. The prometheus registry carries the
// same figures across runs; this struct is the per-run report.
type Metrics struct {
	Received   int
	Processed  int
	Sent       int
	Marshalled int
	Retries    int

	SentByTopic map[string]int
}

func newMetrics() *Metrics {
	return &Metrics{SentByTopic: map[string]int{}}
}

// Add accumulates another run's counters, used when fanned-out workers
// report back.
func (m *Metrics) Add(other *Metrics) {
	m.Received += other.Received
	m.Processed += other.Processed
	m.Sent += other.Sent
	m.Marshalled += other.Marshalled
	m.Retries += other.Retries
	for topic, count := range other.SentByTopic {
		m.SentByTopic[topic] += count
	}
}

func (m *Metrics) received(stage string) {
	m.Received++
	messagesReceivedTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) processed(stage string) {
	m.Processed++
	messagesProcessedTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) sent(stage, topic string) {
	m.Sent++
	m.SentByTopic[topic]++
	messagesSentTotal.WithLabelValues(stage, topic).Inc()
}

func (m *Metrics) marshalled(stage string) {
	m.Marshalled++
	responsesMarshalledTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) retried(stage string) {
	m.Retries++
	retryableExceptionsTotal.WithLabelValues(stage).Inc()
}
