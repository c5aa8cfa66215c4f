package metrics

import "github.com/prometheus/client_golang/prometheus"

var HttpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HttpRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var EventsPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_events_published_total",
		Help: "Total number of events published, by event type",
	},
	[]string{"event_type"},
)

var DeliveriesQueuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "webhook_deliveries_queued_total",
		Help: "Total number of delivery jobs queued by fan-out",
	},
)

var DeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Total number of delivery attempts, by result and error code",
	},
	[]string{"result", "code"},
)

var DeliveryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "webhook_delivery_duration_seconds",
		Help:    "Time taken by subscriber endpoints to answer",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"result"},
)

var RateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "webhook_rate_limit_rejections_total",
		Help: "Total number of deliveries rejected by a subscription rate limit",
	},
)

var SubscriptionsFailingTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "webhook_subscriptions_failing_total",
		Help: "Number of times a subscription was marked failing",
	},
)

var KafkaMessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kafka_messages_consumed_total",
		Help: "Total number of Kafka messages consumed, by outcome",
	},
	[]string{"topic", "status"},
)

func InitAPIMetrics() {
	prometheus.MustRegister(HttpRequestsTotal)
	prometheus.MustRegister(HttpRequestDuration)
}

func InitDeliveryMetrics() {
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(DeliveriesQueuedTotal)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(DeliveryDuration)
	prometheus.MustRegister(RateLimitRejectionsTotal)
	prometheus.MustRegister(SubscriptionsFailingTotal)
}

func InitKafkaMetrics() {
	prometheus.MustRegister(KafkaMessagesTotal)
}
