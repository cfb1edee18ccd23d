package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MutationAttempts counts read-compute-put cycles by operation.
	MutationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_mutation_attempts_total",
		Help: "Total number of optimistic mutation attempts by operation",
	}, []string{"operation"})

	// MutationConflicts counts attempts that lost a compare-and-swap.
	MutationConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_mutation_conflicts_total",
		Help: "Total number of version conflicts observed by the mutation engine",
	}, []string{"operation"})

	// MutationContended counts operations that exhausted their retry budget.
	MutationContended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_mutation_contended_total",
		Help: "Total number of operations that failed after exhausting retries",
	}, []string{"operation"})

	// MutationLatency records end-to-end operation latency.
	MutationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "duet_mutation_latency_seconds",
		Help:    "Mutation latency in seconds, including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "outcome"})

	// StoreLatency records entity store call latency by backend and operation.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "duet_store_latency_seconds",
		Help:    "Entity store latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "operation"})

	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// SweepRuns counts retention sweeps by result.
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_sweeper_runs_total",
		Help: "Total number of retention sweeps",
	}, []string{"result"})

	// SweepExpired counts posts removed by the retention sweeper.
	SweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duet_sweeper_expired_total",
		Help: "Total number of posts removed by the retention sweeper",
	})

	// FeedSubscribers is the gauge of live change feed subscriptions.
	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duet_feed_subscribers",
		Help: "Number of active change feed subscriptions",
	})

	// FeedPublished counts change records by kind.
	FeedPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_feed_published_total",
		Help: "Total number of change records published",
	}, []string{"kind"})

	// FeedLagging counts subscriptions terminated for falling behind.
	FeedLagging = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duet_feed_lagging_total",
		Help: "Total number of subscriptions terminated because their backlog overflowed",
	})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duet_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// MediaUploads counts accepted uploads by media kind.
	MediaUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_media_uploads_total",
		Help: "Total number of accepted media uploads",
	}, []string{"kind"})

	// CallTransitions counts call record transitions by resulting status.
	CallTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_call_transitions_total",
		Help: "Total number of call signaling transitions",
	}, []string{"status"})
)

// TrackStore returns a function that records store latency when called (e.g. defer).
func TrackStore(backend, operation string) func() {
	start := time.Now()
	return func() {
		StoreLatency.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	}
}
