package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce            sync.Once
	messagesMergedTotal     *prometheus.CounterVec
	malformedDroppedTotal   prometheus.Counter
	staleResultsTotal       prometheus.Counter
	sendsTotal              *prometheus.CounterVec
	reconcileInsertsTotal   prometheus.Counter
	historyLoadsTotal       *prometheus.CounterVec
	historyLoadSeconds      prometheus.Histogram
	realtimeReconnectsTotal prometheus.Counter
	realtimeDroppedTotal    prometheus.Counter
	roomSubscriptionsActive prometheus.Gauge
	unreadPollErrorsTotal   prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the sync engine.
func RegisterMetrics() {
	registerOnce.Do(func() {
		messagesMergedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_messages_merged_total",
			Help: "Total number of messages accepted into room logs, by merge mode.",
		}, []string{"mode"})

		malformedDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_malformed_messages_dropped_total",
			Help: "Total number of inbound messages dropped for missing id or timestamp.",
		})

		staleResultsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_stale_results_discarded_total",
			Help: "Total number of late async results discarded after a room switch.",
		})

		sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Total number of send attempts, by outcome.",
		}, []string{"result"})

		reconcileInsertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconcile_inserts_total",
			Help: "Total number of sends force-inserted because no echo arrived in the window.",
		})

		historyLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_history_loads_total",
			Help: "Total number of history page loads, by outcome.",
		}, []string{"result"})

		historyLoadSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_history_load_seconds",
			Help:    "Latency distribution for history page loads.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		})

		realtimeReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_realtime_reconnects_total",
			Help: "Total number of realtime connection re-establishments.",
		})

		realtimeDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_realtime_frames_dropped_total",
			Help: "Total number of inbound realtime frames rejected by schema validation.",
		})

		roomSubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_room_subscriptions_active",
			Help: "Number of rooms with at least one active subscription.",
		})

		unreadPollErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_unread_poll_errors_total",
			Help: "Total number of failed unread-count polls.",
		})

		prometheus.MustRegister(
			messagesMergedTotal,
			malformedDroppedTotal,
			staleResultsTotal,
			sendsTotal,
			reconcileInsertsTotal,
			historyLoadsTotal,
			historyLoadSeconds,
			realtimeReconnectsTotal,
			realtimeDroppedTotal,
			roomSubscriptionsActive,
			unreadPollErrorsTotal,
		)
	})
}

// MessagesMerged exposes the counter for accepted merges.
func MessagesMerged() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesMergedTotal
}

// MalformedDropped exposes the counter for dropped malformed entries.
func MalformedDropped() prometheus.Counter {
	RegisterMetrics()
	return malformedDroppedTotal
}

// StaleResults exposes the counter for discarded late results.
func StaleResults() prometheus.Counter {
	RegisterMetrics()
	return staleResultsTotal
}

// Sends exposes the counter for send attempts.
func Sends() *prometheus.CounterVec {
	RegisterMetrics()
	return sendsTotal
}

// ReconcileInserts exposes the counter for forced reconciliation inserts.
func ReconcileInserts() prometheus.Counter {
	RegisterMetrics()
	return reconcileInsertsTotal
}

// HistoryLoads exposes the counter for history load outcomes.
func HistoryLoads() *prometheus.CounterVec {
	RegisterMetrics()
	return historyLoadsTotal
}

// HistoryLoadLatency exposes the latency histogram for history loads.
func HistoryLoadLatency() prometheus.Histogram {
	RegisterMetrics()
	return historyLoadSeconds
}

// RealtimeReconnects exposes the counter for connection re-establishments.
func RealtimeReconnects() prometheus.Counter {
	RegisterMetrics()
	return realtimeReconnectsTotal
}

// RealtimeFramesDropped exposes the counter for schema-rejected frames.
func RealtimeFramesDropped() prometheus.Counter {
	RegisterMetrics()
	return realtimeDroppedTotal
}

// RoomSubscriptions exposes the gauge of subscribed rooms.
func RoomSubscriptions() prometheus.Gauge {
	RegisterMetrics()
	return roomSubscriptionsActive
}

// UnreadPollErrors exposes the counter for failed unread polls.
func UnreadPollErrors() prometheus.Counter {
	RegisterMetrics()
	return unreadPollErrorsTotal
}
