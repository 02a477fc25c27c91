// Package metrics provides Prometheus metrics for relaydocs components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// reconcilePassesTotal counts reconciliation passes.
	// Labels:
	//   - outcome: "converged", "corrected", "failed"
	reconcilePassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydocs_reconcile_passes_total",
			Help: "Total number of lock reconciliation passes",
		},
		[]string{"outcome"},
	)

	// lockOperationsTotal counts lock and unlock attempts.
	// Labels:
	//   - op: "lock", "unlock", "cleanup" on clients; "server_lock", "server_unlock" on the store
	//   - result: "ok", "conflict", "error", "noop", "acquired", "released", "unchanged", "not_found"
	lockOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydocs_lock_operations_total",
			Help: "Total number of document lock operations",
		},
		[]string{"op", "result"},
	)

	realtimeReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydocs_realtime_reconnects_total",
			Help: "Total number of realtime reconnect attempts by trigger",
		},
		[]string{"reason"},
	)

	realtimeConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaydocs_realtime_connected",
			Help: "1 while the realtime channel is open",
		},
	)

	// pushEventsTotal counts push events folded into the local cache.
	// Labels:
	//   - entity: collection name
	//   - result: "applied", "stale", "duplicate", "invalid"
	pushEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydocs_push_events_total",
			Help: "Total number of push events handled by the local state store",
		},
		[]string{"entity", "result"},
	)

	fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydocs_fetches_total",
			Help: "Total number of local state store fetches by result",
		},
		[]string{"result"},
	)

	fetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaydocs_fetch_duration_seconds",
			Help:    "Duration of full local state store fetches in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydocs_workflow_transitions_total",
			Help: "Total number of workflow transition attempts",
		},
		[]string{"result"},
	)

	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydocs_validations_total",
			Help: "Total number of validator runs by validator and outcome",
		},
		[]string{"validator", "outcome"},
	)

	serverMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydocs_server_mutations_total",
			Help: "Total number of shared store mutations",
		},
		[]string{"entity", "event"},
	)

	hubSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaydocs_hub_subscribers",
			Help: "Number of active push subscribers on the shared store",
		},
	)

	hubDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydocs_hub_dropped_events_total",
			Help: "Total number of push events dropped for lagging subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(reconcilePassesTotal)
	prometheus.MustRegister(lockOperationsTotal)
	prometheus.MustRegister(realtimeReconnectsTotal)
	prometheus.MustRegister(realtimeConnected)
	prometheus.MustRegister(pushEventsTotal)
	prometheus.MustRegister(fetchesTotal)
	prometheus.MustRegister(fetchDuration)
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(validationsTotal)
	prometheus.MustRegister(serverMutationsTotal)
	prometheus.MustRegister(hubSubscribers)
	prometheus.MustRegister(hubDroppedTotal)
}

func RecordReconcilePass(outcome string) {
	reconcilePassesTotal.WithLabelValues(outcome).Inc()
}

func RecordLockOperation(op, result string) {
	lockOperationsTotal.WithLabelValues(op, result).Inc()
}

func RecordRealtimeReconnect(reason string) {
	realtimeReconnectsTotal.WithLabelValues(reason).Inc()
}

func SetRealtimeConnected(connected bool) {
	if connected {
		realtimeConnected.Set(1)
		return
	}
	realtimeConnected.Set(0)
}

func RecordPushEvent(entity, result string) {
	pushEventsTotal.WithLabelValues(entity, result).Inc()
}

// RecordFetch records a fetch outcome and, for completed fetches, its duration.
func RecordFetch(result string, seconds float64) {
	fetchesTotal.WithLabelValues(result).Inc()
	if seconds > 0 {
		fetchDuration.Observe(seconds)
	}
}

func RecordTransition(result string) {
	transitionsTotal.WithLabelValues(result).Inc()
}

func RecordValidation(validator, outcome string) {
	validationsTotal.WithLabelValues(validator, outcome).Inc()
}

func RecordServerMutation(entity, event string) {
	serverMutationsTotal.WithLabelValues(entity, event).Inc()
}

func SetHubSubscribers(n int) {
	hubSubscribers.Set(float64(n))
}

func RecordHubDrop() {
	hubDroppedTotal.Inc()
}
