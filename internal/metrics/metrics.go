package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PullsTotal tracks accepted pulls by tier and outcome
	PullsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortuna_pulls_total",
			Help: "The total number of accepted pulls",
		},
		[]string{"tier", "outcome"}, // reward, ticket_earned
	)

	// PullRejections tracks rejected pulls by reason
	PullRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortuna_pull_rejections_total",
			Help: "The total number of rejected pulls",
		},
		[]string{"tier", "reason"}, // cooldown, invalid_tier, user_not_found, persistence
	)

	// DrawsTotal tracks executed draws by tier and result
	DrawsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortuna_draws_total",
			Help: "The total number of draw executions",
		},
		[]string{"tier", "result"}, // won, rollover, failed
	)

	// DrawsStalled tracks draws flagged for operator attention
	DrawsStalled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortuna_draws_stalled_total",
			Help: "The total number of draws flagged stalled after exhausting attempts",
		},
		[]string{"tier"},
	)

	// PayoutsTotal tracks payout state transitions
	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortuna_payouts_total",
			Help: "The total number of payout state transitions",
		},
		[]string{"status"},
	)

	// SettlementSeconds tracks time spent on one settlement step
	SettlementSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fortuna_settlement_seconds",
		Help:    "Time taken by one payout settlement step in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})

	// PayoutQueueLength tracks the number of payouts in the queue
	PayoutQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fortuna_payout_queue_length",
		Help: "The number of payouts currently in the queue",
	})

	// WorkersActive tracks the number of active workers
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fortuna_workers_active",
		Help: "The number of workers currently active",
	})

	// RPCRequestsTotal tracks RPC requests by status
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortuna_rpc_requests_total",
			Help: "The total number of RPC requests",
		},
		[]string{"status"},
	)

	// RPCEndpointHealth tracks RPC endpoint health
	RPCEndpointHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fortuna_rpc_endpoint_health",
			Help: "Health status of RPC endpoints (1 = healthy, 0 = unhealthy)",
		},
		[]string{"endpoint"},
	)

	// IntegrityViolations tracks stats mismatches found by reconciliation
	IntegrityViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fortuna_integrity_violations_total",
		Help: "The total number of user stats that disagreed with history",
	})

	// DatabaseOperations tracks database operations
	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortuna_database_operations_total",
			Help: "The total number of database operations",
		},
		[]string{"operation", "status"},
	)

	// WorkerTaskDuration tracks how long workers spend on tasks
	WorkerTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fortuna_worker_task_duration_seconds",
			Help:    "Time taken by workers to complete tasks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type", "worker_id"},
	)
)

// RecordPull records an accepted pull
func RecordPull(tier, outcome string) {
	PullsTotal.WithLabelValues(tier, outcome).Inc()
}

// RecordPullRejection records a rejected pull
func RecordPullRejection(tier, reason string) {
	PullRejections.WithLabelValues(tier, reason).Inc()
}

// RecordDraw records a draw execution result
func RecordDraw(tier, result string) {
	DrawsTotal.WithLabelValues(tier, result).Inc()
}

// RecordDrawStalled records a draw flagged stalled
func RecordDrawStalled(tier string) {
	DrawsStalled.WithLabelValues(tier).Inc()
}

// RecordPayout records a payout reaching the given status
func RecordPayout(status string) {
	PayoutsTotal.WithLabelValues(status).Inc()
}

// RecordSettlement records the time taken by one settlement step
func RecordSettlement(duration float64) {
	SettlementSeconds.Observe(duration)
}

// RecordRPCRequest records an RPC request with the given status
func RecordRPCRequest(status string) {
	RPCRequestsTotal.WithLabelValues(status).Inc()
}

// RecordIntegrityViolation records a stats mismatch
func RecordIntegrityViolation() {
	IntegrityViolations.Inc()
}

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation, status string) {
	DatabaseOperations.WithLabelValues(operation, status).Inc()
}

// SetRPCEndpointHealth sets the health status of an RPC endpoint
func SetRPCEndpointHealth(endpoint string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	RPCEndpointHealth.WithLabelValues(endpoint).Set(value)
}

// RecordWorkerTaskDuration records the time taken by a worker to complete a task
func RecordWorkerTaskDuration(taskType, workerID string, duration float64) {
	WorkerTaskDuration.WithLabelValues(taskType, workerID).Observe(duration)
}
