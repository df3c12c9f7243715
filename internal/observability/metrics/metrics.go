package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "gateway_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec

	commandResults      *prometheus.CounterVec
	verificationRescues prometheus.Counter

	requestsSubmitted prometheus.Counter
	requestsApproved  *prometheus.CounterVec
	requestsByStatus  *prometheus.GaugeVec

	pollCycles      *prometheus.CounterVec
	pollCycleTimers *prometheus.HistogramVec

	exportTotal *prometheus.CounterVec
)

// Init registers the gateway metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		upstreamRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "upstream_requests_total",
				Help: "Total upstream calls by action and result",
			},
			[]string{"action", "result"},
		)
		upstreamLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "upstream_latency_seconds",
				Help:    "Upstream call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action", "result"},
		)

		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total device commands by outcome",
			},
			[]string{"outcome"},
		)
		verificationRescues = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "verification_rescues_total",
				Help: "Commands that failed synchronously but verified as applied",
			},
		)

		requestsSubmitted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "requests_submitted_total",
				Help: "Total service requests submitted",
			},
		)
		requestsApproved = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "requests_approved_total",
				Help: "Total service request approvals by result",
			},
			[]string{"result"},
		)
		requestsByStatus = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "requests_by_status",
				Help: "Current service request count by status",
			},
			[]string{"status"},
		)

		pollCycles = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_cycles_total",
				Help: "Total reconciliation poll cycles by result",
			},
			[]string{"result"},
		)
		pollCycleTimers = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_cycle_latency_seconds",
				Help:    "Reconciliation poll cycle latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total ledger exports by format and result",
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			upstreamRequests,
			upstreamLatency,
			commandResults,
			verificationRescues,
			requestsSubmitted,
			requestsApproved,
			requestsByStatus,
			pollCycles,
			pollCycleTimers,
			exportTotal,
		)
	})
}

// ObserveUpstreamRequest records one upstream call by action and result.
func ObserveUpstreamRequest(action, result string, seconds float64) {
	if action == "" {
		action = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if upstreamRequests != nil {
		upstreamRequests.WithLabelValues(action, result).Inc()
	}
	if upstreamLatency != nil {
		upstreamLatency.WithLabelValues(action, result).Observe(seconds)
	}
}

// IncCommandResult increments the command outcome counter.
func IncCommandResult(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(outcome).Inc()
	}
}

// IncVerificationRescue counts a command rescued by post-failure verification.
func IncVerificationRescue() {
	if verificationRescues != nil {
		verificationRescues.Inc()
	}
}

// IncRequestSubmitted counts one submitted service request.
func IncRequestSubmitted() {
	if requestsSubmitted != nil {
		requestsSubmitted.Inc()
	}
}

// IncRequestApproved counts one approval attempt by result.
func IncRequestApproved(result string) {
	if result == "" {
		result = resultSuccess
	}
	if requestsApproved != nil {
		requestsApproved.WithLabelValues(result).Inc()
	}
}

// SetRequestsByStatus publishes the current ledger composition.
func SetRequestsByStatus(status string, count int) {
	if status == "" {
		return
	}
	if requestsByStatus != nil {
		requestsByStatus.WithLabelValues(status).Set(float64(count))
	}
}

// ObservePollCycle records one reconciliation pass.
func ObservePollCycle(result string, seconds float64) {
	if result == "" {
		result = resultSuccess
	}
	if pollCycles != nil {
		pollCycles.WithLabelValues(result).Inc()
	}
	if pollCycleTimers != nil {
		pollCycleTimers.WithLabelValues(result).Observe(seconds)
	}
}

// IncExport counts a ledger export by format and result.
func IncExport(format, result string) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
