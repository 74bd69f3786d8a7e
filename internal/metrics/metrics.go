// Package metrics defines the Prometheus collectors the pool exposes.
// All collectors register eagerly at package init so any pool instance
// in the process can use them without further wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SlotsReady tracks the number of idle, unclaimed slots per backend.
	SlotsReady = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poolcore_slots_ready",
		Help: "Number of ready (idle, unclaimed) slots per backend",
	}, []string{"domain", "backend_key"})

	// SlotsClaimed tracks the number of claimed slots per backend.
	SlotsClaimed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poolcore_slots_claimed",
		Help: "Number of claimed slots per backend",
	}, []string{"domain", "backend_key"})

	// SlotsConnecting tracks slots currently in starting/delay/connecting.
	SlotsConnecting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poolcore_slots_connecting",
		Help: "Number of slots attempting to connect per backend",
	}, []string{"domain", "backend_key"})

	// SlotsMonitor tracks whether a dead backend currently has a monitor
	// slot (0 or 1, but kept as a gauge per backend for consistency).
	SlotsMonitor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poolcore_slots_monitor",
		Help: "Monitor slots currently active per dead backend",
	}, []string{"domain", "backend_key"})

	// ClaimsTotal counts claim outcomes.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolcore_claims_total",
		Help: "Total claim outcomes",
	}, []string{"domain", "outcome"})

	// QueueLength tracks the current claim queue depth.
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poolcore_queue_length",
		Help: "Number of claim handles currently waiting",
	}, []string{"domain"})

	// QueueSojournSeconds tracks how long claims wait before pairing.
	QueueSojournSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolcore_queue_sojourn_seconds",
		Help:    "Time spent waiting in the claim queue before pairing",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"domain"})

	// OverloadShedTotal counts claims shed by the CoDel controller.
	OverloadShedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolcore_overload_shed_total",
		Help: "Total claims shed by the overload controller",
	}, []string{"domain"})

	// BackendAlive reports per-backend health as a gauge (1 = healthy, 0 = dead).
	BackendAlive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poolcore_backend_alive",
		Help: "Backend health (1 = healthy, 0 = dead)",
	}, []string{"domain", "backend_key"})

	// RebalanceActionsTotal counts rebalancer actions by kind.
	RebalanceActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolcore_rebalance_actions_total",
		Help: "Total rebalancer actions taken",
	}, []string{"domain", "action"})

	// ConnectionErrorsTotal counts connection attempt errors by backend.
	ConnectionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolcore_connection_errors_total",
		Help: "Total connection attempt errors per backend",
	}, []string{"domain", "backend_key"})
)
