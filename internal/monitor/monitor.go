package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Controller Metrics
var (
	ProvisionRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "controller",
		Name:      "provision_requests_total",
		Help:      "Total number of provisioning requests that passed the cooldown guard",
	}, []string{"pool"})

	ProvisionSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "controller",
		Name:      "provision_skipped_total",
		Help:      "Total number of provisioning requests dropped by the cooldown guard",
	}, []string{"pool"})

	WorkersInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleet",
		Subsystem: "controller",
		Name:      "workers_in_flight",
		Help:      "Workers currently invoking or waiting for connect",
	}, []string{"pool"})

	ControllerDegraded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleet",
		Subsystem: "controller",
		Name:      "degraded",
		Help:      "1 when the controller could not build its invoker",
	}, []string{"pool"})
)

// Launch Metrics
var (
	LaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "launch",
		Name:      "total",
		Help:      "Total number of launch processes by final outcome",
	}, []string{"pool", "outcome"})

	InvocationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleet",
		Subsystem: "launch",
		Name:      "invocation_latency_seconds",
		Help:      "Latency of the remote function invocation call",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"pool"})

	ConnectLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleet",
		Subsystem: "launch",
		Name:      "connect_latency_seconds",
		Help:      "Time from record creation until the worker reported ready",
		Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
	}, []string{"pool"})
)

// Lifecycle Metrics
var (
	WorkersTerminatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "lifecycle",
		Name:      "terminated_total",
		Help:      "Total number of workers deregistered, by reason",
	}, []string{"reason"})

	DeregistrationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "lifecycle",
		Name:      "deregistration_errors_total",
		Help:      "Total number of failed node removals",
	})
)

// Loop Metrics
var (
	TickDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "loop",
		Name:      "tick_decisions_total",
		Help:      "Provisioning ticks by decision",
	}, []string{"decision"})

	ListenerPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "loop",
		Name:      "listener_panics_total",
		Help:      "Panics recovered from provisioning listeners",
	})
)
