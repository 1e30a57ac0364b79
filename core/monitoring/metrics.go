package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sbom"

// Scheduler metrics
var (
	SchedulerCycles = MustRegisterCounterVec(namespace, "scheduler", "cycles_total",
		"Scheduler cycles by outcome (claimed, idle, skipped, standby, error).", "outcome")
	SchedulerClaimed = MustRegisterCounter(namespace, "scheduler", "claimed_total",
		"Generations claimed and moved to SCHEDULED.")
	GenerationsInProgress = MustRegisterGauge(namespace, "scheduler", "generations_in_progress",
		"GENERATING generations of this deployment observed at the last cycle.")
)

// Controller metrics
var (
	ControllerTransitions = MustRegisterCounterVec(namespace, "controller", "transitions_total",
		"Generation transitions performed by controllers.", "generator", "status", "result")
	ManifestsStored = MustRegisterCounterVec(namespace, "controller", "manifests_stored_total",
		"Manifests harvested and stored.", "generator")
)

// Resolver and initializer metrics
var (
	ResolverBatchAttempts = MustRegisterCounterVec(namespace, "resolver", "batch_attempts_total",
		"Batch lookup attempts by outcome (success, retry, failed).", "resolver", "outcome")
	EventsInitialized = MustRegisterCounterVec(namespace, "initializer", "events_total",
		"Events leaving INITIALIZING by status.", "status")
	EventsRecovered = MustRegisterCounterVec(namespace, "initializer", "recovered_total",
		"Stalled events picked up by the recovery sweep (started, requeued, finalized).", "action")
)

// Worker pool metrics
var (
	WorkQueueDepth = MustRegisterGauge(namespace, "workerpool", "queue_depth",
		"Work items waiting for a worker.")
	WorkItemsTotal = MustRegisterCounterVec(namespace, "workerpool", "items_total",
		"Processed work items by outcome (ok, error, panic).", "outcome")
)

// MustRegisterCounterVec creates and registers a counter vector.
// Must be called from package initialization.
func MustRegisterCounterVec(namespace, component, name, help string, labelNames ...string) *prometheus.CounterVec {
	m := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	}, labelNames)
	prometheus.MustRegister(m)
	return m
}

// MustRegisterCounter creates and registers a counter.
func MustRegisterCounter(namespace, component, name, help string) prometheus.Counter {
	m := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	})
	prometheus.MustRegister(m)
	return m
}

// MustRegisterGauge creates and registers a gauge.
func MustRegisterGauge(namespace, component, name, help string) prometheus.Gauge {
	m := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	})
	prometheus.MustRegister(m)
	return m
}
