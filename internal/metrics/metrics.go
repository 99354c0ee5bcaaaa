// Package metrics hand-registers the gateway-specific prometheus signals
// that sit alongside echoprometheus's automatic HTTP-level metrics,
// following the same promauto pattern the teacher's metrics.go uses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepthGauge tracks the current number of waiters held per
	// service in the cold-start request queue.
	QueueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hestia_gateway",
		Name:      "queue_depth",
		Help:      "Current number of requests queued for a cold service",
	}, []string{"service_id"})

	// RoutingDecisions counts upstream selections by reason tag
	// (strategy:<name>, load_balancer, base_url).
	RoutingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hestia_gateway",
		Name:      "routing_decisions_total",
		Help:      "Total upstream routing decisions by reason",
	}, []string{"service_id", "reason"})

	// InstanceHealthGauge reports 1 for healthy, 0 for unhealthy, per
	// (service_id, instance_url).
	InstanceHealthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hestia_gateway",
		Name:      "instance_health",
		Help:      "Instance health as observed by the load balancer strategy (1=healthy, 0=unhealthy)",
	}, []string{"service_id", "instance_url"})

	// LifecycleTransitions counts state transitions emitted by the
	// lifecycle manager and idle monitor.
	LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hestia_gateway",
		Name:      "lifecycle_transitions_total",
		Help:      "Total service state transitions by destination state",
	}, []string{"service_id", "state"})

	// StartupDuration observes how long a startup driver took to resolve
	// a service from starting to either hot or cold.
	StartupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hestia_gateway",
		Name:      "startup_duration_seconds",
		Help:      "Time for a startup driver to resolve, by service",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"service_id"})

	// UpstreamAttempts counts every outbound attempt the proxy pipeline
	// makes, including fallback attempts.
	UpstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hestia_gateway",
		Name:      "upstream_attempts_total",
		Help:      "Total outbound upstream attempts by service and outcome",
	}, []string{"service_id", "outcome"})
)
