package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	routeDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queryweave_route_decisions_total",
		Help: "Route decisions by route",
	}, []string{"route"})

	cacheEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queryweave_cache_events_total",
		Help: "Cache lookups by tier, category and result",
	}, []string{"tier", "category", "result"})

	capabilityLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queryweave_capability_latency_ms",
		Help:    "Latency of capability calls in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1500, 3000, 6000},
	}, []string{"capability"})

	workflowTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queryweave_workflow_transitions_total",
		Help: "SQL job transitions by destination state",
	}, []string{"state"})

	dedupSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queryweave_dedup_suppressed_total",
		Help: "Computations avoided by the content-addressed cache",
	})

	degradedArms = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queryweave_degraded_arms_total",
		Help: "Query arms that degraded softly",
	}, []string{"arm"})
)

func ensureRegistered() {
	once.Do(func() {
		prometheus.MustRegister(routeDecisions, cacheEvents, capabilityLatency, workflowTransitions, dedupSuppressed, degradedArms)
	})
}

// IncRoute counts one routing decision.
func IncRoute(route string) {
	ensureRegistered()
	routeDecisions.WithLabelValues(route).Inc()
}

// IncCache counts a cache lookup outcome. tier is "ephemeral" or
// "persistent"; result is "hit" or "miss".
func IncCache(tier, category, result string) {
	ensureRegistered()
	cacheEvents.WithLabelValues(tier, category, result).Inc()
}

// ObserveCapability records latency for one capability call.
func ObserveCapability(name string, start time.Time) {
	ensureRegistered()
	capabilityLatency.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
}

// IncWorkflowTransition counts a job transition into a state.
func IncWorkflowTransition(state string) {
	ensureRegistered()
	workflowTransitions.WithLabelValues(state).Inc()
}

// IncDedupSuppressed counts one avoided computation.
func IncDedupSuppressed() {
	ensureRegistered()
	dedupSuppressed.Inc()
}

// IncDegradedArm counts a softly failed arm ("documents"/"sql").
func IncDegradedArm(arm string) {
	ensureRegistered()
	degradedArms.WithLabelValues(arm).Inc()
}
